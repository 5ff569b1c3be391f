// Package simulator is a management controller that speaks the ipmimon
// wire protocol. It backs the end-to-end tests and cmd/ipmisim.
package simulator

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmimon/internal/protocol"
)

// Sensor is one simulated sensor.
type Sensor struct {
	Unit    protocol.Unit
	Factors protocol.Factors
	Raw     uint32
}

// Stats counts what the controller has seen.
type Stats struct {
	Dials       int
	Requests    int
	Handshakes  int
	Closed      int
	Interleaved int
}

type pending struct {
	challenge protocol.Challenge
	username  string
}

type session struct {
	lastUsed time.Time
}

// Controller is a simulated management controller. All setters are safe
// for concurrent use with traffic.
type Controller struct {
	username string
	password string

	mu          sync.Mutex
	sensors     map[uint8]Sensor
	sensorFail  map[uint8]protocol.Status
	health      map[protocol.Target]protocol.Health
	override    map[protocol.CommandCode]protocol.Status
	powerCap    int
	authTypes   byte
	rejectAuth  bool
	silent      bool
	unreachable bool
	stale       bool
	latency     time.Duration
	idleTimeout time.Duration
	pending     map[uint32]pending
	sessions    map[uint32]*session
	nextID      uint32
	stats       Stats

	busy atomic.Bool
}

// New returns a controller accepting username/password, populated with the
// reference sensor layout: 350 W, 42 °C CPU, 24 °C inlet, 60 % fan, system
// and PSU healthy.
func New(username, password string) *Controller {
	return &Controller{
		username: username,
		password: password,
		sensors: map[uint8]Sensor{
			protocol.SensorPower:            {Unit: protocol.UnitWatts, Factors: protocol.Identity, Raw: 350},
			protocol.SensorCPUTemperature:   {Unit: protocol.UnitCelsius, Factors: protocol.Identity, Raw: 42},
			protocol.SensorInletTemperature: {Unit: protocol.UnitCelsius, Factors: protocol.Identity, Raw: 24},
			protocol.SensorFanSpeed:         {Unit: protocol.UnitPercent, Factors: protocol.Identity, Raw: 60},
			protocol.SensorEnergy:           {Unit: protocol.UnitWattHours, Factors: protocol.Identity, Raw: 125000},
		},
		sensorFail:  map[uint8]protocol.Status{},
		health:      map[protocol.Target]protocol.Health{},
		override:    map[protocol.CommandCode]protocol.Status{},
		authTypes:   protocol.AuthTypeMaskHMACSHA256,
		idleTimeout: 60 * time.Second,
		pending:     map[uint32]pending{},
		sessions:    map[uint32]*session{},
		nextID:      0x1000,
	}
}

// SetSensor installs or replaces a sensor.
func (c *Controller) SetSensor(number uint8, s Sensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[number] = s
}

// SetRaw changes the raw reading of an existing sensor.
func (c *Controller) SetRaw(number uint8, raw uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sensors[number]
	s.Raw = raw
	c.sensors[number] = s
}

// FailSensor makes reads of one sensor return status. StatusSuccess clears it.
func (c *Controller) FailSensor(number uint8, status protocol.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == protocol.StatusSuccess {
		delete(c.sensorFail, number)
		return
	}
	c.sensorFail[number] = status
}

func (c *Controller) SetHealth(target protocol.Target, h protocol.Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[target] = h
}

// SetStatus makes every request of cmd return status. StatusSuccess clears it.
func (c *Controller) SetStatus(cmd protocol.CommandCode, status protocol.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == protocol.StatusSuccess {
		delete(c.override, cmd)
		return
	}
	c.override[cmd] = status
}

// SetAuthTypes replaces the advertised authentication type mask.
func (c *Controller) SetAuthTypes(mask byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTypes = mask
}

// SetRejectAuth refuses every activation regardless of credentials.
func (c *Controller) SetRejectAuth(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAuth = reject
}

// SetSilent drops every request without answering.
func (c *Controller) SetSilent(silent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent = silent
}

// SetUnreachable makes in-memory dials fail.
func (c *Controller) SetUnreachable(unreachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreachable = unreachable
}

// SetStale precedes every in-session answer with a copy bearing the previous
// sequence number.
func (c *Controller) SetStale(stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = stale
}

// SetLatency delays every answer.
func (c *Controller) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// SetIdleTimeout is how long the controller keeps an unused session.
func (c *Controller) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeout = d
}

// ExpireSessions forgets every active session.
func (c *Controller) ExpireSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = map[uint32]*session{}
}

// PowerCap is the last accepted power limit in watts.
func (c *Controller) PowerCap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerCap
}

// Sessions is the number of active sessions.
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) getLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// begin and end bracket one request/response on a client connection.
// A begin while another exchange is outstanding counts as interleaved.
func (c *Controller) begin() {
	if !c.busy.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.stats.Interleaved++
		c.mu.Unlock()
	}
}

func (c *Controller) end() {
	c.busy.Store(false)
}

// Handle processes one request datagram and returns the datagrams to send
// back, in order. Undecodable requests are dropped.
func (c *Controller) Handle(raw []byte) [][]byte {
	req, err := protocol.Decode(raw)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Requests++
	if c.silent {
		return nil
	}

	resp, inSession := c.dispatch(req)

	out := make([][]byte, 0, 2)
	if c.stale && inSession {
		old := resp
		old.Sequence--
		if b, err := protocol.Encode(old); err == nil {
			out = append(out, b)
		}
	}
	if b, err := protocol.Encode(resp); err == nil {
		out = append(out, b)
	}

	return out
}

func (c *Controller) dispatch(req protocol.Frame) (protocol.Frame, bool) {
	if status, ok := c.override[req.Command]; ok {
		return protocol.Reply(req, status, nil), false
	}

	switch req.Command {
	case protocol.CmdGetAuthCapabilities:
		return protocol.Reply(req, protocol.StatusSuccess, []byte{protocol.AuthChannelCurrent, c.authTypes}), false
	case protocol.CmdGetSessionChallenge:
		return c.challenge(req), false
	case protocol.CmdActivateSession:
		return c.activate(req), false
	}

	s, ok := c.sessions[req.SessionID]
	if !ok || time.Since(s.lastUsed) >= c.idleTimeout {
		delete(c.sessions, req.SessionID)
		return protocol.Reply(req, protocol.StatusInvalidSession, nil), true
	}
	s.lastUsed = time.Now()

	switch req.Command {
	case protocol.CmdReadSensor:
		return c.readSensor(req), true
	case protocol.CmdGetStatus:
		if len(req.Payload) != 1 {
			return protocol.Reply(req, protocol.StatusInvalidParameter, nil), true
		}
		target := protocol.Target(req.Payload[0])
		return protocol.Reply(req, protocol.StatusSuccess, protocol.EncodeStatusReading(target, c.health[target])), true
	case protocol.CmdSetPowerCap:
		watts, err := protocol.DecodePowerCap(req.Payload)
		if err != nil {
			return protocol.Reply(req, protocol.StatusInvalidParameter, nil), true
		}
		c.powerCap = watts
		return protocol.Reply(req, protocol.StatusSuccess, req.Payload), true
	case protocol.CmdCloseSession:
		delete(c.sessions, req.SessionID)
		c.stats.Closed++
		return protocol.Reply(req, protocol.StatusSuccess, nil), true
	}

	return protocol.Reply(req, protocol.StatusUnsupported, nil), true
}

func (c *Controller) challenge(req protocol.Frame) protocol.Frame {
	username, err := protocol.ChallengeUsername(req.Payload)
	if err != nil || req.Payload[0] != protocol.AuthTypeHMACSHA256 || username != c.username {
		return protocol.Reply(req, protocol.StatusInvalidParameter, nil)
	}

	ch := protocol.Challenge{TemporaryID: c.allocateID()}
	_, _ = rand.Read(ch.Data[:])
	c.pending[ch.TemporaryID] = pending{challenge: ch, username: username}

	return protocol.Reply(req, protocol.StatusSuccess, protocol.EncodeChallenge(ch))
}

func (c *Controller) activate(req protocol.Frame) protocol.Frame {
	p, ok := c.pending[req.SessionID]
	if !ok {
		return protocol.Reply(req, protocol.StatusInvalidSession, nil)
	}
	delete(c.pending, req.SessionID)

	code, err := protocol.ActivationAuthCode(req.Payload)
	want := protocol.AuthCode(c.password, p.username, p.challenge)
	if err != nil || c.rejectAuth || !hmac.Equal(code[:], want[:]) {
		return protocol.Reply(req, protocol.StatusInvalidParameter, nil)
	}

	id := c.allocateID()
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	initial := binary.BigEndian.Uint32(seed[:]) >> 1

	c.sessions[id] = &session{lastUsed: time.Now()}
	c.stats.Handshakes++

	return protocol.Reply(req, protocol.StatusSuccess,
		protocol.EncodeActivation(protocol.Activation{SessionID: id, InitialSequence: initial}))
}

func (c *Controller) readSensor(req protocol.Frame) protocol.Frame {
	if len(req.Payload) != 1 {
		return protocol.Reply(req, protocol.StatusInvalidParameter, nil)
	}
	number := req.Payload[0]
	if status, ok := c.sensorFail[number]; ok {
		return protocol.Reply(req, status, nil)
	}
	s, ok := c.sensors[number]
	if !ok {
		return protocol.Reply(req, protocol.StatusInvalidParameter, nil)
	}

	return protocol.Reply(req, protocol.StatusSuccess, protocol.EncodeSensorReading(number, s.Unit, s.Factors, s.Raw))
}

func (c *Controller) allocateID() uint32 {
	c.nextID++
	return c.nextID
}
