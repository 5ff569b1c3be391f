package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"codeberg.org/mutker/ipmimon/internal/errors"
)

// CommandCode identifies a request type. Values follow the IPMI command
// numbers they are modeled on.
type CommandCode uint8

const (
	CmdGetStatus           CommandCode = 0x01
	CmdSetPowerCap         CommandCode = 0x04
	CmdReadSensor          CommandCode = 0x2D
	CmdGetAuthCapabilities CommandCode = 0x38
	CmdGetSessionChallenge CommandCode = 0x39
	CmdActivateSession     CommandCode = 0x3A
	CmdCloseSession        CommandCode = 0x3C
)

func (c CommandCode) String() string {
	switch c {
	case CmdGetStatus:
		return "get_status"
	case CmdSetPowerCap:
		return "set_power_cap"
	case CmdReadSensor:
		return "read_sensor"
	case CmdGetAuthCapabilities:
		return "get_auth_capabilities"
	case CmdGetSessionChallenge:
		return "get_session_challenge"
	case CmdActivateSession:
		return "activate_session"
	case CmdCloseSession:
		return "close_session"
	}

	return fmt.Sprintf("cmd(0x%02x)", uint8(c))
}

// Command is an encoded request body, ready to be framed by a session.
type Command struct {
	Code    CommandCode
	Payload []byte
}

// Target selects the subsystem whose health GetStatus reports.
type Target uint8

const (
	TargetSystem Target = 0x00
	TargetPSU    Target = 0x01
)

func (t Target) String() string {
	switch t {
	case TargetSystem:
		return "system"
	case TargetPSU:
		return "psu"
	}

	return fmt.Sprintf("target(%d)", uint8(t))
}

const (
	// AuthChannelCurrent asks about the channel the request arrived on.
	AuthChannelCurrent byte = 0x0E
	// PrivilegeOperator is the privilege level needed for power capping.
	PrivilegeOperator byte = 0x03
	// AuthTypeHMACSHA256 is the only authentication type this client speaks.
	AuthTypeHMACSHA256 byte = 0x04
	// AuthTypeMaskHMACSHA256 is its bit in the capabilities mask.
	AuthTypeMaskHMACSHA256 byte = 1 << AuthTypeHMACSHA256

	// UsernameSize is the fixed, zero-padded width of a username on the wire.
	UsernameSize = 16
	// ChallengeSize is the length of the session challenge.
	ChallengeSize = 16
	// AuthCodeSize is the length of the activation auth code.
	AuthCodeSize = 16
)

// ReadSensor requests the current reading of one sensor.
func ReadSensor(sensor uint8) Command {
	return Command{Code: CmdReadSensor, Payload: []byte{sensor}}
}

// GetStatus requests the health of a subsystem.
func GetStatus(target Target) Command {
	return Command{Code: CmdGetStatus, Payload: []byte{byte(target)}}
}

// SetPowerCap requests a power limit in watts.
func SetPowerCap(watts int) (Command, error) {
	if watts < 0 || watts > math.MaxUint16 {
		return Command{}, errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("watts=%d out of range [0, %d]", watts, math.MaxUint16))
	}

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(watts))

	return Command{Code: CmdSetPowerCap, Payload: payload}, nil
}

// GetAuthCapabilities starts the handshake.
func GetAuthCapabilities() Command {
	return Command{Code: CmdGetAuthCapabilities, Payload: []byte{AuthChannelCurrent, PrivilegeOperator}}
}

// GetSessionChallenge asks for a temporary session and challenge for username.
func GetSessionChallenge(username string) Command {
	payload := make([]byte, 1+UsernameSize)
	payload[0] = AuthTypeHMACSHA256
	copy(payload[1:], PadUsername(username))

	return Command{Code: CmdGetSessionChallenge, Payload: payload}
}

// ActivateSession proves knowledge of the password for the challenge.
func ActivateSession(authCode [AuthCodeSize]byte) Command {
	payload := make([]byte, 2+AuthCodeSize)
	payload[0] = AuthTypeHMACSHA256
	payload[1] = PrivilegeOperator
	copy(payload[2:], authCode[:])

	return Command{Code: CmdActivateSession, Payload: payload}
}

// CloseSession ends the given session.
func CloseSession(sessionID uint32) Command {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, sessionID)

	return Command{Code: CmdCloseSession, Payload: payload}
}

// PadUsername returns the fixed-width wire form of username.
func PadUsername(username string) []byte {
	b := make([]byte, UsernameSize)
	copy(b, username)

	return b
}
