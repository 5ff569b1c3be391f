package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"codeberg.org/mutker/ipmimon/internal/errors"
	jujuerrors "github.com/juju/errors"
)

// Unit is the unit tag carried by a sensor reading.
type Unit uint8

const (
	UnitUnspecified Unit = 0x00
	UnitCelsius     Unit = 0x01
	UnitWatts       Unit = 0x06
	UnitWattHours   Unit = 0x0A
	UnitPercent     Unit = 0x28
)

func (u Unit) String() string {
	switch u {
	case UnitUnspecified:
		return "unspecified"
	case UnitCelsius:
		return "celsius"
	case UnitWatts:
		return "watts"
	case UnitWattHours:
		return "watt_hours"
	case UnitPercent:
		return "percent"
	}

	return fmt.Sprintf("unit(0x%02x)", uint8(u))
}

// Factors are the IPMI linearization parameters of a sensor:
// value = (M*raw + B*10^BExp) * 10^RExp.
type Factors struct {
	M    int16
	B    int16
	BExp int8
	RExp int8
}

// Identity leaves raw readings unchanged.
var Identity = Factors{M: 1}

// Apply converts a raw reading to engineering units.
func (f Factors) Apply(raw uint32) float64 {
	v := float64(f.M)*float64(raw) + float64(f.B)*math.Pow10(int(f.BExp))

	return v * math.Pow10(int(f.RExp))
}

// Sensor numbers of the reference controller layout. Real controllers
// number their sensors differently; the daemon takes them from config.
const (
	SensorPower            uint8 = 0x01
	SensorCPUTemperature   uint8 = 0x02
	SensorInletTemperature uint8 = 0x03
	SensorFanSpeed         uint8 = 0x04
	SensorEnergy           uint8 = 0x05
)

// SensorReading is a decoded ReadSensor response.
type SensorReading struct {
	Sensor  uint8
	Unit    Unit
	Factors Factors
	Raw     uint32
	Value   float64
}

// Int returns the reading rounded to the nearest integer. DecodeSensorReading
// guarantees it fits.
func (r SensorReading) Int() int64 {
	return int64(math.Round(r.Value))
}

// Int32 returns the rounded reading, failing with ErrCorruptResponse when it
// does not fit in 32 bits.
func (r SensorReading) Int32() (int32, error) {
	n := r.Int()
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("sensor=%d value=%d outside 32-bit range", r.Sensor, n))
	}

	return int32(n), nil
}

// sensorPayloadSize: sensor u8 | unit u8 | M i16 | B i16 | BExp i8 | RExp i8 | raw u32
const sensorPayloadSize = 1 + 1 + 2 + 2 + 1 + 1 + 4

// EncodeSensorReading builds a ReadSensor response payload.
func EncodeSensorReading(sensor uint8, unit Unit, f Factors, raw uint32) []byte {
	b := make([]byte, sensorPayloadSize)
	b[0] = sensor
	b[1] = byte(unit)
	binary.BigEndian.PutUint16(b[2:], uint16(f.M))
	binary.BigEndian.PutUint16(b[4:], uint16(f.B))
	b[6] = byte(f.BExp)
	b[7] = byte(f.RExp)
	binary.BigEndian.PutUint32(b[8:], raw)

	return b
}

// DecodeSensorReading parses a ReadSensor response payload and applies
// its scale factors.
func DecodeSensorReading(payload []byte) (SensorReading, error) {
	if len(payload) != sensorPayloadSize {
		return SensorReading{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("sensor payload=%x length=%d want=%d", payload, len(payload), sensorPayloadSize))
	}

	r := SensorReading{
		Sensor: payload[0],
		Unit:   Unit(payload[1]),
		Factors: Factors{
			M:    int16(binary.BigEndian.Uint16(payload[2:])),
			B:    int16(binary.BigEndian.Uint16(payload[4:])),
			BExp: int8(payload[6]),
			RExp: int8(payload[7]),
		},
		Raw: binary.BigEndian.Uint32(payload[8:]),
	}
	r.Value = r.Factors.Apply(r.Raw)

	// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive
	if v := math.Round(r.Value); math.IsNaN(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return SensorReading{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("sensor=%d raw=%d factors=%+v value=%g", r.Sensor, r.Raw, r.Factors, r.Value))
	}

	return r, nil
}

// Health is the subsystem state reported by GetStatus.
type Health uint8

const (
	HealthOK       Health = 0x00
	HealthWarning  Health = 0x01
	HealthCritical Health = 0x02
)

// String maps a health byte to OK, WARNING, CRITICAL or UNKNOWN.
func (h Health) String() string {
	switch h {
	case HealthOK:
		return "OK"
	case HealthWarning:
		return "WARNING"
	case HealthCritical:
		return "CRITICAL"
	}

	return "UNKNOWN"
}

// StatusReading is a decoded GetStatus response.
type StatusReading struct {
	Target Target
	Health Health
}

// EncodeStatusReading builds a GetStatus response payload.
func EncodeStatusReading(target Target, health Health) []byte {
	return []byte{byte(target), byte(health)}
}

// DecodeStatusReading parses a GetStatus response payload.
func DecodeStatusReading(payload []byte) (StatusReading, error) {
	if len(payload) != 2 {
		return StatusReading{}, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("status payload=%x length=%d want=2", payload, len(payload)))
	}

	return StatusReading{Target: Target(payload[0]), Health: Health(payload[1])}, nil
}

// DecodePowerCap parses the watts of a SetPowerCap request or response payload.
func DecodePowerCap(payload []byte) (int, error) {
	if len(payload) != 2 {
		return 0, errors.New().Wrap(errors.ErrCorruptResponse,
			jujuerrors.NotValidf("power cap payload=%x length=%d want=2", payload, len(payload)))
	}

	return int(binary.BigEndian.Uint16(payload)), nil
}
