package poller

import (
	"fmt"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/protocol"
)

// Sensors maps the polled channels to controller sensor numbers.
type Sensors struct {
	Power            uint8
	CPUTemperature   uint8
	InletTemperature uint8
	FanSpeed         uint8
	Energy           uint8
}

// DefaultSensors is the reference controller layout.
func DefaultSensors() Sensors {
	return Sensors{
		Power:            protocol.SensorPower,
		CPUTemperature:   protocol.SensorCPUTemperature,
		InletTemperature: protocol.SensorInletTemperature,
		FanSpeed:         protocol.SensorFanSpeed,
		Energy:           protocol.SensorEnergy,
	}
}

// read is one request of a tick and how to turn its answer into a channel value.
type read struct {
	id     channel.ID
	cmd    protocol.Command
	decode func(payload []byte) (any, error)
}

// buildPlan returns the reads of one tick, in wire order.
func buildPlan(s Sensors) []read {
	return []read{
		{channel.PowerConsumption, protocol.ReadSensor(s.Power), sensorInt(s.Power, protocol.UnitWatts)},
		{channel.CPUTemperature, protocol.ReadSensor(s.CPUTemperature), sensorInt(s.CPUTemperature, protocol.UnitCelsius)},
		{channel.InletTemperature, protocol.ReadSensor(s.InletTemperature), sensorInt(s.InletTemperature, protocol.UnitCelsius)},
		{channel.FanSpeed, protocol.ReadSensor(s.FanSpeed), sensorInt(s.FanSpeed, protocol.UnitPercent)},
		{channel.EnergyTotal, protocol.ReadSensor(s.Energy), sensorLong(s.Energy, protocol.UnitWattHours)},
		{channel.SystemStatus, protocol.GetStatus(protocol.TargetSystem), health(protocol.TargetSystem)},
		{channel.PSUStatus, protocol.GetStatus(protocol.TargetPSU), health(protocol.TargetPSU)},
	}
}

func sensorReading(payload []byte, sensor uint8, unit protocol.Unit) (protocol.SensorReading, error) {
	r, err := protocol.DecodeSensorReading(payload)
	if err != nil {
		return r, err
	}
	if r.Sensor != sensor || r.Unit != unit {
		return r, errors.New().WithData(errors.ErrCorruptResponse,
			fmt.Sprintf("sensor=%d unit=%s want sensor=%d unit=%s", r.Sensor, r.Unit, sensor, unit))
	}

	return r, nil
}

func sensorInt(sensor uint8, unit protocol.Unit) func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		r, err := sensorReading(payload, sensor, unit)
		if err != nil {
			return nil, err
		}

		n, err := r.Int32()
		if err != nil {
			return nil, err
		}

		return int(n), nil
	}
}

func sensorLong(sensor uint8, unit protocol.Unit) func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		r, err := sensorReading(payload, sensor, unit)
		if err != nil {
			return nil, err
		}

		return r.Int(), nil
	}
}

func health(target protocol.Target) func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		r, err := protocol.DecodeStatusReading(payload)
		if err != nil {
			return nil, err
		}
		if r.Target != target {
			return nil, errors.New().WithData(errors.ErrCorruptResponse,
				fmt.Sprintf("status target=%s want=%s", r.Target, target))
		}

		return channel.ParseStatus(r.Health.String()), nil
	}
}
