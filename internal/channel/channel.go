package channel

import (
	"fmt"
	"strings"
)

// ID names one of the fixed telemetry channels.
type ID int

const (
	PowerConsumption ID = iota
	PowerLimit
	CPUTemperature
	InletTemperature
	FanSpeed
	SystemStatus
	PSUStatus
	EnergyTotal
	ConnectionStatus

	count
)

// Kind is the value type a channel holds.
type Kind int

const (
	KindInt    Kind = iota // int
	KindLong               // int64
	KindStatus             // Status
	KindBool               // bool
)

// Unit is the engineering unit of a channel value.
type Unit string

const (
	UnitNone      Unit = ""
	UnitWatt      Unit = "W"
	UnitCelsius   Unit = "°C"
	UnitPercent   Unit = "%"
	UnitWattHours Unit = "Wh"
)

// Status is the health domain shared by SystemStatus and PSUStatus.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
	StatusUnknown  Status = "UNKNOWN"
)

// ParseStatus maps a health name onto the Status domain; unrecognized names are UNKNOWN.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusOK, StatusWarning, StatusCritical:
		return Status(s)
	}

	return StatusUnknown
}

// Doc describes a channel.
type Doc struct {
	Name     string
	Kind     Kind
	Unit     Unit
	Writable bool
	Text     string
}

var docs = [count]Doc{
	PowerConsumption: {Name: "POWER_CONSUMPTION", Kind: KindInt, Unit: UnitWatt, Text: "Current power consumption"},
	PowerLimit:       {Name: "POWER_LIMIT", Kind: KindInt, Unit: UnitWatt, Writable: true, Text: "Power cap limit"},
	CPUTemperature:   {Name: "CPU_TEMPERATURE", Kind: KindInt, Unit: UnitCelsius, Text: "CPU temperature"},
	InletTemperature: {Name: "INLET_TEMPERATURE", Kind: KindInt, Unit: UnitCelsius, Text: "Inlet air temperature"},
	FanSpeed:         {Name: "FAN_SPEED", Kind: KindInt, Unit: UnitPercent, Text: "Fan speed percentage"},
	SystemStatus:     {Name: "SYSTEM_STATUS", Kind: KindStatus, Text: "Overall system health status"},
	PSUStatus:        {Name: "PSU_STATUS", Kind: KindStatus, Text: "Power supply unit status"},
	EnergyTotal:      {Name: "ENERGY_TOTAL", Kind: KindLong, Unit: UnitWattHours, Text: "Total energy consumed"},
	ConnectionStatus: {Name: "CONNECTION_STATUS", Kind: KindBool, Text: "Management controller connection status"},
}

// All returns every channel ID in declaration order.
func All() []ID {
	ids := make([]ID, 0, count)
	for id := ID(0); id < count; id++ {
		ids = append(ids, id)
	}

	return ids
}

// Valid reports whether id is one of the fixed channels.
func (id ID) Valid() bool {
	return id >= 0 && id < count
}

// Doc returns the channel description.
func (id ID) Doc() Doc {
	if !id.Valid() {
		return Doc{Name: fmt.Sprintf("CHANNEL(%d)", int(id))}
	}

	return docs[id]
}

func (id ID) String() string {
	return id.Doc().Name
}

// ParseID resolves a channel name such as "POWER_CONSUMPTION" or "power_consumption".
func ParseID(name string) (ID, bool) {
	upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	for id := ID(0); id < count; id++ {
		if docs[id].Name == upper {
			return id, true
		}
	}

	return 0, false
}
