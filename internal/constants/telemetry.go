package constants

// DeviceType identifies the kind of measurement a device reports.
// It also names the storage partition its telemetry is written to.
type DeviceType string

const (
	DeviceTypeEnergy      DeviceType = "energy"
	DeviceTypeSolar       DeviceType = "solar"
	DeviceTypeWater       DeviceType = "water"
	DeviceTypeGas         DeviceType = "gas"
	DeviceTypeTemperature DeviceType = "temperature"
	DeviceTypeHumidity    DeviceType = "humidity"
	DeviceTypePressure    DeviceType = "pressure"
)

// Device statuses
const (
	DeviceStatusActive      = "active"
	DeviceStatusInactive    = "inactive"
	DeviceStatusMaintenance = "maintenance"
)

// defaultUnits maps a device type to the unit used when a message carries none.
var defaultUnits = map[DeviceType]string{
	DeviceTypeEnergy:      "kWh",
	DeviceTypeSolar:       "kWh",
	DeviceTypeWater:       "m³",
	DeviceTypeGas:         "m³",
	DeviceTypeTemperature: "°C",
	DeviceTypeHumidity:    "%",
	DeviceTypePressure:    "Pa",
}

// DefaultUnit returns the fallback unit for a device type, or "unit" for
// unrecognized types.
func DefaultUnit(t DeviceType) string {
	if unit, ok := defaultUnits[t]; ok {
		return unit
	}
	return "unit"
}

// IsKnownDeviceType reports whether t is one of the fixed device types.
// Storage partitions are named after device types, so anything outside this
// set must never reach a table name.
func IsKnownDeviceType(t DeviceType) bool {
	_, ok := defaultUnits[t]
	return ok
}
