package models

import (
	"time"

	"github.com/fleetsense/iot-backend/internal/constants"
)

// TelemetryRecord is one normalized telemetry message, ready to append to a
// tenant's type-keyed partition. Records are append-only and never updated.
type TelemetryRecord struct {
	DeviceID   string               `json:"device_id"`
	DeviceName string               `json:"device_name"`
	SiteID     string               `json:"site_id"`
	SiteName   string               `json:"site_name"`
	Type       constants.DeviceType `json:"type"`
	Value      float64              `json:"value"`
	Unit       string               `json:"unit"`
	Timestamp  time.Time            `json:"timestamp"`

	// Extra holds pass-through fields from the original payload that were not
	// promoted to a column.
	Extra map[string]any `json:"extra,omitempty"`
}

// LiveEvent is the payload fanned out to dashboard clients subscribed to a
// device: the original message plus a normalized timestamp.
type LiveEvent struct {
	DeviceID string         `json:"device_id"`
	Data     map[string]any `json:"data"`
}
