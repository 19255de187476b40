package models

import (
	"time"

	"github.com/fleetsense/iot-backend/internal/constants"
)

// LastReading is the cached most-recent measurement of a device, displayed on
// the dashboard without touching historical storage.
type LastReading struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is a registered fleet device as persisted by the management API.
type Device struct {
	DeviceID string               `json:"device_id"`
	Name     string               `json:"name"`
	Type     constants.DeviceType `json:"type"`
	SiteID   string               `json:"site_id"`
	Status   string               `json:"status"`
}

// Site groups devices under one tenant. The tenant storage key is derived
// from the site name.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
