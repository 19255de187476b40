package ingest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/directory"
	"github.com/fleetsense/iot-backend/internal/ingest"
)

func waterMeta() directory.Meta {
	return directory.Meta{
		DeviceID:   "W1",
		DeviceName: "Main Meter",
		Type:       constants.DeviceTypeWater,
		SiteID:     "site-1",
		SiteName:   "North Plant",
	}
}

// TestNormalize_ValueFallbacks checks the value → consumption → production →
// 0 extraction chain.
func TestNormalize_ValueFallbacks(t *testing.T) {
	now := time.Now().UTC()

	record := ingest.Normalize(waterMeta(), map[string]any{"value": 12.5}, now)
	assert.Equal(t, 12.5, record.Value)

	record = ingest.Normalize(waterMeta(), map[string]any{"consumption": 3.2}, now)
	assert.Equal(t, 3.2, record.Value)

	record = ingest.Normalize(waterMeta(), map[string]any{"production": 7.0, "consumption": 3.2}, now)
	assert.Equal(t, 3.2, record.Value, "consumption wins over production")

	record = ingest.Normalize(waterMeta(), map[string]any{}, now)
	assert.Equal(t, 0.0, record.Value)
}

// TestNormalize_UnitDefaults checks explicit unit, the type-keyed fallback
// table and the "unit" catch-all.
func TestNormalize_UnitDefaults(t *testing.T) {
	now := time.Now().UTC()

	record := ingest.Normalize(waterMeta(), map[string]any{"unit": "L"}, now)
	assert.Equal(t, "L", record.Unit)

	record = ingest.Normalize(waterMeta(), map[string]any{}, now)
	assert.Equal(t, "m³", record.Unit)

	meta := waterMeta()
	meta.Type = constants.DeviceTypeTemperature
	record = ingest.Normalize(meta, map[string]any{}, now)
	assert.Equal(t, "°C", record.Unit)

	meta.Type = constants.DeviceType("mystery")
	record = ingest.Normalize(meta, map[string]any{}, now)
	assert.Equal(t, "unit", record.Unit)
}

// TestNormalize_Timestamps checks RFC3339 strings, epoch seconds, epoch
// milliseconds and the now() fallback.
func TestNormalize_Timestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := ingest.Normalize(waterMeta(), map[string]any{"timestamp": "2026-02-28T10:30:00Z"}, now)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 30, 0, 0, time.UTC), record.Timestamp.UTC())

	record = ingest.Normalize(waterMeta(), map[string]any{"timestamp": float64(1767225600)}, now)
	assert.Equal(t, int64(1767225600), record.Timestamp.Unix())

	record = ingest.Normalize(waterMeta(), map[string]any{"timestamp": float64(1767225600000)}, now)
	assert.Equal(t, int64(1767225600), record.Timestamp.Unix())

	record = ingest.Normalize(waterMeta(), map[string]any{"timestamp": "yesterday-ish"}, now)
	assert.Equal(t, now, record.Timestamp)

	record = ingest.Normalize(waterMeta(), map[string]any{}, now)
	assert.Equal(t, now, record.Timestamp)
}

// TestNormalize_PassThroughFields checks that unpromoted payload fields land
// in Extra while promoted ones do not.
func TestNormalize_PassThroughFields(t *testing.T) {
	now := time.Now().UTC()

	record := ingest.Normalize(waterMeta(), map[string]any{
		"deviceId": "W1",
		"value":    1.0,
		"flowRate": 4.2,
		"quality":  7.1,
	}, now)

	assert.Equal(t, map[string]any{"flowRate": 4.2, "quality": 7.1}, record.Extra)
}

// TestNormalize_Metadata checks the directory metadata is carried through.
func TestNormalize_Metadata(t *testing.T) {
	record := ingest.Normalize(waterMeta(), map[string]any{"value": 2.0}, time.Now().UTC())

	assert.Equal(t, "W1", record.DeviceID)
	assert.Equal(t, "Main Meter", record.DeviceName)
	assert.Equal(t, "site-1", record.SiteID)
	assert.Equal(t, "North Plant", record.SiteName)
	assert.Equal(t, constants.DeviceTypeWater, record.Type)
}
