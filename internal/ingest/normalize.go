package ingest

import (
	"encoding/json"
	"time"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/directory"
	"github.com/fleetsense/iot-backend/internal/models"
)

// Fields promoted to record columns; everything else passes through untouched.
var promotedFields = map[string]struct{}{
	"deviceId":    {},
	"value":       {},
	"consumption": {},
	"production":  {},
	"unit":        {},
	"timestamp":   {},
}

// Normalize turns a raw payload into a telemetry record using the device's
// directory metadata. It is a pure function of its inputs: value extraction,
// unit resolution and timestamp parsing happen here and nowhere else.
func Normalize(meta directory.Meta, raw map[string]any, now time.Time) models.TelemetryRecord {
	record := models.TelemetryRecord{
		DeviceID:   meta.DeviceID,
		DeviceName: meta.DeviceName,
		SiteID:     meta.SiteID,
		SiteName:   meta.SiteName,
		Type:       meta.Type,
		Value:      extractValue(raw),
		Unit:       extractUnit(raw, meta.Type),
		Timestamp:  extractTimestamp(raw, now),
	}

	for key, val := range raw {
		if _, promoted := promotedFields[key]; promoted {
			continue
		}
		if record.Extra == nil {
			record.Extra = make(map[string]any)
		}
		record.Extra[key] = val
	}

	return record
}

// extractValue prefers an explicit value field, falls back to the legacy
// consumption/production fields and finally to 0.
func extractValue(raw map[string]any) float64 {
	if v, ok := numberField(raw, "value"); ok {
		return v
	}
	if v, ok := numberField(raw, "consumption"); ok {
		return v
	}
	if v, ok := numberField(raw, "production"); ok {
		return v
	}
	return 0
}

// extractUnit prefers an explicit unit field, else the type-keyed default.
func extractUnit(raw map[string]any, deviceType constants.DeviceType) string {
	if unit, ok := raw["unit"].(string); ok && unit != "" {
		return unit
	}
	return constants.DefaultUnit(deviceType)
}

// extractTimestamp accepts an RFC3339 string or a numeric epoch (seconds or
// milliseconds); anything absent or unparsable resolves to now.
func extractTimestamp(raw map[string]any, now time.Time) time.Time {
	switch ts := raw["timestamp"].(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed
		}
	case float64:
		return epochToTime(ts)
	case json.Number:
		if v, err := ts.Float64(); err == nil {
			return epochToTime(v)
		}
	}
	return now
}

// epochToTime treats values of at least 1e12 as milliseconds, everything else
// as seconds.
func epochToTime(v float64) time.Time {
	ms := int64(v)
	if v < 1e12 {
		ms = int64(v * 1000)
	}
	return time.UnixMilli(ms).UTC()
}

// numberField fetches a numeric payload field.
func numberField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
