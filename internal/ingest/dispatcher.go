package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/internal/directory"
	"github.com/fleetsense/iot-backend/internal/models"
	"github.com/fleetsense/iot-backend/internal/storage"
)

// DeviceLookup resolves device metadata for inbound messages.
type DeviceLookup interface {
	Lookup(deviceID string) (directory.Meta, bool)
}

// RecordStore appends normalized records to tenant storage.
type RecordStore interface {
	Append(ctx context.Context, tenantKey string, partition constants.DeviceType, record models.TelemetryRecord) error
}

// ReadingUpdater persists the device's cached last reading.
type ReadingUpdater interface {
	Update(ctx context.Context, deviceID string, reading models.LastReading) error
}

// Broadcaster fans a live event out to every client registered for the
// device. Implementations must not block the caller on slow clients.
type Broadcaster interface {
	BroadcastDeviceData(deviceID string, event models.LiveEvent)
}

// Executor runs persistence work off the broker's message-processing path.
type Executor interface {
	Submit(task func())
}

// Dispatcher processes each inbound broker message: parse, resolve, persist,
// update the cached last reading and fan out to live clients. Storage work
// runs on the executor so slow tenants never stall subsequent messages.
type Dispatcher struct {
	directory   DeviceLookup
	store       RecordStore
	readings    ReadingUpdater
	broadcaster Broadcaster
	executor    Executor
	mode        constants.DispatchMode
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewDispatcher wires the ingestion pipeline together. timeout bounds each
// storage write; zero means five seconds.
func NewDispatcher(lookup DeviceLookup, store RecordStore, readings ReadingUpdater,
	broadcaster Broadcaster, executor Executor, mode constants.DispatchMode,
	timeout time.Duration, logger zerolog.Logger) *Dispatcher {

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Dispatcher{
		directory:   lookup,
		store:       store,
		readings:    readings,
		broadcaster: broadcaster,
		executor:    executor,
		mode:        mode,
		timeout:     timeout,
		logger:      logger,
	}
}

// HandleMessage is the broker's message callback. Malformed payloads and
// unknown devices degrade that one message, never the engine.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Dropping malformed payload")
		return
	}

	deviceID, _ := raw["deviceId"].(string)
	if deviceID == "" {
		d.logger.Warn().Str("topic", topic).Msg("Dropping message without deviceId")
		return
	}

	meta, ok := d.directory.Lookup(deviceID)
	if !ok {
		d.logger.Warn().
			Str("device_id", deviceID).
			Str("topic", topic).
			Msg("Dropping message from unknown device")
		return
	}

	record := Normalize(meta, raw, time.Now().UTC())
	event := liveEvent(deviceID, raw, record.Timestamp)

	switch d.mode {
	case constants.DispatchStoreThenBroadcast:
		d.executor.Submit(func() {
			stored := d.persist(meta, record)
			d.updateLastReading(record)
			if stored {
				d.broadcaster.BroadcastDeviceData(deviceID, event)
			}
		})
	default: // broadcast_independent
		d.broadcaster.BroadcastDeviceData(deviceID, event)
		d.executor.Submit(func() {
			d.persist(meta, record)
			d.updateLastReading(record)
		})
	}
}

// persist appends the record to the tenant's partition. Failures are logged
// and the message is lost for durable storage; there is no retry here.
func (d *Dispatcher) persist(meta directory.Meta, record models.TelemetryRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	tenantKey := storage.TenantKey(meta.SiteName)
	if err := d.store.Append(ctx, tenantKey, meta.Type, record); err != nil {
		d.logger.Error().Err(err).
			Str("device_id", meta.DeviceID).
			Str("tenant", tenantKey).
			Msg("Failed to persist telemetry record")
		return false
	}

	d.logger.Debug().
		Str("device_id", meta.DeviceID).
		Str("tenant", tenantKey).
		Float64("value", record.Value).
		Msg("Telemetry record persisted")
	return true
}

// updateLastReading refreshes the cached last reading unconditionally, so the
// dashboard's last-known value is never blocked by historical-store errors.
func (d *Dispatcher) updateLastReading(record models.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	reading := models.LastReading{
		Value:     record.Value,
		Unit:      record.Unit,
		Timestamp: record.Timestamp,
	}
	if err := d.readings.Update(ctx, record.DeviceID, reading); err != nil {
		d.logger.Error().Err(err).
			Str("device_id", record.DeviceID).
			Msg("Failed to update cached last reading")
	}
}

// liveEvent carries the original payload plus the normalized timestamp.
func liveEvent(deviceID string, raw map[string]any, ts time.Time) models.LiveEvent {
	data := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		data[k] = v
	}
	data["timestamp"] = ts.Format(time.RFC3339Nano)

	return models.LiveEvent{DeviceID: deviceID, Data: data}
}
