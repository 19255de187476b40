package subscriptions

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/directory"
)

var (
	// ErrDeviceNotFound is returned when a client registers interest in a
	// device absent from the directory. No broker subscription is attempted.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrClientNotConnected is returned when registering against a client id
	// that never connected or already disconnected.
	ErrClientNotConnected = errors.New("client not connected")
)

// TopicManager is the broker-side half of the subscription lifecycle. The
// registry decides when a topic is needed; the manager makes it so.
type TopicManager interface {
	Subscribe(deviceID string) error
	Unsubscribe(deviceID string) error
}

// DeviceLookup validates device ids against the device directory.
type DeviceLookup interface {
	Lookup(deviceID string) (directory.Meta, bool)
}

// Registry tracks, per connected client, the set of devices it is interested
// in, and reference-counts devices to drive broker subscriptions: a topic is
// subscribed iff its count is positive. Counts are maintained as integers
// updated in O(1) per registration change, never recomputed by scanning
// clients.
type Registry struct {
	topics  TopicManager
	devices DeviceLookup
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]map[string]struct{}
	refs    map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry(topics TopicManager, devices DeviceLookup, logger zerolog.Logger) *Registry {
	return &Registry{
		topics:  topics,
		devices: devices,
		logger:  logger,
		clients: make(map[string]map[string]struct{}),
		refs:    make(map[string]int),
	}
}

// Connect creates an empty subscription set for a newly connected client.
func (r *Registry) Connect(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		r.clients[clientID] = make(map[string]struct{})
	}
}

// Register adds deviceID to the client's interest set. The first interested
// client (count 0 to 1) triggers the broker-side subscribe; a client
// registering twice for the same device changes nothing.
func (r *Registry) Register(clientID, deviceID string) error {
	if _, ok := r.devices.Lookup(deviceID); !ok {
		r.logger.Warn().
			Str("client_id", clientID).
			Str("device_id", deviceID).
			Msg("Rejected subscription for unknown device")
		return ErrDeviceNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotConnected
	}
	if _, already := set[deviceID]; already {
		return nil
	}

	set[deviceID] = struct{}{}
	r.refs[deviceID]++

	if r.refs[deviceID] == 1 {
		if err := r.topics.Subscribe(deviceID); err != nil {
			// Roll back so the count never claims a subscription that
			// does not exist.
			delete(set, deviceID)
			delete(r.refs, deviceID)
			return err
		}
	}

	r.logger.Debug().
		Str("client_id", clientID).
		Str("device_id", deviceID).
		Int("ref_count", r.refs[deviceID]).
		Msg("Client registered for device")
	return nil
}

// Deregister removes deviceID from the client's interest set. The last
// interested client (count to 0) triggers the broker-side unsubscribe.
// Deregistering a device the client never registered is a no-op.
func (r *Registry) Deregister(clientID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotConnected
	}
	if _, registered := set[deviceID]; !registered {
		return nil
	}

	delete(set, deviceID)
	r.releaseLocked(deviceID)

	r.logger.Debug().
		Str("client_id", clientID).
		Str("device_id", deviceID).
		Int("ref_count", r.refs[deviceID]).
		Msg("Client deregistered from device")
	return nil
}

// Disconnect bulk-deregisters every device in the client's set, applying the
// last-consumer-unsubscribe rule per device, then discards the set.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[clientID]
	if !ok {
		return
	}

	for deviceID := range set {
		r.releaseLocked(deviceID)
	}
	delete(r.clients, clientID)

	r.logger.Info().
		Str("client_id", clientID).
		Int("devices", len(set)).
		Msg("Cleaned up subscriptions for disconnected client")
}

// releaseLocked decrements one reference and unsubscribes on the last one.
// Callers hold r.mu, which keeps count transitions atomic with respect to
// concurrent register/deregister/disconnect events.
func (r *Registry) releaseLocked(deviceID string) {
	count := r.refs[deviceID]
	if count <= 1 {
		delete(r.refs, deviceID)
		if err := r.topics.Unsubscribe(deviceID); err != nil {
			// Unsubscribe is idempotent and safe to retry; the count is
			// already zero, so the topic will not leak a resubscribe.
			r.logger.Error().Err(err).
				Str("device_id", deviceID).
				Msg("Failed to unsubscribe topic for released device")
		}
		return
	}
	r.refs[deviceID] = count - 1
}

// ClientCount returns the number of currently connected clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ActiveDeviceCount returns the number of devices with a positive reference
// count.
func (r *Registry) ActiveDeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}
