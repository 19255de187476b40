package broker

import (
	"errors"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/constants"
	"github.com/fleetsense/iot-backend/pkg/mqtt"
)

// MessageHandler receives every inbound broker message.
type MessageHandler func(topic string, payload []byte)

// Options configure the manager's connection and reconnect policy.
type Options struct {
	BrokerURL     string
	ClientID      string
	CACertificate string
	QOS           int

	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxBackoff  time.Duration
}

// Status is the manager's health snapshot for the external health surface.
type Status struct {
	Connected    bool `json:"connected"`
	Degraded     bool `json:"degraded"`
	ActiveTopics int  `json:"active_topics"`
}

// Manager owns the single broker connection and the set of currently
// subscribed topics. Subscribe and Unsubscribe are idempotent; deciding
// whether a topic is still needed belongs to the live-client registry.
type Manager struct {
	client  mqtt.MQTTClient
	opts    Options
	handler MessageHandler
	logger  zerolog.Logger

	topics cmap.ConcurrentMap[string, struct{}]

	lost     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
	degraded bool
	degMu    sync.RWMutex
}

// NewManager creates a Manager around the shared MQTT client.
func NewManager(client mqtt.MQTTClient, opts Options, logger zerolog.Logger) *Manager {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxBackoff <= 0 {
		opts.ReconnectMaxBackoff = 30 * time.Second
	}

	return &Manager{
		client: client,
		opts:   opts,
		logger: logger,
		topics: cmap.New[struct{}](),
		lost:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler wires the ingestion dispatcher in. Must be called before
// Start.
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.handler = handler
}

// Start initializes the client, connects and launches the reconnect loop.
func (m *Manager) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("broker manager is already running")
	}

	err := m.client.Initialize(mqtt.Config{
		BrokerURL:      m.opts.BrokerURL,
		ClientID:       m.opts.ClientID,
		CACertificate:  m.opts.CACertificate,
		CleanSession:   true,
		ConnectTimeout: m.opts.ConnectTimeout,
		KeepAlive:      m.opts.KeepAlive,
		OnConnect:      m.onConnect,
		OnConnectionLost: func(err error) {
			m.logger.Warn().Err(err).Msg("Broker connection lost")
			select {
			case m.lost <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	m.running = true
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop shuts the reconnect loop down and disconnects from the broker.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return errors.New("broker manager is not running")
	}

	close(m.done)
	m.wg.Wait()
	m.client.Disconnect(250)
	m.running = false

	m.logger.Info().Msg("Broker manager stopped")
	return nil
}

// run owns the connection: it performs the initial connect and every
// reconnect with exponential backoff. Exceeding the retry ceiling marks the
// manager degraded and ends the loop; the health surface reports it, nothing
// crashes.
func (m *Manager) run() {
	defer m.wg.Done()

	if !m.connectWithBackoff() {
		return
	}

	for {
		select {
		case <-m.done:
			return
		case <-m.lost:
			if !m.connectWithBackoff() {
				return
			}
		}
	}
}

func (m *Manager) connectWithBackoff() bool {
	delay := m.opts.ReconnectBaseDelay

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-m.done:
			return false
		default:
		}

		err := m.client.Connect()
		if err == nil {
			return true
		}

		m.logger.Error().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.opts.MaxReconnectAttempts).
			Dur("next_delay", delay).
			Msg("Broker connection attempt failed")

		select {
		case <-m.done:
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.opts.ReconnectMaxBackoff {
			delay = m.opts.ReconnectMaxBackoff
		}
	}

	m.setDegraded(true)
	m.logger.Error().
		Int("max_attempts", m.opts.MaxReconnectAttempts).
		Msg("Max broker reconnection attempts reached, giving up")
	return false
}

// onConnect re-issues a subscribe for every topic still referenced by at
// least one consumer.
func (m *Manager) onConnect() {
	m.setDegraded(false)

	count := m.topics.Count()
	if count == 0 {
		m.logger.Info().Msg("Connected to broker, ready for dynamic subscriptions")
		return
	}

	m.logger.Info().Int("topics", count).Msg("Connected to broker, resubscribing tracked topics")
	for topic := range m.topics.IterBuffered() {
		if err := m.client.Subscribe(topic.Key, byte(m.opts.QOS), m.onMessage); err != nil {
			m.logger.Error().Err(err).Str("topic", topic.Key).Msg("Failed to resubscribe topic")
		}
	}
}

// onMessage hands the raw payload to the dispatcher. Payload validation and
// drop policy live there.
func (m *Manager) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if m.handler != nil {
		m.handler(msg.Topic(), msg.Payload())
	}
}

// Subscribe adds the device's telemetry topic to the tracked set and issues
// the broker-side subscribe. Subscribing an already-subscribed device is a
// no-op success.
func (m *Manager) Subscribe(deviceID string) error {
	topic := constants.TopicForDevice(deviceID)

	if !m.topics.SetIfAbsent(topic, struct{}{}) {
		m.logger.Debug().Str("topic", topic).Msg("Already subscribed to topic")
		return nil
	}

	if !m.client.IsConnected() {
		// The topic stays tracked; onConnect picks it up once the
		// connection is back.
		m.logger.Warn().Str("topic", topic).Msg("Broker not connected, subscription deferred to reconnect")
		return nil
	}

	if err := m.client.Subscribe(topic, byte(m.opts.QOS), m.onMessage); err != nil {
		m.topics.Remove(topic)
		return err
	}

	m.logger.Info().Str("topic", topic).Msg("Subscribed to topic")
	return nil
}

// Unsubscribe removes the device's topic from the tracked set and drops the
// broker-side subscription. Unsubscribing an untracked device is a no-op
// success.
func (m *Manager) Unsubscribe(deviceID string) error {
	topic := constants.TopicForDevice(deviceID)

	if _, present := m.topics.Pop(topic); !present {
		m.logger.Debug().Str("topic", topic).Msg("Not subscribed to topic")
		return nil
	}

	if !m.client.IsConnected() {
		// Untracked already, so a reconnect will not resubscribe it.
		m.logger.Warn().Str("topic", topic).Msg("Broker not connected, dropped topic from tracked set only")
		return nil
	}

	if err := m.client.Unsubscribe(topic); err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("Failed to unsubscribe topic")
		return err
	}

	m.logger.Info().Str("topic", topic).Msg("Unsubscribed from topic")
	return nil
}

// ActiveTopics returns the number of currently tracked topics.
func (m *Manager) ActiveTopics() int {
	return m.topics.Count()
}

// Status reports connection health for the external health endpoint.
func (m *Manager) Status() Status {
	m.degMu.RLock()
	degraded := m.degraded
	m.degMu.RUnlock()

	return Status{
		Connected:    m.client.IsConnected(),
		Degraded:     degraded,
		ActiveTopics: m.topics.Count(),
	}
}

func (m *Manager) setDegraded(v bool) {
	m.degMu.Lock()
	m.degraded = v
	m.degMu.Unlock()
}
