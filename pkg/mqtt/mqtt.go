package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetsense/iot-backend/pkg/file"
)

// Config carries everything needed to build the broker connection. Automatic
// reconnection is disabled here on purpose: the subscription manager owns the
// reconnect policy and its retry ceiling.
type Config struct {
	BrokerURL      string
	ClientID       string
	CACertificate  string // optional; plain TCP when empty
	CleanSession   bool
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// OnConnect fires on every successful (re)connection.
	OnConnect func()
	// OnConnectionLost fires when an established connection drops.
	OnConnectionLost func(err error)
}

// MQTTClient defines the interface for the shared broker connection.
type MQTTClient interface {
	Initialize(cfg Config) error
	Connect() error
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     mqtt.Client
	fileClient file.FileOperations
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations) *MqttService {
	return &MqttService{
		fileClient: fileClient,
	}
}

// Initialize builds the MQTT client from cfg without connecting.
func (s *MqttService) Initialize(cfg Config) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)

	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	if cfg.CACertificate != "" {
		caCert, err := s.fileClient.ReadFileRaw(cfg.CACertificate)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool})
	}

	if cfg.OnConnect != nil {
		onConnect := cfg.OnConnect
		opts.SetOnConnectHandler(func(mqtt.Client) { onConnect() })
	}
	if cfg.OnConnectionLost != nil {
		onLost := cfg.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}

	s.client = mqtt.NewClient(opts)
	return nil
}

// Connect connects to the MQTT broker and waits for the handshake to finish.
func (s *MqttService) Connect() error {
	token := s.client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, qos, callback)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) error {
	token := s.client.Unsubscribe(topics...)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// IsConnected reports whether the client currently holds a broker connection.
func (s *MqttService) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client != nil {
		s.client.Disconnect(quiesce)
	}
}
