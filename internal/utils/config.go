package utils

import (
	"time"

	"github.com/fleetsense/iot-backend/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker               string        `yaml:"broker"`                 // MQTT broker address
		ClientID             string        `yaml:"client_id"`              // MQTT client ID
		CACertificate        string        `yaml:"ca_certificate"`         // Path to the CA certificate (optional)
		QOS                  int           `yaml:"qos"`                    // QoS level for telemetry subscriptions
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`        // Timeout for one connection attempt
		KeepAlive            time.Duration `yaml:"keep_alive"`             // MQTT keep-alive interval
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // Consecutive failures before giving up
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`   // Initial backoff between reconnect attempts
		ReconnectMaxBackoff  time.Duration `yaml:"reconnect_max_backoff"`  // Backoff ceiling
	} `yaml:"mqtt"`

	Storage struct {
		PostgresURL    string        `yaml:"postgres_url"`    // Base connection URL; tenant databases reuse it with their own dbname
		MainDatabase   string        `yaml:"main_database"`   // Database holding the devices and sites tables
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Server-selection timeout for tenant connections
	} `yaml:"storage"`

	Cache struct {
		RedisAddr      string        `yaml:"redis_addr"`       // host:port of the redis instance
		RedisPassword  string        `yaml:"redis_password"`   // Optional password
		LastReadingTTL time.Duration `yaml:"last_reading_ttl"` // Expiry for cached last readings
	} `yaml:"cache"`

	Ingest struct {
		Mode    string `yaml:"mode"`    // store_then_broadcast or broadcast_independent
		Workers int    `yaml:"workers"` // Size of the persistence worker pool
	} `yaml:"ingest"`

	Server struct {
		ListenAddress string `yaml:"listen_address"` // Address of the health/websocket HTTP surface
	} `yaml:"server"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
