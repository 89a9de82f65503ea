// Package config loads the broker's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration.
//
// BrokerSpool is the filesystem path backing the durable accept and redeliver
// queues; when empty the broker runs with in-memory queues and spooled
// messages do not survive a restart. The TLS material is required for client
// certificate authentication: the peer certificate common name becomes the
// session identity, and the server certificate common name seeds the broker's
// own URI.
type Config struct {
	BrokerSpool       string `yaml:"broker-spool"`
	AcceptConsumers   int    `yaml:"accept-consumers"`
	DeliveryConsumers int    `yaml:"delivery-consumers"`

	Listen        string `yaml:"listen"`
	WebSocketPath string `yaml:"websocket-path"`

	SSLCert   string `yaml:"ssl-cert"`
	SSLKey    string `yaml:"ssl-key"`
	SSLCACert string `yaml:"ssl-ca-cert"`

	Debug bool `yaml:"debug"`
}

// Load reads and validates a configuration file, applying defaults for
// omitted keys.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.AcceptConsumers == 0 {
		c.AcceptConsumers = 4
	}
	if c.DeliveryConsumers == 0 {
		c.DeliveryConsumers = 16
	}
	if c.Listen == "" {
		c.Listen = ":8142"
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = "/cth"
	}
}

func (c *Config) validate() error {
	if c.AcceptConsumers < 0 {
		return fmt.Errorf("accept-consumers cannot be negative: %d", c.AcceptConsumers)
	}
	if c.DeliveryConsumers < 0 {
		return fmt.Errorf("delivery-consumers cannot be negative: %d", c.DeliveryConsumers)
	}
	return nil
}
