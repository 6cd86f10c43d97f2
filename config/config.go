package config

import (
	"os"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	ServerAddr  = "127.0.0.1:7080" // default message server address
	GatewayAddr = "127.0.0.1:7081" // default drop test gateway address
)

// Config is the layout of config.yaml.
type Config struct {
	LogLevel  string              `yaml:"logLevel"`
	PseudoTcp lib.PseudoTcpConfig `yaml:"pseudoTcp"`
	Message   message.Config      `yaml:"message"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		PseudoTcp: *lib.DefaultPseudoTcpConfig(),
		Message:   *message.DefaultConfig(),
	}
}

// LoadConfig reads the yaml file at path on top of the defaults, applies
// its log level globally and returns the engine and message settings.
func LoadConfig(path string) (*lib.PseudoTcpConfig, *message.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read config")
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "config %s", path)
	}

	level, _ := zerolog.ParseLevel(config.LogLevel)
	zerolog.SetGlobalLevel(level)

	return &config.PseudoTcp, &config.Message, nil
}

// ParseConfig decodes and validates a yaml document.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if _, err := zerolog.ParseLevel(config.LogLevel); err != nil {
		return nil, errors.Wrapf(err, "logLevel %q", config.LogLevel)
	}

	tcp := &config.PseudoTcp
	if tcp.ReceiveBufferSize+lib.MinPacket >= tcp.SendBufferSize {
		return nil, errors.Errorf("sendBufferSize (%d) must exceed receiveBufferSize (%d) by more than %d bytes",
			tcp.SendBufferSize, tcp.ReceiveBufferSize, lib.MinPacket)
	}
	if tcp.MTU != 0 && tcp.MTU < lib.MinPacket {
		return nil, errors.Errorf("mtu %d is below the minimum of %d", tcp.MTU, lib.MinPacket)
	}
	if config.Message.MTU != 0 && config.Message.MTU < lib.MinPacket {
		return nil, errors.Errorf("message mtu %d is below the minimum of %d", config.Message.MTU, lib.MinPacket)
	}
	if config.Message.MaxMessageSize > message.MaxMessageSize {
		return nil, errors.Errorf("maxMessageSize %d exceeds %d", config.Message.MaxMessageSize, message.MaxMessageSize)
	}
	return config, nil
}
