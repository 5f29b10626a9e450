package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
}

type ServerConfig struct {
	Address string
}

type TransportConfig struct {
	// ReadTimeout bounds how long a connection may sit idle between
	// inbound frames before it is dropped.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// RegisterTimeout bounds how long a freshly accepted connection may
	// take to send its register command.
	RegisterTimeout time.Duration `mapstructure:"registerTimeout"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
}
