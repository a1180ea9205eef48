// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mendpoint

import (
	"fmt"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	"github.com/absmach/mendpoint/pkg/coap"
	"github.com/absmach/mendpoint/pkg/lwm2m"
	"github.com/absmach/mendpoint/pkg/nsdl"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds the endpoint daemon configuration.
type Config struct {
	// Endpoint identity
	Name          string `env:"NAME"`
	Type          string `env:"TYPE"`
	Domain        string `env:"DOMAIN"`
	Lifetime      uint32 `env:"LIFETIME"            envDefault:"3600"`
	Binding       string `env:"BINDING"             envDefault:"U"`
	WithResources bool   `env:"REGISTER_RESOURCES"  envDefault:"true"`

	// Servers
	ServerURI    string `env:"SERVER_URI"`
	BootstrapURI string `env:"BOOTSTRAP_URI"`

	// Transport
	Address      string        `env:"ADDRESS"        envDefault:":5683"`
	QueueSize    int           `env:"QUEUE_SIZE"     envDefault:"64"`
	ExecInterval time.Duration `env:"EXEC_INTERVAL"  envDefault:"1s"`

	// CoAP engine
	BlockSize             uint16        `env:"BLOCK_SIZE"              envDefault:"0"`
	DuplicateBufferSize   int           `env:"DUPLICATE_BUFFER_SIZE"   envDefault:"16"`
	RetransmissionCount   int           `env:"RETRANSMISSION_COUNT"    envDefault:"4"`
	RetransmissionTimeout time.Duration `env:"RETRANSMISSION_TIMEOUT"  envDefault:"2s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT"  envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"   envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"    envDefault:"json"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"   envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"  envDefault:"30s"`

	// Rate limiting
	RateLimitCapacity   float64 `env:"RATE_LIMIT_CAPACITY"    envDefault:"20"`
	RateLimitRefill     float64 `env:"RATE_LIMIT_REFILL"      envDefault:"5"`
	RateLimitMaxSources int     `env:"RATE_LIMIT_MAX_SOURCES" envDefault:"1024"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	binding   nsdl.Binding
	server    addr.Address
	bootstrap addr.Address
}

// NewConfig parses the environment with the given options. An empty endpoint
// name is replaced by a random UUID.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.Name == "" {
		c.Name = uuid.NewString()
	}

	binding, err := nsdl.ParseBinding(c.Binding)
	if err != nil {
		return Config{}, err
	}
	c.binding = binding

	if c.ServerURI != "" {
		if c.server, err = lwm2m.ParseServerURI(c.ServerURI); err != nil {
			return Config{}, fmt.Errorf("invalid server URI: %w", err)
		}
	}
	if c.BootstrapURI != "" {
		if c.bootstrap, err = lwm2m.ParseServerURI(c.BootstrapURI); err != nil {
			return Config{}, fmt.Errorf("invalid bootstrap URI: %w", err)
		}
	}
	if c.server.IsZero() && c.bootstrap.IsZero() {
		return Config{}, fmt.Errorf("either server or bootstrap URI is required")
	}

	return c, nil
}

// ServerAddress returns the parsed registration server address.
func (c Config) ServerAddress() addr.Address {
	return c.server
}

// BootstrapAddress returns the parsed bootstrap server address.
func (c Config) BootstrapAddress() addr.Address {
	return c.bootstrap
}

// EndpointInfo returns the registration parameters.
func (c Config) EndpointInfo() nsdl.EndpointInfo {
	mode := nsdl.RegisterWithoutResources
	if c.WithResources {
		mode = nsdl.RegisterWithResources
	}
	return nsdl.EndpointInfo{
		Name:     c.Name,
		Domain:   c.Domain,
		Type:     c.Type,
		Lifetime: c.Lifetime,
		Binding:  c.binding,
		Mode:     mode,
	}
}

// Engine returns the CoAP engine settings.
func (c Config) Engine() coap.Config {
	return coap.Config{
		BlockSize:             c.BlockSize,
		DuplicateBufferSize:   c.DuplicateBufferSize,
		RetransmissionCount:   c.RetransmissionCount,
		RetransmissionTimeout: c.RetransmissionTimeout,
	}
}
