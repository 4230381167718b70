// Package config reads the runtime configuration from the environment and
// opens the storage stack and event bus it selects.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StoragePostgres  = "postgres"
	StorageBolt      = "bolt"
	StorageKurrentDB = "kurrentdb"
)

// Bus backends.
const (
	BusMemory    = "memory"
	BusFile      = "file"
	BusAMQP      = "amqp"
	BusKafka     = "kafka"
	BusKurrentDB = "kurrentdb"
)

var (
	storageBackends = []string{StorageMemory, StorageSQLite, StoragePostgres, StorageBolt, StorageKurrentDB}
	busBackends     = []string{BusMemory, BusFile, BusAMQP, BusKafka, BusKurrentDB}
)

// Config is the environment configuration of a coordinator process.
type Config struct {
	Storage          string `env:"CQRS_STORAGE" envDefault:"sqlite"`
	StoragePath      string `env:"CQRS_STORAGE_PATH" envDefault:"data/events.db"`
	StorageKeyPrefix string `env:"CQRS_STORAGE_KEY_PREFIX"`

	Bus    string `env:"CQRS_BUS" envDefault:"memory"`
	BusURL string `env:"CQRS_BUS_URL"`

	// Ports of the coordinator servers; zero disables a server.
	AggregatePort int `env:"CQRS_AGGREGATE_PORT"`
	SagaPort      int `env:"CQRS_SAGA_PORT"`
	ProjectorPort int `env:"CQRS_PROJECTOR_PORT"`

	// AggregateAddr is a remote aggregate coordinator for sagas. When empty
	// sagas submit to the in-process coordinator.
	AggregateAddr string `env:"CQRS_AGGREGATE_ADDR"`

	// BusinessLogic maps a domain to the address of its logic service.
	BusinessLogic map[string]string `env:"CQRS_BUSINESS_LOGIC_ADDR" envSeparator:"," envKeyValSeparator:"="`
	RPCTimeout    time.Duration     `env:"CQRS_RPC_TIMEOUT" envDefault:"5s"`

	Sagas      []Handler `env:"CQRS_SAGAS" envSeparator:","`
	Projectors []Handler `env:"CQRS_PROJECTORS" envSeparator:","`

	RetryMaxElapsed time.Duration `env:"CQRS_RETRY_MAX_ELAPSED" envDefault:"10s"`

	OTelEndpoint string `env:"CQRS_OTEL_ENDPOINT"`
	LogLevel     string `env:"CQRS_LOG_LEVEL" envDefault:"info"`
}

// Handler names a saga or projector, its source domain and the address of
// its logic. The text form is name=domain@addr, optionally followed by
// /simple (single-step saga) and /compensate (saga with compensation).
type Handler struct {
	Name       string
	Domain     string
	Addr       string
	Simple     bool
	Compensate bool
}

func (h *Handler) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	name, rest, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("handler %q: want name=domain@addr", s)
	}
	domain, addr, ok := strings.Cut(rest, "@")
	if !ok {
		return fmt.Errorf("handler %q: want name=domain@addr", s)
	}
	addr, flags, _ := strings.Cut(addr, "/")

	*h = Handler{Name: name, Domain: domain, Addr: addr}
	if flags != "" {
		for _, flag := range strings.Split(flags, "/") {
			switch flag {
			case "simple":
				h.Simple = true
			case "compensate":
				h.Compensate = true
			default:
				return fmt.Errorf("handler %q: unknown flag %q", s, flag)
			}
		}
	}
	if h.Name == "" || h.Domain == "" || h.Addr == "" {
		return fmt.Errorf("handler %q: name, domain and addr are required", s)
	}
	return nil
}

func (h Handler) String() string {
	s := h.Name + "=" + h.Domain + "@" + h.Addr
	if h.Simple {
		s += "/simple"
	}
	if h.Compensate {
		s += "/compensate"
	}
	return s
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks backend names and the combinations that need an address.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(storageBackends, c.Storage) {
		errs = append(errs, fmt.Errorf("CQRS_STORAGE: unknown backend %q", c.Storage))
	}
	if !slices.Contains(busBackends, c.Bus) {
		errs = append(errs, fmt.Errorf("CQRS_BUS: unknown backend %q", c.Bus))
	}
	switch c.Bus {
	case BusAMQP, BusKafka:
		if c.BusURL == "" {
			errs = append(errs, fmt.Errorf("CQRS_BUS_URL is required for the %s bus", c.Bus))
		}
	case BusKurrentDB:
		if c.BusURL == "" && c.Storage != StorageKurrentDB {
			errs = append(errs, errors.New("CQRS_BUS_URL is required for the kurrentdb bus unless storage is kurrentdb"))
		}
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("CQRS_RPC_TIMEOUT must be positive"))
	}
	if c.SagaPort != 0 && len(c.Sagas) == 0 {
		errs = append(errs, errors.New("CQRS_SAGA_PORT is set but CQRS_SAGAS is empty"))
	}
	if c.ProjectorPort != 0 && len(c.Projectors) == 0 {
		errs = append(errs, errors.New("CQRS_PROJECTOR_PORT is set but CQRS_PROJECTORS is empty"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("CQRS_LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger at the configured level.
func (c Config) Logger() *logrus.Entry {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(logger)
}
