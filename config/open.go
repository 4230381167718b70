package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	amqpbus "github.com/terraskye/cqrs/eventbus/amqp"
	filebus "github.com/terraskye/cqrs/eventbus/file"
	kafkabus "github.com/terraskye/cqrs/eventbus/kafka"
	kurrentbus "github.com/terraskye/cqrs/eventbus/kurrentdb"
	memorybus "github.com/terraskye/cqrs/eventbus/memory"
	"github.com/terraskye/cqrs/eventstore/bolt"
	"github.com/terraskye/cqrs/eventstore/kurrentdb"
	"github.com/terraskye/cqrs/eventstore/memory"
	"github.com/terraskye/cqrs/eventstore/postgres"
	"github.com/terraskye/cqrs/eventstore/retry"
	"github.com/terraskye/cqrs/eventstore/sqlite"
	"github.com/terraskye/cqrs/logging"
	"github.com/terraskye/cqrs/otel"
)

// OpenBackend opens the bare storage backend selected by cfg.
func OpenBackend(ctx context.Context, cfg Config) (cqrs.Storage, error) {
	if cfg.Storage == StorageMemory {
		return memory.NewStore(), nil
	}
	if cfg.Storage == StorageSQLite || cfg.Storage == StorageBolt {
		if err := ensureDir(cfg.StoragePath); err != nil {
			return nil, err
		}
	}

	var (
		store cqrs.Storage
		err   error
	)
	switch cfg.Storage {
	case StorageSQLite:
		store, err = sqlite.Open(ctx, cfg.StoragePath)
	case StoragePostgres:
		store, err = postgres.Open(ctx, cfg.StoragePath)
	case StorageBolt:
		store, err = bolt.Open(cfg.StoragePath, cfg.StorageKeyPrefix)
	case StorageKurrentDB:
		store, err = kurrentdb.Open(cfg.StoragePath, cfg.StorageKeyPrefix)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenStorage opens the backend and composes the stack every coordinator
// uses: telemetry outside retry outside the logged backend.
func OpenStorage(ctx context.Context, cfg Config, logger *logrus.Entry, options ...otel.Option) (cqrs.Storage, error) {
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}
	logged := logging.WithStorageLogging(logger.WithField("storage", cfg.Storage), backend)
	retried := retry.New(logged, retry.WithMaxElapsed(cfg.RetryMaxElapsed))
	return otel.WithStorageTelemetry(retried, options...), nil
}

// OpenBus opens the bus selected by cfg wrapped with telemetry. The
// kurrentdb bus reads CQRS_BUS_URL, falling back to the storage connection
// string.
func OpenBus(ctx context.Context, cfg Config, logger *logrus.Entry, options ...otel.Option) (cqrs.EventBus, error) {
	logger = logger.WithField("bus", cfg.Bus)

	var (
		bus cqrs.EventBus
		err error
	)
	switch cfg.Bus {
	case BusMemory:
		bus = memorybus.NewEventBus(memorybus.WithRetry(cfg.RetryMaxElapsed))
	case BusFile:
		dir := cfg.BusURL
		if dir == "" {
			dir = filepath.Join("data", "bus")
		}
		bus, err = filebus.NewEventBus(dir, filebus.WithLogger(logger))
	case BusAMQP:
		bus, err = amqpbus.Dial(cfg.BusURL, amqpbus.WithLogger(logger))
	case BusKafka:
		bus, err = kafkabus.NewEventBus(splitList(cfg.BusURL), kafkabus.WithLogger(logger))
	case BusKurrentDB:
		bus, err = openKurrentBus(cfg, logger)
	default:
		err = fmt.Errorf("unknown bus backend %q", cfg.Bus)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bus: %w", cfg.Bus, err)
	}
	return otel.WithEventBusTelemetry(bus, options...), nil
}

// openKurrentBus opens its own client so the bus and the storage stack can
// be closed independently.
func openKurrentBus(cfg Config, logger *logrus.Entry) (cqrs.EventBus, error) {
	url := cfg.BusURL
	if url == "" {
		url = cfg.StoragePath
	}
	s, err := kurrentdb.Open(url, cfg.StorageKeyPrefix)
	if err != nil {
		return nil, err
	}
	bus := kurrentbus.NewEventBus(s.Client(), s,
		kurrentbus.WithRetry(cfg.RetryMaxElapsed),
		kurrentbus.WithLogger(logger),
	)
	return &closingBus{EventBus: bus, closer: s}, nil
}

type closingBus struct {
	cqrs.EventBus
	closer interface{ Close() error }
}

func (b *closingBus) Close() error {
	return errors.Join(b.EventBus.Close(), b.closer.Close())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
