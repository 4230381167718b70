package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/fixtures"
	"github.com/terraskye/cqrs/otel"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage != StorageSQLite || cfg.StoragePath != "data/events.db" {
		t.Errorf("storage = %s at %s", cfg.Storage, cfg.StoragePath)
	}
	if cfg.Bus != BusMemory {
		t.Errorf("bus = %s", cfg.Bus)
	}
	if cfg.RPCTimeout != 5*time.Second || cfg.RetryMaxElapsed != 10*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.RPCTimeout, cfg.RetryMaxElapsed)
	}
}

func TestLoadHandlersAndLogic(t *testing.T) {
	t.Setenv("CQRS_BUSINESS_LOGIC_ADDR", "order=localhost:9001,fulfillment=localhost:9002")
	t.Setenv("CQRS_SAGAS", "fulfillment=order@localhost:9101/compensate,notify=order@localhost:9102/simple")
	t.Setenv("CQRS_PROJECTORS", "summary=order@localhost:9201")
	t.Setenv("CQRS_SAGA_PORT", "7001")
	t.Setenv("CQRS_RPC_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BusinessLogic["order"] != "localhost:9001" || cfg.BusinessLogic["fulfillment"] != "localhost:9002" {
		t.Errorf("business logic = %v", cfg.BusinessLogic)
	}
	want := []Handler{
		{Name: "fulfillment", Domain: "order", Addr: "localhost:9101", Compensate: true},
		{Name: "notify", Domain: "order", Addr: "localhost:9102", Simple: true},
	}
	if len(cfg.Sagas) != len(want) {
		t.Fatalf("sagas = %v", cfg.Sagas)
	}
	for i := range want {
		if cfg.Sagas[i] != want[i] {
			t.Errorf("saga %d = %+v, want %+v", i, cfg.Sagas[i], want[i])
		}
	}
	if len(cfg.Projectors) != 1 || cfg.Projectors[0].String() != "summary=order@localhost:9201" {
		t.Errorf("projectors = %v", cfg.Projectors)
	}
	if cfg.RPCTimeout != 2*time.Second {
		t.Errorf("rpc timeout = %v", cfg.RPCTimeout)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown storage", map[string]string{"CQRS_STORAGE": "mongo"}, "CQRS_STORAGE"},
		{"unknown bus", map[string]string{"CQRS_BUS": "nats"}, "CQRS_BUS"},
		{"kafka without brokers", map[string]string{"CQRS_BUS": "kafka"}, "CQRS_BUS_URL"},
		{"kurrentdb bus without url", map[string]string{"CQRS_BUS": "kurrentdb"}, "kurrentdb bus"},
		{"malformed handler", map[string]string{"CQRS_SAGAS": "fulfillment@order"}, "parse env"},
		{"unknown handler flag", map[string]string{"CQRS_PROJECTORS": "summary=order@host:1/fast"}, "unknown flag"},
		{"saga port without sagas", map[string]string{"CQRS_SAGA_PORT": "7001"}, "CQRS_SAGAS"},
		{"bad duration", map[string]string{"CQRS_RPC_TIMEOUT": "soon"}, "parse env"},
		{"bad log level", map[string]string{"CQRS_LOG_LEVEL": "loud"}, "CQRS_LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpenStorage(t *testing.T) {
	dir := t.TempDir()
	tests := []Config{
		{Storage: StorageMemory},
		{Storage: StorageSQLite, StoragePath: filepath.Join(dir, "sqlite", "events.db")},
		{Storage: StorageBolt, StoragePath: filepath.Join(dir, "bolt", "events.db"), StorageKeyPrefix: "test"},
	}

	for _, cfg := range tests {
		t.Run(cfg.Storage, func(t *testing.T) {
			cfg.RetryMaxElapsed = time.Second
			ctx := context.Background()

			store, err := OpenStorage(ctx, cfg, quietLogger())
			if err != nil {
				t.Fatalf("OpenStorage() error = %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })

			if _, ok := store.(*otel.TelemetryStorage); !ok {
				t.Errorf("outermost layer is %T, want telemetry", store)
			}

			cover := fixtures.OrderCover()
			if _, err := store.Append(ctx, cover, 0, fixtures.Pages(0, fixtures.OrderCreated{Customer: "ann"})); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			_, err = store.Append(ctx, cover, 0, fixtures.Pages(0, fixtures.OrderCreated{Customer: "bob"}))
			if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
				t.Fatalf("conflict must pass through retry untouched, got %v", err)
			}
			book, err := store.Load(ctx, cover, 0)
			if err != nil || len(book.Pages) != 1 {
				t.Fatalf("Load() = %+v, %v", book, err)
			}
		})
	}
}

func TestOpenBus(t *testing.T) {
	tests := []Config{
		{Bus: BusMemory, RetryMaxElapsed: time.Second},
		{Bus: BusFile, BusURL: t.TempDir()},
	}

	for _, cfg := range tests {
		t.Run(cfg.Bus, func(t *testing.T) {
			bus, err := OpenBus(context.Background(), cfg, quietLogger())
			if err != nil {
				t.Fatalf("OpenBus() error = %v", err)
			}
			if _, ok := bus.(*otel.TelemetryEventBus); !ok {
				t.Errorf("bus is %T, want telemetry wrapper", bus)
			}

			got := make(chan cqrs.EventBook, 1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			err = bus.Subscribe(ctx, "summary", fixtures.OrderDomain, func(ctx context.Context, book cqrs.EventBook) error {
				got <- book
				return nil
			})
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}

			book := fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{Customer: "ann"})
			if err := bus.Publish(ctx, book); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			select {
			case b := <-got:
				if !b.Cover.SameStream(book.Cover) {
					t.Errorf("delivered %v", b.Cover)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("book not delivered")
			}
			if err := bus.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestOpenStorageUnknown(t *testing.T) {
	if _, err := OpenStorage(context.Background(), Config{Storage: "mongo"}, quietLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
