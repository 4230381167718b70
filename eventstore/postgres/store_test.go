package postgres

import (
	"os"
	"testing"

	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/storetest"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CQRS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CQRS_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestStore_Conformance(t *testing.T) {
	dsn := testDSN(t)
	storetest.Run(t, func(t *testing.T) cqrs.Storage {
		s, err := Open(t.Context(), dsn)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	}, storetest.Options{Correlation: true})
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(t.Context(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
