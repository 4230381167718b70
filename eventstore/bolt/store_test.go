package bolt

import (
	"path/filepath"
	"testing"

	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/storetest"
)

func openTestStore(t *testing.T, prefix string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.bolt"), prefix)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cqrs.Storage { return openTestStore(t, "cqrs/") }, storetest.Options{})
}

func TestStore_PrefixesIsolateDeployments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.bolt")
	cover := storetest.Cover("order")

	a, err := Open(path, "a/")
	if err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	if _, err := a.Append(t.Context(), cover, 0, storetest.Events("OrderCreated", 2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b, err := Open(path, "b/")
	if err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}
	defer b.Close()

	book, err := b.Load(t.Context(), cover, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !book.Empty() {
		t.Fatalf("prefix b sees %d pages written under prefix a", len(book.Pages))
	}
	if _, err := b.Append(t.Context(), cover, 0, storetest.Events("OrderCreated", 1)); err != nil {
		t.Fatalf("Append() under prefix b error = %v", err)
	}
}

func TestSequenceKey_OrdersBytewise(t *testing.T) {
	if string(sequenceKey(255)) >= string(sequenceKey(256)) {
		t.Fatal("big-endian keys must sort numerically")
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open("", ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
