package kurrentdb

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/storetest"
	"github.com/terraskye/cqrs/fixtures"
)

func TestStore_Conformance(t *testing.T) {
	url := os.Getenv("CQRS_TEST_KURRENTDB_URL")
	if url == "" {
		t.Skip("CQRS_TEST_KURRENTDB_URL not set")
	}
	storetest.Run(t, func(t *testing.T) cqrs.Storage {
		// A fresh prefix per test keeps runs against a shared server apart.
		s, err := Open(url, "test"+uuid.NewString()[:8]+"-")
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	}, storetest.Options{})
}

func TestStreamNames(t *testing.T) {
	s := &Store{prefix: "app-"}
	root := uuid.MustParse("6f1e0c52-3d6a-4f0e-9a39-3c1f3d0b2a11")
	cover := cqrs.Cover{Domain: "order", Edition: "v1", Root: root}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"events", s.streamName(cover), "app-order-v1-6f1e0c52-3d6a-4f0e-9a39-3c1f3d0b2a11"},
		{"snapshots", s.snapshotStream(cover), "app-snapshot-order-v1-6f1e0c52-3d6a-4f0e-9a39-3c1f3d0b2a11"},
		{"positions", s.positionStream("billing", cover), "app-position-billing-order-v1-6f1e0c52-3d6a-4f0e-9a39-3c1f3d0b2a11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestExpectedState(t *testing.T) {
	if _, ok := expectedState(0).(kurrentdb.NoStream); !ok {
		t.Fatalf("expectedState(0) = %T, want NoStream", expectedState(0))
	}
	rev, ok := expectedState(3).(kurrentdb.StreamRevision)
	if !ok || rev.Value != 2 {
		t.Fatalf("expectedState(3) = %#v, want revision 2", expectedState(3))
	}
}

func TestDecodeRecorded(t *testing.T) {
	cover := fixtures.OrderCover()
	payload, err := cqrs.MarshalPayload(fixtures.MustPack(fixtures.OrderCreated{Customer: "ann"}))
	if err != nil {
		t.Fatal(err)
	}
	meta, err := json.Marshal(metadata{
		Domain:        cover.Domain,
		Edition:       cover.Edition,
		Root:          cover.Root.String(),
		CorrelationID: cover.CorrelationID,
		CreatedAt:     fixtures.Epoch,
	})
	if err != nil {
		t.Fatal(err)
	}

	book, ok, err := DecodeRecorded(&kurrentdb.RecordedEvent{
		EventType:    "OrderCreated",
		EventNumber:  4,
		Data:         payload,
		UserMetadata: meta,
	})
	if err != nil || !ok {
		t.Fatalf("DecodeRecorded() = %v, %v", ok, err)
	}
	if book.Cover != cover {
		t.Fatalf("cover = %+v, want %+v", book.Cover, cover)
	}
	if len(book.Pages) != 1 || book.Pages[0].Sequence != 4 || !book.Pages[0].CreatedAt.Equal(fixtures.Epoch) {
		t.Fatalf("unexpected pages %+v", book.Pages)
	}

	_, ok, err = DecodeRecorded(&kurrentdb.RecordedEvent{EventType: positionEventType, Data: []byte(`{"sequence":1}`)})
	if ok || err != nil {
		t.Fatalf("position record decoded as an aggregate event: %v, %v", ok, err)
	}

	_, _, err = DecodeRecorded(&kurrentdb.RecordedEvent{EventType: "OrderCreated", Data: []byte{0xff}, UserMetadata: meta})
	if !errors.Is(err, cqrs.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
