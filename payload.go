package cqrs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// TypeURLPrefix is prepended to type names to build payload type URLs.
const TypeURLPrefix = "type.googleapis.com/"

// Message is a payload that knows its stable type identifier.
type Message interface {
	TypeName() string
}

// TypeName returns the stable type identifier of a payload: the part of its
// type URL after the last slash.
func TypeName(payload *anypb.Any) string {
	if payload == nil {
		return ""
	}
	url := payload.GetTypeUrl()
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// NewPayload wraps raw bytes under the given type name.
func NewPayload(typeName string, value []byte) *anypb.Any {
	return &anypb.Any{TypeUrl: TypeURLPrefix + typeName, Value: value}
}

// Pack encodes a Message as a payload. Protobuf messages are packed natively;
// anything else is JSON encoded under its TypeName.
func Pack(msg Message) (*anypb.Any, error) {
	if pm, ok := msg.(proto.Message); ok {
		payload, err := anypb.New(pm)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", msg.TypeName(), err)
		}
		return payload, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", msg.TypeName(), err)
	}
	return NewPayload(msg.TypeName(), data), nil
}

// Unpack decodes a payload produced by Pack into target. A type mismatch or
// malformed body yields a DecodeError.
func Unpack(payload *anypb.Any, target Message) error {
	if payload == nil {
		return &DecodeError{Err: fmt.Errorf("payload is nil")}
	}
	if got, want := TypeName(payload), target.TypeName(); got != want {
		return &DecodeError{TypeURL: payload.GetTypeUrl(), Err: fmt.Errorf("expected %s", want)}
	}
	if pm, ok := target.(proto.Message); ok {
		if err := payload.UnmarshalTo(pm); err != nil {
			return &DecodeError{TypeURL: payload.GetTypeUrl(), Err: err}
		}
		return nil
	}
	if err := json.Unmarshal(payload.GetValue(), target); err != nil {
		return &DecodeError{TypeURL: payload.GetTypeUrl(), Err: err}
	}
	return nil
}

// MarshalPayload encodes a payload for storage.
func MarshalPayload(payload *anypb.Any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidEventBatch)
	}
	return proto.Marshal(payload)
}

// UnmarshalPayload decodes a payload written by MarshalPayload.
func UnmarshalPayload(data []byte) (*anypb.Any, error) {
	payload := &anypb.Any{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return payload, nil
}

// DeriveRoot deterministically maps a natural key to a synthetic aggregate
// root within a domain. Sagas use it when the destination aggregate is
// addressed by a business key rather than by an existing root.
func DeriveRoot(domain, naturalKey string) uuid.UUID {
	namespace := uuid.NewSHA1(uuid.NameSpaceURL, []byte("cqrs:"+domain))
	return uuid.NewSHA1(namespace, []byte(naturalKey))
}
