// Package router resolves payload type identifiers to handler functions.
//
// Handlers are registered by type name on a Builder and resolved once into an
// immutable Table. Lookups of unknown types yield a *cqrs.DecodeError so
// callers can skip the offending page and continue with the rest of a batch.
package router

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/types/known/anypb"
)

// ErrUnhandled is wrapped by the DecodeError returned for unregistered types.
var ErrUnhandled = errors.New("no handler registered")

// ErrDuplicateHandler is raised when two handlers claim one type name.
var ErrDuplicateHandler = errors.New("duplicate handler")

// Table is an immutable map from type name to handler.
type Table[H any] struct {
	handlers map[string]H
}

// Builder collects handlers before they are frozen into a Table.
type Builder[H any] struct {
	handlers map[string]H
}

// NewBuilder returns an empty Builder.
func NewBuilder[H any]() *Builder[H] {
	return &Builder[H]{handlers: make(map[string]H)}
}

// On registers handler for typeName.
//
// Panics:
//   - If typeName is empty.
//   - If a handler is already registered for typeName.
func (b *Builder[H]) On(typeName string, handler H) *Builder[H] {
	if typeName == "" {
		panic("router: empty type name")
	}
	if _, exists := b.handlers[typeName]; exists {
		panic(fmt.Errorf("router: handler for %s: %w", typeName, ErrDuplicateHandler))
	}
	b.handlers[typeName] = handler
	return b
}

// Build freezes the registered handlers. Later registrations on the Builder
// do not affect the returned Table.
func (b *Builder[H]) Build() *Table[H] {
	frozen := make(map[string]H, len(b.handlers))
	for name, h := range b.handlers {
		frozen[name] = h
	}
	return &Table[H]{handlers: frozen}
}

// Lookup resolves the handler for a payload.
func (t *Table[H]) Lookup(payload *anypb.Any) (H, error) {
	name := cqrs.TypeName(payload)
	h, ok := t.handlers[name]
	if !ok {
		var zero H
		return zero, &cqrs.DecodeError{TypeURL: payload.GetTypeUrl(), Err: fmt.Errorf("%w for %q", ErrUnhandled, name)}
	}
	return h, nil
}

// Handles reports whether typeName is registered.
func (t *Table[H]) Handles(typeName string) bool {
	_, ok := t.handlers[typeName]
	return ok
}

// Types returns the registered type names, sorted.
func (t *Table[H]) Types() []string {
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// typeNameOf returns the type name of message type M without an instance.
func typeNameOf[M cqrs.Message]() string {
	var m M
	if t := reflect.TypeOf(m); t != nil && t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(M).TypeName()
	}
	return m.TypeName()
}

// decode unpacks payload into a fresh M.
func decode[M cqrs.Message](payload *anypb.Any) (M, error) {
	var m M
	if t := reflect.TypeOf(m); t != nil && t.Kind() == reflect.Pointer {
		m = reflect.New(t.Elem()).Interface().(M)
		return m, cqrs.Unpack(payload, m)
	}
	target, ok := any(&m).(cqrs.Message)
	if !ok {
		return m, &cqrs.DecodeError{TypeURL: payload.GetTypeUrl(), Err: fmt.Errorf("%T is not decodable", m)}
	}
	return m, cqrs.Unpack(payload, target)
}
