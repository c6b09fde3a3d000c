// Package emitter reports finished runs to observability backends.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// Emitter reports a finalized run manifest to a backend.
type Emitter interface {
	// Emit reports one finished run.
	Emit(ctx context.Context, m *resource.Manifest) error

	// Close releases the backend.
	Close() error
}

// MultiEmitter reports every run to each of its backends in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit reports m to every backend, even after one fails, and returns the
// joined errors.
func (m *MultiEmitter) Emit(ctx context.Context, manifest *resource.Manifest) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, manifest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every backend and returns the joined errors.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
