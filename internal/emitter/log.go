package emitter

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// LogEmitter writes one summary line per run.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates an emitter writing to logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit logs the run summary. Failed runs log at error, partial runs at warn.
func (e *LogEmitter) Emit(_ context.Context, m *resource.Manifest) error {
	var ev *zerolog.Event
	switch m.Status {
	case resource.StatusFailed:
		ev = e.logger.Error()
	case resource.StatusPartialFailure:
		ev = e.logger.Warn()
	default:
		ev = e.logger.Info()
	}

	ev = ev.
		Str("run_id", m.RunID).
		Str("status", string(m.Status)).
		Int("regions", len(m.RegionsAttempted)).
		Int("resources", m.ResourceCount).
		Dur("duration", m.Duration())

	if incomplete := m.IncompleteRegions(); len(incomplete) > 0 {
		ev = ev.Str("incomplete", strings.Join(incomplete, ","))
	}
	if m.Reason != "" {
		ev = ev.Str("reason", m.Reason)
	}
	if m.ObjectKey != "" {
		ev = ev.Str("object", m.ObjectKey)
	}

	ev.Msg("run finished")
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error {
	return nil
}
