// Package events appends typed lifecycle events to the run event log and
// fans them out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/metrics"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// Appender persists events; satisfied by store.Store and store.EventLog.
type Appender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Emitter records events durably first, then publishes them.
type Emitter struct {
	log     Appender
	hub     streaming.EventHub
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmitter creates an Emitter. hub and rec may be nil.
func NewEmitter(log Appender, hub streaming.EventHub, rec metrics.Recorder, logger *slog.Logger) *Emitter {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{log: log, hub: hub, metrics: rec, logger: logger, now: time.Now}
}

// Record describes one event to emit.
type Record struct {
	RunID   string
	Kind    string
	ItemID  string
	CallID  string
	Payload any
}

// Emit appends the event and publishes it. A failing append is logged and
// returned; the event is still published so live observers see it.
func (e *Emitter) Emit(ctx context.Context, rec Record) (*schema.Event, error) {
	ev := &schema.Event{
		RunID:     rec.RunID,
		Kind:      rec.Kind,
		ItemID:    rec.ItemID,
		CallID:    rec.CallID,
		Timestamp: e.now().UTC(),
	}
	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal %s payload: %s", rec.Kind, err).WithCause(err)
		}
		ev.Payload = raw
	}

	var appendErr error
	if e.log != nil {
		if err := e.log.AppendEvent(ctx, ev); err != nil {
			appendErr = schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", rec.Kind, err).WithCause(err)
			logging.LogWith(ctx, e.logger).Error("event append failed",
				slog.String("kind", rec.Kind), slog.String("error", err.Error()))
		}
	}
	e.metrics.EventEmitted(rec.Kind)

	if e.hub != nil {
		// Publishing must outlive a cancelled run context.
		if err := e.hub.Publish(context.WithoutCancel(ctx), *ev); err != nil {
			logging.LogWith(ctx, e.logger).Warn("event publish failed",
				slog.String("kind", rec.Kind), slog.String("error", err.Error()))
		}
	}
	return ev, appendErr
}
