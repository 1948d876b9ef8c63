// Package events carries settlement notifications to whoever is listening.
// Every event travels in the same envelope: a v4 UUID, a type name, a
// wire-format timestamp and a JSON payload.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/clock"
)

// Type names one kind of event.
type Type string

const (
	ReconciliationCompleted  Type = "ReconciliationCompleted"
	ReconciliationDivergence Type = "ReconciliationDivergence"
	PayoutApproved           Type = "PayoutApproved"
	PayoutCompleted          Type = "PayoutCompleted"
)

// Envelope is the serialized form of every event.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType Type            `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps data. The timestamp is rendered in wire format.
func NewEnvelope(c clock.Clock, typ Type, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: typ,
		Timestamp: clock.Wire(c.Now()),
		Data:      raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Emitter publishes events. Callers treat emission as fire-and-forget: a
// failed emit is logged, never propagated into the financial path.
type Emitter interface {
	Emit(ctx context.Context, typ Type, data any) error
}

// Handler receives envelopes from a Bus.
type Handler func(ctx context.Context, env Envelope) error

// ─── Bus ────────────────────────────────────────────────────────────────────

// Bus fans each event out to every subscriber, synchronously and in
// subscription order. A panicking or failing subscriber does not stop the
// others; the first failure is returned.
type Bus struct {
	mu     sync.RWMutex
	subs   []Handler
	clock  clock.Clock
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(c clock.Clock, logger *zap.Logger) *Bus {
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{clock: c, logger: logger}
}

// Subscribe adds h to the fan-out list.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Emit implements Emitter.
func (b *Bus) Emit(ctx context.Context, typ Type, data any) error {
	env, err := NewEnvelope(b.clock, typ, data)
	if err != nil {
		return err
	}
	b.mu.RLock()
	subs := append([]Handler(nil), b.subs...)
	b.mu.RUnlock()

	var first error
	for i, h := range subs {
		if err := b.deliver(ctx, h, env); err != nil {
			b.logger.Warn("event subscriber failed",
				zap.String("event_type", string(typ)),
				zap.String("event_id", env.EventID),
				zap.Int("subscriber", i),
				zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (b *Bus) deliver(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// ─── Sinks ──────────────────────────────────────────────────────────────────

// LogSink returns a handler that writes every envelope to logger.
func LogSink(logger *zap.Logger) Handler {
	return func(_ context.Context, env Envelope) error {
		logger.Info("event",
			zap.String("event_id", env.EventID),
			zap.String("event_type", string(env.EventType)),
			zap.String("timestamp", env.Timestamp),
			zap.ByteString("data", env.Data))
		return nil
	}
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, Type, any) error { return nil }
