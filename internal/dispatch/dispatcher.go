package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"spacerelay/internal/event"
)

// Handler applies one envelope to a local state slice. Handlers must be
// idempotent: applying the same envelope twice yields the same state as
// applying it once. The dispatcher enforces this once via the dedup set,
// but duplicates with distinct envelope ids and equal dedup keys rely on
// the handlers themselves.
type Handler func(env *event.Envelope) error

var (
	ErrUnknownEvent = errors.New("unknown event name")
	ErrBadEnvelope  = errors.New("malformed envelope")
)

// Dispatcher receives raw envelopes, deduplicates them by dedup key, and
// routes them to the handler registered for their event name. It is driven
// by the transport's serialized dispatch goroutine, so it needs no locking.
type Dispatcher struct {
	handlers map[string]Handler
	seen     map[string]struct{}
	log      *zap.Logger
}

func New(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		seen:     make(map[string]struct{}),
		log:      log,
	}
}

// On registers the handler for an event name.
func (d *Dispatcher) On(eventName string, handler Handler) {
	d.handlers[eventName] = handler
}

// Apply processes one envelope. Errors are absorbed here (logged, envelope
// dropped): one bad envelope must never block the ones behind it.
func (d *Dispatcher) Apply(env *event.Envelope) {
	if err := env.Validate(); err != nil {
		d.log.Warn("dropping malformed envelope", zap.Error(err))
		return
	}

	if _, dup := d.seen[env.DedupKey]; dup {
		d.log.Debug("duplicate envelope suppressed",
			zap.String("event", env.Event), zap.String("dedupKey", env.DedupKey))
		return
	}

	handler, ok := d.handlers[env.Event]
	if !ok {
		d.log.Warn("dropping envelope with unknown event name",
			zap.String("event", env.Event), zap.String("dedupKey", env.DedupKey))
		return
	}

	if err := handler(env); err != nil {
		d.log.Error("handler failed, envelope dropped",
			zap.String("event", env.Event), zap.String("dedupKey", env.DedupKey), zap.Error(err))
		return
	}

	d.seen[env.DedupKey] = struct{}{}
}
