package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Emitter publishes domain events on the signal bus: live on
// domain.ChannelEvents and durably on domain.StreamEvents. A nil Emitter or
// one without a bus drops events.
type Emitter struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEmitter creates an Emitter. bus may be nil.
func NewEmitter(bus domain.SignalBus, logger *slog.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger.With(slog.String("component", "events"))}
}

// Emit publishes ev. Bus failures are logged, never returned: events are
// best effort and must not fail the operation that produced them.
func (e *Emitter) Emit(ctx context.Context, ev domain.Event) {
	if e == nil || e.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("encode event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.bus.Publish(ctx, domain.ChannelEvents, payload); err != nil {
		e.logger.Warn("publish event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamEvents, payload); err != nil {
		e.logger.Warn("append event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
