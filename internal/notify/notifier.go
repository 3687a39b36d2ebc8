// Package notify publishes domain events and forwards the interesting ones
// to operator channels such as Telegram and Discord.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Sender delivers one notification to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans notifications out to its senders, dropping event types not
// in the allow list. An empty allow list passes everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Allows reports whether eventType passes the filter.
func (n *Notifier) Allows(eventType string) bool {
	return len(n.events) == 0 || n.events[eventType]
}

// Notify sends to every sender when eventType passes the filter. One failing
// sender does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, eventType, title, message string) error {
	if !n.Allows(eventType) {
		return nil
	}
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", eventType),
				slog.String("error", err.Error()),
			)
			errs = append(errs, s.Name()+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Listen forwards events from the bus until ctx ends.
func (n *Notifier) Listen(ctx context.Context, bus domain.SignalBus) error {
	ch, err := bus.Subscribe(ctx, domain.ChannelEvents)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			var ev domain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				n.logger.WarnContext(ctx, "undecodable event", slog.String("error", err.Error()))
				continue
			}
			title, msg := Format(ev)
			_ = n.Notify(ctx, ev.Type, title, msg)
		}
	}
}

// Format renders an event as a notification title and body.
func Format(ev domain.Event) (string, string) {
	title := strings.ReplaceAll(ev.Type, "_", " ")
	switch {
	case ev.RuleID != "":
		title += " · rule " + ev.RuleID
	case ev.InvoiceID != "":
		title += " · invoice " + ev.InvoiceID
	}

	var b strings.Builder
	b.WriteString(ev.Message)
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, ev.Detail[k])
	}
	return title, b.String()
}
