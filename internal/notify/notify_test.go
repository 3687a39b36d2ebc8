package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/cache/memory"
	"github.com/alanyoungcy/chainbot/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
	bodies []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestNotifierFilters(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{" rule_failed ", ""}, slog.Default())

	require.NoError(t, n.Notify(context.Background(), domain.EventCycle, "t", "m"))
	assert.Equal(t, 0, s.count())
	require.NoError(t, n.Notify(context.Background(), domain.EventRuleFailed, "t", "m"))
	assert.Equal(t, 1, s.count())

	all := NewNotifier([]Sender{s}, nil, slog.Default())
	assert.True(t, all.Allows(domain.EventCycle))
	assert.True(t, all.Enabled())
	assert.False(t, NewNotifier(nil, nil, slog.Default()).Enabled())
}

func TestNotifierContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.Default())

	err := n.Notify(context.Background(), domain.EventError, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, 1, good.count())
}

func TestFormat(t *testing.T) {
	title, body := Format(domain.Event{
		Type:    domain.EventRulePartial,
		RuleID:  "r-1",
		Message: "1 of 2 steps failed",
		Detail:  map[string]any{"owner": "alice", "failed": 1},
	})
	assert.Equal(t, "rule partial · rule r-1", title)
	assert.Equal(t, "1 of 2 steps failed\nfailed: 1\nowner: alice", body)

	title, _ = Format(domain.Event{Type: domain.EventInvoiceSwept, InvoiceID: "inv-9"})
	assert.Equal(t, "invoice swept · invoice inv-9", title)
}

func TestListenForwardsBusEvents(t *testing.T) {
	bus := memory.NewSignalBus()
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventInvoicePaid}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Listen(ctx, bus) }()

	emitter := NewEmitter(bus, slog.Default())
	require.Eventually(t, func() bool {
		emitter.Emit(ctx, domain.Event{Type: domain.EventCycle, Message: "cycle"})
		emitter.Emit(ctx, domain.Event{Type: domain.EventInvoicePaid, InvoiceID: "inv-1", Message: "paid"})
		return s.count() > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, title := range s.titles {
		assert.Equal(t, "invoice paid · invoice inv-1", title)
	}
}

func TestDiscordSender(t *testing.T) {
	var got map[string][]discordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "rule failed", "boom"))
	require.Len(t, got["embeds"], 1)
	assert.Equal(t, "rule failed", got["embeds"][0].Title)
	assert.Equal(t, "boom", got["embeds"][0].Description)
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("123:abc", "-100")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "a<b", "x & y"))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>a&lt;b</b>\nx &amp; y", got["text"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
