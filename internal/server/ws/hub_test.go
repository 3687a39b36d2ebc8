package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/cache/memory"
	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/notify"
)

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHubRelaysEvents(t *testing.T) {
	bus := memory.NewSignalBus()
	hub := NewHub(bus, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readEvent(t, conn)["type"])
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "subscribe", Types: []string{domain.EventInvoiceSwept}}))

	emitter := notify.NewEmitter(bus, slog.Default())
	// The subscribe message races with the first events; keep emitting until
	// the filter is in place and the wanted event arrives.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		emitter.Emit(ctx, domain.Event{Type: domain.EventCycle, Message: "cycle"})
		emitter.Emit(ctx, domain.Event{Type: domain.EventInvoiceSwept, InvoiceID: "inv-1"})
		ev := readEvent(t, conn)
		if ev["type"] == domain.EventInvoiceSwept {
			assert.Equal(t, "inv-1", ev["invoice_id"])
			return
		}
	}
	t.Fatal("swept event never arrived")
}

func TestClientFilter(t *testing.T) {
	c := &client{}
	assert.True(t, c.wants(domain.EventCycle))

	c.apply(controlMsg{Action: "subscribe", Types: []string{domain.EventRuleFailed}})
	assert.False(t, c.wants(domain.EventCycle))
	assert.True(t, c.wants(domain.EventRuleFailed))

	c.apply(controlMsg{Action: "reset"})
	assert.True(t, c.wants(domain.EventCycle))
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(memory.NewSignalBus(), []string{"https://ops.example"}, slog.Default())
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://ops.example")
	assert.True(t, hub.upgrader.CheckOrigin(req))
}
