package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{}, testLogger())
	require.ErrorIs(t, err, domain.ErrGatewayNotConfigured)
}

func TestClientCallSendsEnvelope(t *testing.T) {
	var got callRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":{"txSignature":"sig"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL + "/", Canister: "urs2a-ziaaa-aaaad-aembq-cai", Token: "tok"}, testLogger())
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), domain.GatewayCall{
		Method:         "sendSolTransaction",
		Args:           []any{"dest", json.Number("5")},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":{"txSignature":"sig"}}`, string(raw))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "sendSolTransaction", got.Method)
	assert.Equal(t, "urs2a-ziaaa-aaaad-aembq-cai", got.Canister)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.False(t, got.Query)
	assert.Len(t, got.Args, 2)
}

func TestClientRetriesQueries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{
		URL:          srv.URL,
		ReadRetries:  3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), domain.GatewayCall{Method: "getMySolanaBalance", Query: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, string(raw))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientNeverRetriesWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL, ReadRetries: 5, RetryInitial: time.Millisecond}, testLogger())
	require.NoError(t, err)

	_, err = c.Call(context.Background(), domain.GatewayCall{Method: "sendSui", IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL, ReadRetries: 5, RetryInitial: time.Millisecond}, testLogger())
	require.NoError(t, err)

	_, err = c.Call(context.Background(), domain.GatewayCall{Method: "getICPBalance", Query: true})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
