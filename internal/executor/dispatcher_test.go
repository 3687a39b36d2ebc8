package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/gateway"
	"github.com/alanyoungcy/chainbot/internal/normalize"
)

// scriptedGateway answers each method with its queued responses in order,
// repeating the last one.
type scriptedGateway struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []domain.GatewayCall
	block   chan struct{}
}

type reply struct {
	raw string
	err error
}

func (g *scriptedGateway) Call(ctx context.Context, call domain.GatewayCall) ([]byte, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	q := g.replies[call.Method]
	if len(q) == 0 {
		return nil, errors.New("no reply for " + call.Method)
	}
	r := q[0]
	if len(q) > 1 {
		g.replies[call.Method] = q[1:]
	}
	return []byte(r.raw), r.err
}

func (g *scriptedGateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func newDispatcher(gw domain.Gateway) *Dispatcher {
	return NewDispatcher(gw, gateway.DefaultTable(), normalize.Default(), NewMemo(time.Hour),
		Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func solSend(key string) domain.OperationRequest {
	return domain.OperationRequest{
		Chain:          domain.ChainSolana,
		Op:             domain.OpSend,
		Params:         map[string]string{domain.ParamTo: "Treasury1111", domain.ParamAmount: "490000000"},
		IdempotencyKey: key,
	}
}

func TestDispatchWriteIsReplayed(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"sendSolTransaction": {{raw: `{"ok":{"txSignature":"sig-1"}}`}},
	}}
	d := newDispatcher(gw)

	first, err := d.Dispatch(context.Background(), solSend("sweep:inv-1"))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "sig-1", first.PrimaryIdentifier)
	assert.False(t, first.Replayed)
	assert.Equal(t, "0.05", first.Field(domain.FieldCostUSD))

	second, err := d.Dispatch(context.Background(), solSend("sweep:inv-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, "sig-1", second.PrimaryIdentifier)
	assert.Equal(t, 1, gw.count("sendSolTransaction"))
}

func TestDispatchFailedWriteMayRetry(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"sendSolTransaction": {
			{raw: `{"err":"blockhash expired"}`},
			{raw: `{"ok":{"txSignature":"sig-2"}}`},
		},
	}}
	d := newDispatcher(gw)

	out, err := d.Dispatch(context.Background(), solSend("k"))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "blockhash expired", out.Message)
	assert.Equal(t, "0.05", out.Field(domain.FieldCostUSD))

	out, err = d.Dispatch(context.Background(), solSend("k"))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, gw.count("sendSolTransaction"))
}

func TestDispatchTransportErrorIsFailedOutcome(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"sendSolTransaction": {{err: errors.New("dial tcp: connection refused")}},
	}}
	d := newDispatcher(gw)

	out, err := d.Dispatch(context.Background(), solSend("k"))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "connection refused")
}

func TestDispatchMalformedResponseKeepsRaw(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"sendSolTransaction": {{raw: `{"ok":{"unexpected":true}}`}},
	}}
	d := newDispatcher(gw)

	out, err := d.Dispatch(context.Background(), solSend("k"))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, `{"ok":{"unexpected":true}}`, out.Field("raw"))
}

func TestDispatchRequiresIdempotencyKeyForWrites(t *testing.T) {
	d := newDispatcher(&scriptedGateway{})
	_, err := d.Dispatch(context.Background(), solSend(""))
	assert.True(t, errors.Is(err, domain.ErrMissingIdempotency))
}

func TestDispatchUnmappedOperation(t *testing.T) {
	d := newDispatcher(&scriptedGateway{})
	_, err := d.Dispatch(context.Background(), domain.OperationRequest{
		Chain: domain.ChainTON, Op: domain.OpSwap, IdempotencyKey: "k",
	})
	assert.True(t, errors.Is(err, domain.ErrUnmappedOperation))
}

func TestDispatchInFlightKey(t *testing.T) {
	gw := &scriptedGateway{
		replies: map[string][]reply{"sendSolTransaction": {{raw: `{"ok":{"txSignature":"s"}}`}}},
		block:   make(chan struct{}),
	}
	memo := NewMemo(time.Hour)
	d := NewDispatcher(gw, gateway.DefaultTable(), normalize.Default(), memo,
		Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan domain.OperationOutcome)
	go func() {
		out, _ := d.Dispatch(context.Background(), solSend("k"))
		done <- out
	}()
	require.Eventually(t, func() bool { return memo.Len() == 1 }, time.Second, time.Millisecond)

	_, err := d.Dispatch(context.Background(), solSend("k"))
	assert.True(t, errors.Is(err, domain.ErrOperationInFlight))

	close(gw.block)
	out := <-done
	assert.True(t, out.Success)
	assert.Equal(t, 1, gw.count("sendSolTransaction"))
}

func TestDispatchReadsSkipMemoAndCost(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"getMySolanaBalance": {{raw: `{"ok":42}`}},
	}}
	d := newDispatcher(gw)

	for i := 0; i < 2; i++ {
		out, err := d.Dispatch(context.Background(), domain.OperationRequest{Chain: domain.ChainSolana, Op: domain.OpBalance})
		require.NoError(t, err)
		v, ok := out.Value()
		require.True(t, ok)
		assert.True(t, v.Equal(decimal.NewFromInt(42)))
		assert.Empty(t, out.Field(domain.FieldCostUSD))
	}
	assert.Equal(t, 2, gw.count("getMySolanaBalance"))
}

func TestRunStepsFeedsOutputAndStopsOnFailure(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"unstakeEvm": {{raw: `{"success":true,"txHash":"0x1","amountOut":"990"}`}},
		"stakeEvm":   {{raw: `{"success":false,"txHash":null,"error":"pool paused"}`}},
	}}
	d := newDispatcher(gw)

	steps := []domain.PlannedStep{
		{Action: "unstake", Request: domain.OperationRequest{
			Chain: domain.ChainEthereum, Op: domain.OpUnstake,
			Params: map[string]string{domain.ParamProtocol: "aave", domain.ParamAmount: "1000"},
		}},
		{Action: "stake", FeedAmount: true, Request: domain.OperationRequest{
			Chain: domain.ChainEthereum, Op: domain.OpStake,
			Params: map[string]string{domain.ParamProtocol: "lido"},
		}},
	}
	results, err := d.RunSteps(context.Background(), "rule-1:100", steps)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Outcome.Success)
	assert.Equal(t, "rule-1:100:0", results[0].Key)
	assert.False(t, results[1].Outcome.Success)
	assert.Equal(t, "pool paused", results[1].Outcome.Message)
	assert.Equal(t, "990", results[1].Step.Request.Param(domain.ParamAmount))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.calls, 2)
	assert.Equal(t, []any{"ethereum", "lido", "990"}, gw.calls[1].Args)
	assert.Equal(t, "rule-1:100:1", gw.calls[1].IdempotencyKey)
}

func TestRunStepsStopsAfterFirstFailure(t *testing.T) {
	gw := &scriptedGateway{replies: map[string][]reply{
		"swapRaydiumApiUser": {{raw: `{"err":"slippage"}`}},
	}}
	d := newDispatcher(gw)

	steps := []domain.PlannedStep{
		{Action: "swap", Request: domain.OperationRequest{
			Chain: domain.ChainSolana, Op: domain.OpSwap,
			Params: map[string]string{domain.ParamAsset: "SOL", domain.ParamToAsset: "USDC", domain.ParamAmount: "5"},
		}},
		{Action: "add_liquidity", FeedAmount: true, Request: domain.OperationRequest{
			Chain: domain.ChainSolana, Op: domain.OpAddLiquidity,
			Params: map[string]string{domain.ParamAsset: "SOL", domain.ParamToAsset: "USDC"},
		}},
	}
	results, err := d.RunSteps(context.Background(), "r:1", steps)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Outcome.Success)
	assert.Equal(t, 0, gw.count("addRaydiumLiquidity"))
}
