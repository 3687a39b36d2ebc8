package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// ArgsFunc builds the positional gateway arguments of a request.
type ArgsFunc func(req domain.OperationRequest) ([]any, error)

// Method is the gateway method that serves one (chain, operation) pair.
type Method struct {
	Name  string
	Query bool
	Args  ArgsFunc
}

type methodKey struct {
	chain domain.Chain
	op    domain.Operation
}

// Table resolves operation requests to gateway calls.
type Table struct {
	mu      sync.RWMutex
	methods map[methodKey]Method
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{methods: make(map[methodKey]Method)}
}

// Register adds or replaces the method of one pair.
func (t *Table) Register(chain domain.Chain, op domain.Operation, m Method) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[methodKey{chain, op}] = m
}

// Lookup returns the method of a pair.
func (t *Table) Lookup(chain domain.Chain, op domain.Operation) (Method, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.methods[methodKey{chain, op}]
	return m, ok
}

// Pairs lists the registered pairs as "chain/op" strings, sorted.
func (t *Table) Pairs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.methods))
	for k := range t.methods {
		out = append(out, fmt.Sprintf("%s/%s", k.chain, k.op))
	}
	sort.Strings(out)
	return out
}

// Resolve turns a request into a gateway call.
func (t *Table) Resolve(req domain.OperationRequest) (domain.GatewayCall, error) {
	m, ok := t.Lookup(req.Chain, req.Op)
	if !ok {
		return domain.GatewayCall{}, fmt.Errorf("%w: %s/%s", domain.ErrUnmappedOperation, req.Chain, req.Op)
	}
	args := []any{}
	if m.Args != nil {
		var err error
		args, err = m.Args(req)
		if err != nil {
			return domain.GatewayCall{}, fmt.Errorf("gateway: %s args: %w", m.Name, err)
		}
	}
	return domain.GatewayCall{
		Method:         m.Name,
		Args:           args,
		Query:          m.Query,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

// DefaultTable returns the method table of the wallet canister.
func DefaultTable() *Table {
	t := NewTable()
	read := func(c domain.Chain, op domain.Operation, name string, args ArgsFunc) {
		t.Register(c, op, Method{Name: name, Query: true, Args: args})
	}
	write := func(c domain.Chain, op domain.Operation, name string, args ArgsFunc) {
		t.Register(c, op, Method{Name: name, Args: args})
	}

	evm := []domain.Chain{domain.ChainEthereum, domain.ChainArbitrum, domain.ChainPolygon, domain.ChainBase}

	for _, c := range domain.Chains() {
		read(c, domain.OpAddress, "getAllAddresses", nil)
	}

	read(domain.ChainSolana, domain.OpBalance, "getMySolanaBalance", nil)
	read(domain.ChainICP, domain.OpBalance, "getICPBalance", nil)
	read(domain.ChainBitcoin, domain.OpBalance, "getMyBitcoinBalance", nil)
	read(domain.ChainXRP, domain.OpBalance, "getMyXrpBalance", nil)
	read(domain.ChainSui, domain.OpBalance, "getMySuiBalance", nil)
	read(domain.ChainTON, domain.OpBalance, "getMyTonBalance", nil)
	read(domain.ChainNear, domain.OpBalance, "getMyNearBalance", nil)
	read(domain.ChainCosmos, domain.OpBalance, "getMyCosmosBalance", nil)
	read(domain.ChainTron, domain.OpBalance, "getMyTronBalance", nil)

	read(domain.ChainSolana, domain.OpTokenBalance, "getMySplTokenBalance", params(domain.ParamAsset))
	read(domain.ChainICP, domain.OpTokenBalance, "getMyIcrcBalance", params(domain.ParamAsset))
	read(domain.ChainSui, domain.OpTokenBalance, "getMySuiCoinBalance", params(domain.ParamAsset))

	write(domain.ChainSolana, domain.OpSend, "sendSolTransaction", transfer(false))
	write(domain.ChainICP, domain.OpSend, "sendICP", transfer(false))
	write(domain.ChainBitcoin, domain.OpSend, "sendBitcoin", transfer(false))
	write(domain.ChainXRP, domain.OpSend, "sendXrpAutonomous", withNull(transfer(true)))
	write(domain.ChainSui, domain.OpSend, "sendSui", transfer(false))
	write(domain.ChainTON, domain.OpSend, "sendTonSimple", transfer(false))
	write(domain.ChainNear, domain.OpSend, "sendNearTransfer", transfer(true))
	write(domain.ChainCosmos, domain.OpSend, "sendCosmosTransaction", transfer(true))
	write(domain.ChainTron, domain.OpSend, "sendTrx", transfer(false))

	write(domain.ChainSolana, domain.OpSwap, "swapRaydiumApiUser", exchange(false))
	write(domain.ChainICP, domain.OpSwap, "swapICPDex", exchange(false))
	write(domain.ChainSui, domain.OpSwap, "swapSuiCetus", exchange(true))

	write(domain.ChainSolana, domain.OpStake, "stakeSolMarinade", amountOnly(false))
	write(domain.ChainSolana, domain.OpUnstake, "unstakeSolMarinade", amountOnly(false))
	write(domain.ChainSui, domain.OpStake, "stakeSui", protocolAmount(false))
	write(domain.ChainSui, domain.OpUnstake, "unstakeSui", protocolAmount(false))
	write(domain.ChainEthereum, domain.OpWrap, "wrapStEth", amountOnly(true))

	write(domain.ChainSolana, domain.OpAddLiquidity, "addRaydiumLiquidity", exchange(false))
	write(domain.ChainSolana, domain.OpRemoveLiquidity, "removeRaydiumLiquidity", exchange(false))
	write(domain.ChainSui, domain.OpAddLiquidity, "addCetusLiquidity", exchange(true))

	read(domain.ChainSolana, domain.OpAPY, "getSolanaProtocolApy", params(domain.ParamProtocol, domain.ParamAsset))
	read(domain.ChainSolana, domain.OpPosition, "getSolanaProtocolPosition", params(domain.ParamProtocol, domain.ParamAsset))
	read(domain.ChainSui, domain.OpAPY, "getSuiProtocolApy", params(domain.ParamProtocol, domain.ParamAsset))
	read(domain.ChainSui, domain.OpPosition, "getSuiProtocolPosition", params(domain.ParamProtocol, domain.ParamAsset))

	write(domain.ChainSolana, domain.OpBridge, "bridgeAssets", bridge)
	read(domain.ChainSolana, domain.OpJobStatus, "getJobStatus", params(domain.ParamJobID))

	for _, c := range evm {
		read(c, domain.OpBalance, "getMyEvmBalance", network(nil))
		read(c, domain.OpTokenBalance, "getMyErc20Balance", network(params(domain.ParamAsset)))
		write(c, domain.OpSend, "sendEvmNativeTokenAutonomous", network(withNull(transfer(true))))
		write(c, domain.OpSwap, "swapUniswapV3", network(exchange(true)))
		write(c, domain.OpStake, "stakeEvm", network(protocolAmount(true)))
		write(c, domain.OpUnstake, "unstakeEvm", network(protocolAmount(true)))
		write(c, domain.OpAddLiquidity, "addLiquidityUniswapV2", network(exchange(true)))
		write(c, domain.OpRemoveLiquidity, "removeLiquidityUniswapV2", network(exchange(true)))
		write(c, domain.OpContractCall, "callEvmContract", network(contractCall))
		read(c, domain.OpAPY, "getEvmProtocolApy", network(params(domain.ParamProtocol, domain.ParamAsset)))
		read(c, domain.OpPosition, "getEvmProtocolPosition", network(params(domain.ParamProtocol, domain.ParamAsset)))
		write(c, domain.OpBridge, "bridgeAssets", bridge)
		read(c, domain.OpJobStatus, "getJobStatus", params(domain.ParamJobID))
	}

	read(domain.ChainNone, domain.OpAccount, "getMyGatewayAccount", nil)
	return t
}

// params passes the named request parameters as strings, all required.
func params(names ...string) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		out := make([]any, 0, len(names))
		for _, n := range names {
			v := strings.TrimSpace(req.Param(n))
			if v == "" {
				return nil, fmt.Errorf("missing %s", n)
			}
			out = append(out, v)
		}
		return out, nil
	}
}

// network prepends the EVM network name.
func network(next ArgsFunc) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		args := []any{}
		if next != nil {
			var err error
			if args, err = next(req); err != nil {
				return nil, err
			}
		}
		return append([]any{string(req.Chain)}, args...), nil
	}
}

// withNull appends the optional trailing argument the autonomous senders take.
func withNull(next ArgsFunc) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		args, err := next(req)
		if err != nil {
			return nil, err
		}
		return append(args, nil), nil
	}
}

func transfer(quoted bool) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		to, err := destination(req)
		if err != nil {
			return nil, err
		}
		amt, err := amountArg(req, quoted)
		if err != nil {
			return nil, err
		}
		return []any{to, amt}, nil
	}
}

func exchange(quoted bool) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		pair, err := params(domain.ParamAsset, domain.ParamToAsset)(req)
		if err != nil {
			return nil, err
		}
		amt, err := amountArg(req, quoted)
		if err != nil {
			return nil, err
		}
		return append(pair, amt), nil
	}
}

func amountOnly(quoted bool) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		amt, err := amountArg(req, quoted)
		if err != nil {
			return nil, err
		}
		return []any{amt}, nil
	}
}

func protocolAmount(quoted bool) ArgsFunc {
	return func(req domain.OperationRequest) ([]any, error) {
		p, err := params(domain.ParamProtocol)(req)
		if err != nil {
			return nil, err
		}
		amt, err := amountArg(req, quoted)
		if err != nil {
			return nil, err
		}
		return append(p, amt), nil
	}
}

func contractCall(req domain.OperationRequest) ([]any, error) {
	to, err := destination(req)
	if err != nil {
		return nil, err
	}
	data := req.Param(domain.ParamData)
	if !strings.HasPrefix(data, "0x") {
		return nil, fmt.Errorf("data must be 0x-prefixed calldata")
	}
	value := req.Param(domain.ParamAmount)
	if value == "" {
		value = "0"
	}
	return []any{to, data, value}, nil
}

// bridge sends amount of asset from the request chain to the chain named by
// to_asset, delivering to the address in to.
func bridge(req domain.OperationRequest) ([]any, error) {
	p, err := params(domain.ParamAsset, domain.ParamToAsset, domain.ParamTo)(req)
	if err != nil {
		return nil, err
	}
	amt, err := amountArg(req, true)
	if err != nil {
		return nil, err
	}
	return append([]any{string(req.Chain)}, append(p, amt)...), nil
}

func destination(req domain.OperationRequest) (string, error) {
	to := strings.TrimSpace(req.Param(domain.ParamTo))
	if err := domain.ValidateAddress(req.Chain, to); err != nil {
		return "", err
	}
	return domain.CanonicalAddress(req.Chain, to), nil
}

// amountArg validates a positive integer amount in smallest units. Quoted
// amounts go out as strings, the rest as JSON numbers.
func amountArg(req domain.OperationRequest, quoted bool) (any, error) {
	amt, err := req.Amount()
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", req.Param(domain.ParamAmount), err)
	}
	if !amt.IsPositive() || !amt.Equal(amt.Truncate(0)) {
		return nil, fmt.Errorf("amount %s must be a positive integer of smallest units", amt)
	}
	if quoted {
		return amt.String(), nil
	}
	return json.Number(amt.String()), nil
}
