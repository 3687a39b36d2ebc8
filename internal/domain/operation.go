package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation names one kind of call issued to the external gateway.
type Operation string

const (
	// Reads: side-effect free, retried freely.
	OpAddress Operation = "address"
	OpBalance Operation = "balance"
	// OpTokenBalance reads a non-native asset balance.
	OpTokenBalance Operation = "token_balance"
	OpPosition     Operation = "position"
	OpAPY          Operation = "apy"
	OpAccount      Operation = "account"
	OpJobStatus    Operation = "job_status"

	// Writes: side-effecting, require an idempotency key.
	OpSend            Operation = "send"
	OpSwap            Operation = "swap"
	OpStake           Operation = "stake"
	OpUnstake         Operation = "unstake"
	OpWrap            Operation = "wrap"
	OpAddLiquidity    Operation = "add_liquidity"
	OpRemoveLiquidity Operation = "remove_liquidity"
	OpContractCall    Operation = "contract_call"

	// Jobs: return an opaque job id immediately.
	OpBridge Operation = "bridge"
)

// IsWrite reports whether the operation has side effects on chain.
func (o Operation) IsWrite() bool {
	switch o {
	case OpSend, OpSwap, OpStake, OpUnstake, OpWrap, OpAddLiquidity,
		OpRemoveLiquidity, OpContractCall, OpBridge:
		return true
	default:
		return false
	}
}

// Well-known request parameter names.
const (
	ParamTo       = "to"
	ParamAmount   = "amount"
	ParamAsset    = "asset"
	ParamToAsset  = "to_asset"
	ParamProtocol = "protocol"
	ParamAddress  = "address"
	ParamJobID    = "job_id"
	ParamData     = "data"
)

// OperationRequest is a decision to perform one gateway operation.
type OperationRequest struct {
	Chain          Chain             `json:"chain"`
	Op             Operation         `json:"op"`
	Params         map[string]string `json:"params,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Param returns a request parameter or "".
func (r OperationRequest) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// Amount parses the amount parameter (smallest units).
func (r OperationRequest) Amount() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Param(ParamAmount))
}

// WithParam returns a copy of r with one parameter replaced.
func (r OperationRequest) WithParam(name, value string) OperationRequest {
	params := make(map[string]string, len(r.Params)+1)
	for k, v := range r.Params {
		params[k] = v
	}
	params[name] = value
	r.Params = params
	return r
}

// Raw field names shared by the normalizer and its consumers.
const (
	FieldValue    = "value"
	FieldAmountIn = "amount_in"
	FieldCostUSD  = "cost_usd"
)

// OperationOutcome is the normalized result of one dispatched operation.
type OperationOutcome struct {
	Chain             Chain             `json:"chain"`
	Op                Operation         `json:"op"`
	Success           bool              `json:"success"`
	PrimaryIdentifier string            `json:"primary_identifier,omitempty"`
	Message           string            `json:"message,omitempty"`
	RawFields         map[string]string `json:"raw_fields,omitempty"`
	Replayed          bool              `json:"replayed,omitempty"`
	CompletedAt       time.Time         `json:"completed_at"`
}

// Field returns a raw field or "".
func (o OperationOutcome) Field(name string) string {
	if o.RawFields == nil {
		return ""
	}
	return o.RawFields[name]
}

// Value parses the normalized numeric value (balance, apy, output amount).
func (o OperationOutcome) Value() (decimal.Decimal, bool) {
	raw := o.Field(FieldValue)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// FailedOutcome builds an unsuccessful outcome with the given message.
func FailedOutcome(chain Chain, op Operation, msg string) OperationOutcome {
	return OperationOutcome{
		Chain:       chain,
		Op:          op,
		Success:     false,
		Message:     msg,
		CompletedAt: time.Now().UTC(),
	}
}
