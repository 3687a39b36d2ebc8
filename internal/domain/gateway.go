package domain

import "context"

// GatewayCall is one request to the external gateway.
type GatewayCall struct {
	Method         string `json:"method"`
	Args           []any  `json:"args"`
	Query          bool   `json:"query"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Gateway performs signed chain operations on behalf of the bot. The raw
// response is chain specific and goes through the normalizer.
type Gateway interface {
	Call(ctx context.Context, call GatewayCall) ([]byte, error)
}
