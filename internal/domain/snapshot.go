package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QueryKind selects what a snapshot query reads.
type QueryKind string

const (
	QueryBalance  QueryKind = "balance"
	QueryPosition QueryKind = "position"
	QueryAPY      QueryKind = "apy"
	QueryPrice    QueryKind = "price"
)

// Query is one read needed by an evaluation cycle.
type Query struct {
	Kind     QueryKind
	Chain    Chain
	Asset    string
	Protocol string
}

// Key identifies the query inside a snapshot.
func (q Query) Key() string {
	switch q.Kind {
	case QueryPrice:
		return fmt.Sprintf("price:%s", q.Asset)
	case QueryPosition, QueryAPY:
		return fmt.Sprintf("%s:%s:%s:%s", q.Kind, q.Chain, q.Protocol, q.Asset)
	default:
		return fmt.Sprintf("%s:%s:%s", q.Kind, q.Chain, q.Asset)
	}
}

// BalanceQuery, PriceQuery and APYQuery are shorthands for rule evaluators.
func BalanceQuery(chain Chain, asset string) Query {
	return Query{Kind: QueryBalance, Chain: chain, Asset: asset}
}

func PriceQuery(asset string) Query {
	return Query{Kind: QueryPrice, Asset: NormalizeAsset(asset)}
}

// NormalizeAsset upper-cases an asset symbol. Contract or mint addresses are
// returned unchanged apart from surrounding space.
func NormalizeAsset(asset string) string {
	asset = strings.TrimSpace(asset)
	if len(asset) <= 12 {
		return strings.ToUpper(asset)
	}
	return asset
}

func APYQuery(chain Chain, protocol, asset string) Query {
	return Query{Kind: QueryAPY, Chain: chain, Protocol: protocol, Asset: asset}
}

// Reading is one value of a snapshot. Known is false when the read failed;
// Value is then meaningless and Err says why.
type Reading struct {
	Value decimal.Decimal `json:"value"`
	Known bool            `json:"known"`
	Err   string          `json:"error,omitempty"`
}

// KnownReading and UnknownReading construct readings.
func KnownReading(v decimal.Decimal) Reading { return Reading{Value: v, Known: true} }

func UnknownReading(err error) Reading {
	r := Reading{}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// PositionSnapshot is a point-in-time bundle of readings for one cycle.
type PositionSnapshot struct {
	TakenAt  time.Time          `json:"taken_at"`
	Readings map[string]Reading `json:"readings"`
}

// Get returns the reading for q. A query that was never issued is unknown.
func (s PositionSnapshot) Get(q Query) Reading {
	if r, ok := s.Readings[q.Key()]; ok {
		return r
	}
	return Reading{Err: "not queried"}
}

// Unknown counts failed reads.
func (s PositionSnapshot) Unknown() int {
	n := 0
	for _, r := range s.Readings {
		if !r.Known {
			n++
		}
	}
	return n
}
