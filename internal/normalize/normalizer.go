// Package normalize maps the heterogeneous gateway responses of each
// (chain, operation) pair into one domain.OperationOutcome. Every pair needs
// an explicit Mapping; there is no field guessing.
package normalize

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Shape is the envelope of a raw gateway response.
type Shape int

const (
	// ShapeTagged is a two-variant result: {"ok": payload} or {"err": reason}.
	// Candid-style "Ok"/"Err" keys are accepted too.
	ShapeTagged Shape = iota + 1
	// ShapeFlat is a record that always carries a boolean "success" field
	// plus an optional "error" or "message".
	ShapeFlat
	// ShapeRecord is a plain value that is the payload itself. Used by reads
	// that cannot fail at the gateway level, such as address lookups.
	ShapeRecord
)

func (s Shape) String() string {
	switch s {
	case ShapeTagged:
		return "tagged"
	case ShapeFlat:
		return "flat"
	case ShapeRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Path addresses a value inside the payload. An empty, non-nil Path is the
// payload itself; a nil Path means the field is not mapped.
type Path []string

// Self addresses the whole payload.
var Self = Path{}

// P builds a Path.
func P(keys ...string) Path { return Path(keys) }

func (p Path) String() string {
	if len(p) == 0 {
		return "."
	}
	return strings.Join(p, ".")
}

// Mapping describes how to read one (chain, operation) response.
type Mapping struct {
	Shape      Shape
	Identifier Path
	Value      Path
	Message    Path
	Extra      map[string]Path
}

// Key identifies a mapping.
type Key struct {
	Chain domain.Chain
	Op    domain.Operation
}

// Normalizer holds the mapping table. It is safe for concurrent use.
type Normalizer struct {
	mu       sync.RWMutex
	mappings map[Key]Mapping
	now      func() time.Time
}

// New creates a Normalizer with the given table.
func New(table map[Key]Mapping) *Normalizer {
	m := make(map[Key]Mapping, len(table))
	for k, v := range table {
		m[k] = v
	}
	return &Normalizer{mappings: m, now: func() time.Time { return time.Now().UTC() }}
}

// Default creates a Normalizer with the built-in gateway table.
func Default() *Normalizer { return New(DefaultMappings()) }

// Register adds or replaces the mapping of one pair.
func (n *Normalizer) Register(chain domain.Chain, op domain.Operation, m Mapping) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappings[Key{Chain: chain, Op: op}] = m
}

// Lookup returns the mapping of a pair.
func (n *Normalizer) Lookup(chain domain.Chain, op domain.Operation) (Mapping, error) {
	n.mu.RLock()
	m, ok := n.mappings[Key{Chain: chain, Op: op}]
	n.mu.RUnlock()
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s/%s", domain.ErrUnmappedOperation, chain, op)
	}
	return m, nil
}

// Keys lists every mapped pair in a stable order.
func (n *Normalizer) Keys() []Key {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]Key, 0, len(n.mappings))
	for k := range n.mappings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Chain != keys[j].Chain {
			return keys[i].Chain < keys[j].Chain
		}
		return keys[i].Op < keys[j].Op
	})
	return keys
}

// Normalize converts a raw response into an outcome. It returns
// domain.ErrUnmappedOperation for pairs without a mapping and
// domain.ErrMalformedResponse when the response does not match its mapping.
// A gateway-reported failure is not an error: it is an outcome with
// Success false.
func (n *Normalizer) Normalize(chain domain.Chain, op domain.Operation, raw []byte) (domain.OperationOutcome, error) {
	m, err := n.Lookup(chain, op)
	if err != nil {
		return domain.OperationOutcome{}, err
	}

	doc, err := decode(raw)
	if err != nil {
		return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s: %v", domain.ErrMalformedResponse, chain, op, err)
	}

	out := domain.OperationOutcome{
		Chain:       chain,
		Op:          op,
		CompletedAt: n.now(),
	}

	payload, ok, reason, err := unwrap(m.Shape, doc)
	if err != nil {
		return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s: %v", domain.ErrMalformedResponse, chain, op, err)
	}
	if !ok {
		out.Success = false
		out.Message = reason
		if m.Message != nil {
			if v, found := lookup(payload, m.Message); found {
				out.Message = stringify(v)
			}
		}
		if out.Message == "" {
			out.Message = "gateway reported failure"
		}
		return out, nil
	}

	out.Success = true
	if m.Identifier != nil {
		v, found := lookup(payload, m.Identifier)
		if !found || stringify(v) == "" {
			return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s: identifier %s missing", domain.ErrMalformedResponse, chain, op, m.Identifier)
		}
		out.PrimaryIdentifier = stringify(v)
	}
	if m.Message != nil {
		if v, found := lookup(payload, m.Message); found {
			out.Message = stringify(v)
		}
	}

	fields := make(map[string]string, len(m.Extra)+1)
	if m.Value != nil {
		v, found := lookup(payload, m.Value)
		if !found {
			return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s: value %s missing", domain.ErrMalformedResponse, chain, op, m.Value)
		}
		d, err := decimal.NewFromString(stringify(v))
		if err != nil {
			return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s: value %s is not numeric", domain.ErrMalformedResponse, chain, op, m.Value)
		}
		fields[domain.FieldValue] = d.String()
	}
	for name, path := range m.Extra {
		if v, found := lookup(payload, path); found && v != nil {
			fields[name] = stringify(v)
		}
	}
	if len(fields) > 0 {
		out.RawFields = fields
	}
	return out, nil
}

func decode(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// unwrap applies the envelope rules of shape and returns the payload, whether
// the gateway reported success, and the failure reason.
func unwrap(shape Shape, doc any) (payload any, ok bool, reason string, err error) {
	switch shape {
	case ShapeTagged:
		obj, isObj := doc.(map[string]any)
		if !isObj || len(obj) != 1 {
			return nil, false, "", fmt.Errorf("tagged result must be an object with one variant")
		}
		for _, k := range []string{"ok", "Ok"} {
			if v, found := obj[k]; found {
				return v, true, "", nil
			}
		}
		for _, k := range []string{"err", "Err"} {
			if v, found := obj[k]; found {
				return v, false, stringify(v), nil
			}
		}
		return nil, false, "", fmt.Errorf("unknown variant in tagged result")

	case ShapeFlat:
		obj, isObj := doc.(map[string]any)
		if !isObj {
			return nil, false, "", fmt.Errorf("flat result must be an object")
		}
		success, isBool := obj["success"].(bool)
		if !isBool {
			return nil, false, "", fmt.Errorf("flat result has no boolean success field")
		}
		if success {
			return obj, true, "", nil
		}
		for _, k := range []string{"error", "message"} {
			if v, found := obj[k]; found && v != nil {
				if s := stringify(v); s != "" {
					return obj, false, s, nil
				}
			}
		}
		return obj, false, "", nil

	case ShapeRecord:
		return doc, true, "", nil

	default:
		return nil, false, "", fmt.Errorf("mapping has no shape")
	}
}

func lookup(v any, path Path) (any, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case fmt.Stringer:
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
