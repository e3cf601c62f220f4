package rules

import (
	"encoding/json"
	"strings"
	"time"

	"telegate/internal/model"
)

type Operator int

const (
	OpInvalid Operator = iota
	OpEq
	OpNeq
	OpGt
	OpLt
	OpGte
	OpLte
	OpIn
	OpNotIn
	OpContains
	OpStartsWith
	OpEndsWith
	OpExists
	OpNotExists
	// Stateful operators consult DeviceState.
	OpChanged
	OpIncreasedBy
	OpDecreasedBy
	OpConsecutiveAbove
	OpConsecutiveBelow
	OpRateOfChange
)

var operatorNames = map[string]Operator{
	"==":                OpEq,
	"!=":                OpNeq,
	">":                 OpGt,
	"<":                 OpLt,
	">=":                OpGte,
	"<=":                OpLte,
	"in":                OpIn,
	"not_in":            OpNotIn,
	"contains":          OpContains,
	"starts_with":       OpStartsWith,
	"ends_with":         OpEndsWith,
	"exists":            OpExists,
	"not_exists":        OpNotExists,
	"changed":           OpChanged,
	"increased_by":      OpIncreasedBy,
	"decreased_by":      OpDecreasedBy,
	"consecutive_above": OpConsecutiveAbove,
	"consecutive_below": OpConsecutiveBelow,
	"rate_of_change":    OpRateOfChange,
}

func (o Operator) stateful() bool {
	return o >= OpChanged
}

type combinator int

const (
	combLeaf combinator = iota
	combAll
	combAny
	combNone
)

// Condition is a compiled node of the rule DSL: either a combinator over
// children or a leaf comparison. Built once when rules load, evaluated per
// message. Evaluation never mutates the envelope and converts every internal
// failure (missing field, type mismatch, bad operator) into "not matched".
type Condition struct {
	comb     combinator
	children []Condition
	field    string
	op       Operator
	value    any
	count    int
	window   time.Duration
}

type rawCondition struct {
	All           []rawCondition `json:"all"`
	Any           []rawCondition `json:"any"`
	None          []rawCondition `json:"none"`
	Field         string         `json:"field"`
	Op            string         `json:"op"`
	Value         any            `json:"value"`
	Count         int            `json:"count"`
	WindowSeconds int            `json:"window_seconds"`
}

// CompileCondition parses a condition tree from its stored JSON form.
func CompileCondition(raw json.RawMessage) (*Condition, error) {
	var rc rawCondition
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, err
	}
	c := compileNode(rc)
	return &c, nil
}

func compileNode(rc rawCondition) Condition {
	switch {
	case len(rc.All) > 0:
		return Condition{comb: combAll, children: compileChildren(rc.All)}
	case len(rc.Any) > 0:
		return Condition{comb: combAny, children: compileChildren(rc.Any)}
	case len(rc.None) > 0:
		return Condition{comb: combNone, children: compileChildren(rc.None)}
	}
	window := time.Duration(rc.WindowSeconds) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	count := rc.Count
	if count <= 0 {
		count = 3
	}
	return Condition{
		comb:   combLeaf,
		field:  rc.Field,
		op:     operatorNames[strings.TrimSpace(rc.Op)],
		value:  rc.Value,
		count:  count,
		window: window,
	}
}

func compileChildren(raw []rawCondition) []Condition {
	out := make([]Condition, 0, len(raw))
	for _, rc := range raw {
		out = append(out, compileNode(rc))
	}
	return out
}

// Matches evaluates the tree against an envelope. state may be nil (as in CEP
// evaluation), in which case stateful leaves never match.
func (c *Condition) Matches(env *model.Envelope, state *DeviceState) bool {
	switch c.comb {
	case combAll:
		for i := range c.children {
			if !c.children[i].Matches(env, state) {
				return false
			}
		}
		return true
	case combAny:
		for i := range c.children {
			if c.children[i].Matches(env, state) {
				return true
			}
		}
		return false
	case combNone:
		for i := range c.children {
			if c.children[i].Matches(env, state) {
				return false
			}
		}
		return true
	}
	return c.matchLeaf(env, state)
}

func (c *Condition) matchLeaf(env *model.Envelope, state *DeviceState) bool {
	if c.op == OpInvalid || c.field == "" {
		return false
	}
	if c.op.stateful() {
		return c.matchStateful(env, state)
	}

	value, found := fieldValue(env, c.field)
	switch c.op {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}
	if !found {
		return false
	}

	switch c.op {
	case OpEq:
		return valuesEqual(value, c.value)
	case OpNeq:
		return !valuesEqual(value, c.value)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(c.value)
		if !aok || !bok {
			return false
		}
		switch c.op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpIn, OpNotIn:
		list, ok := c.value.([]any)
		if !ok {
			return false
		}
		in := false
		for _, item := range list {
			if valuesEqual(value, item) {
				in = true
				break
			}
		}
		if c.op == OpIn {
			return in
		}
		return !in
	case OpContains:
		if s, ok := value.(string); ok {
			sub, ok := c.value.(string)
			return ok && strings.Contains(s, sub)
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if valuesEqual(item, c.value) {
					return true
				}
			}
		}
		return false
	case OpStartsWith:
		s, sok := value.(string)
		prefix, pok := c.value.(string)
		return sok && pok && strings.HasPrefix(s, prefix)
	case OpEndsWith:
		s, sok := value.(string)
		suffix, pok := c.value.(string)
		return sok && pok && strings.HasSuffix(s, suffix)
	}
	return false
}

func (c *Condition) matchStateful(env *model.Envelope, state *DeviceState) bool {
	if state == nil {
		return false
	}
	field := strings.TrimPrefix(c.field, "payload.")

	switch c.op {
	case OpChanged:
		last, seen := state.LastValues[field]
		if !seen {
			return false
		}
		current, found := fieldValue(env, c.field)
		return found && !valuesEqual(current, last)
	case OpIncreasedBy, OpDecreasedBy:
		current, found := fieldValue(env, c.field)
		cur, cok := toFloat(current)
		if !found || !cok {
			return false
		}
		last, lok := toFloat(state.LastValues[field])
		if !lok {
			return false
		}
		threshold, tok := toFloat(c.value)
		if !tok {
			return false
		}
		if c.op == OpIncreasedBy {
			return cur-last >= threshold
		}
		return last-cur >= threshold
	case OpConsecutiveAbove, OpConsecutiveBelow:
		threshold, tok := toFloat(c.value)
		if !tok {
			return false
		}
		samples := state.Recent(field, c.window)
		if len(samples) < c.count {
			return false
		}
		for _, s := range samples[len(samples)-c.count:] {
			if c.op == OpConsecutiveAbove && s.Value <= threshold {
				return false
			}
			if c.op == OpConsecutiveBelow && s.Value >= threshold {
				return false
			}
		}
		return true
	case OpRateOfChange:
		current, found := fieldValue(env, c.field)
		cur, cok := toFloat(current)
		if !found || !cok {
			return false
		}
		threshold, tok := toFloat(c.value)
		if !tok {
			return false
		}
		samples := state.Recent(field, c.window)
		if len(samples) == 0 {
			return false
		}
		oldest := samples[0]
		dt := env.Timestamp.Sub(oldest.At).Seconds()
		if dt <= 0 {
			return false
		}
		return (cur-oldest.Value)/dt >= threshold
	}
	return false
}

// fieldValue resolves a dotted path against the envelope. Paths prefixed
// "payload." or "metadata." address the respective map; "device_id" addresses
// the device id; bare paths address the payload.
func fieldValue(env *model.Envelope, path string) (any, bool) {
	if path == "device_id" {
		return env.DeviceID, true
	}
	root := env.Payload
	switch {
	case strings.HasPrefix(path, "payload."):
		path = strings.TrimPrefix(path, "payload.")
	case strings.HasPrefix(path, "metadata."):
		root = env.Metadata
		path = strings.TrimPrefix(path, "metadata.")
	}
	return lookupPath(root, path)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}
