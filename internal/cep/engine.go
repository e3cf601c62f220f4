package cep

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"telegate/internal/model"
	"telegate/internal/rules"
)

type RuleStore interface {
	ActiveCEPRules(ctx context.Context) ([]model.CEPRule, error)
	UpdateCEPMatch(ctx context.Context, ruleID string, matchedAt time.Time) error
}

// Publisher receives synthetic events for CEP rules whose action publishes.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// MatchContext carries the matched-event set into action execution.
type MatchContext struct {
	Events     []model.Envelope
	EventCount int
	FirstEvent *model.Envelope
	LastEvent  *model.Envelope
}

type pattern struct {
	Type       string            `json:"type"`
	Steps      []patternStep     `json:"steps,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
	Field      string            `json:"field,omitempty"`
	Aggregate  string            `json:"aggregate,omitempty"`
	Threshold  *float64          `json:"threshold,omitempty"`
	Operator   string            `json:"operator,omitempty"`
}

type patternStep struct {
	DeviceID  string          `json:"device_id,omitempty"`
	Condition json.RawMessage `json:"condition"`
}

type cepAction struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// Engine runs tenant-scoped pattern detection over the buffers on a fixed
// interval, off the ingestion path. Ingestion's only CEP cost is the buffer
// append.
type Engine struct {
	store     RuleStore
	buffer    *Buffer
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	cooldown  time.Duration

	mu          sync.Mutex
	lastMatched map[string]time.Time
}

func NewEngine(store RuleStore, buffer *Buffer, publisher Publisher, interval, cooldown time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Engine{
		store:       store,
		buffer:      buffer,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		cooldown:    cooldown,
		lastMatched: make(map[string]time.Time),
	}
}

// Run loops until ctx is done, evaluating all active rules once per
// interval.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep loads the active rules and evaluates each against its tenant buffer.
func (e *Engine) Sweep(ctx context.Context) {
	ruleSet, err := e.store.ActiveCEPRules(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("cep rule load failed", "err", err)
		}
		return
	}
	for i := range ruleSet {
		e.evaluateRule(ctx, &ruleSet[i])
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule *model.CEPRule) {
	window := time.Duration(rule.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	events := e.buffer.Snapshot("tenant_"+rule.TenantID, window)
	if rule.MinEvents > 0 && len(events) < rule.MinEvents {
		return
	}

	matched, ok := e.matchPattern(rule, events)
	if !ok {
		return
	}
	if !e.conditionHolds(rule, matched) {
		return
	}
	if !e.allowMatch(rule) {
		return
	}

	mc := MatchContext{Events: matched, EventCount: len(matched)}
	if len(matched) > 0 {
		mc.FirstEvent = &matched[0]
		mc.LastEvent = &matched[len(matched)-1]
	}
	e.execute(ctx, rule, mc)

	now := time.Now().UTC()
	if err := e.store.UpdateCEPMatch(ctx, rule.ID, now); err != nil {
		if e.logger != nil {
			e.logger.Warn("cep match bookkeeping failed", "rule", rule.ID, "err", err)
		}
	}
}

func (e *Engine) matchPattern(rule *model.CEPRule, events []model.Envelope) ([]model.Envelope, bool) {
	var p pattern
	if err := json.Unmarshal(rule.Pattern, &p); err != nil {
		if e.logger != nil {
			e.logger.Warn("cep rule has malformed pattern", "rule", rule.ID, "err", err)
		}
		return nil, false
	}
	switch strings.ToLower(p.Type) {
	case "sequence":
		return matchSequence(p.Steps, events)
	case "window":
		return matchWindow(p.Conditions, events)
	case "aggregate":
		return matchAggregate(&p, events)
	}
	return nil, false
}

// matchSequence walks the buffered events forward, consuming one event per
// step; every consumed step advances the cursor so later steps only see later
// events. Any step without a match fails the pattern.
func matchSequence(steps []patternStep, events []model.Envelope) ([]model.Envelope, bool) {
	if len(steps) == 0 {
		return nil, false
	}
	matched := make([]model.Envelope, 0, len(steps))
	cursor := 0
	for _, step := range steps {
		cond, err := rules.CompileCondition(step.Condition)
		if err != nil {
			return nil, false
		}
		found := false
		for ; cursor < len(events); cursor++ {
			ev := events[cursor]
			if step.DeviceID != "" && ev.DeviceID != step.DeviceID {
				continue
			}
			if cond.Matches(&ev, nil) {
				matched = append(matched, ev)
				cursor++
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return matched, true
}

// matchWindow requires each condition to be satisfied by some event in the
// window; order does not matter.
func matchWindow(conditions []json.RawMessage, events []model.Envelope) ([]model.Envelope, bool) {
	if len(conditions) == 0 {
		return nil, false
	}
	matched := make([]model.Envelope, 0, len(conditions))
	for _, raw := range conditions {
		cond, err := rules.CompileCondition(raw)
		if err != nil {
			return nil, false
		}
		found := false
		for i := range events {
			if cond.Matches(&events[i], nil) {
				matched = append(matched, events[i])
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return matched, true
}

// matchAggregate extracts a numeric field across the buffered events,
// aggregates it, and compares against the threshold. With no threshold the
// pattern matches whenever the aggregate could be computed at all.
func matchAggregate(p *pattern, events []model.Envelope) ([]model.Envelope, bool) {
	values := make([]float64, 0, len(events))
	matched := make([]model.Envelope, 0, len(events))
	for i := range events {
		if v, ok := numericField(&events[i], p.Field); ok {
			values = append(values, v)
			matched = append(matched, events[i])
		}
	}
	agg := strings.ToLower(p.Aggregate)
	if len(values) == 0 && agg != "count" {
		return nil, false
	}

	var result float64
	switch agg {
	case "count":
		result = float64(len(values))
	case "sum":
		for _, v := range values {
			result += v
		}
	case "avg", "":
		for _, v := range values {
			result += v
		}
		result /= float64(len(values))
	case "min":
		result = values[0]
		for _, v := range values[1:] {
			if v < result {
				result = v
			}
		}
	case "max":
		result = values[0]
		for _, v := range values[1:] {
			if v > result {
				result = v
			}
		}
	default:
		return nil, false
	}

	if p.Threshold == nil {
		return matched, true
	}
	op := p.Operator
	if op == "" {
		op = ">="
	}
	switch op {
	case ">=":
		return matched, result >= *p.Threshold
	case "<=":
		return matched, result <= *p.Threshold
	case ">":
		return matched, result > *p.Threshold
	case "<":
		return matched, result < *p.Threshold
	case "==":
		return matched, result == *p.Threshold
	}
	return nil, false
}

// conditionHolds evaluates the rule-level condition against the matched set.
// The condition sees the last matched event plus match bookkeeping under
// metadata (event_count), using the same leaf vocabulary as device rules.
func (e *Engine) conditionHolds(rule *model.CEPRule, matched []model.Envelope) bool {
	if len(rule.Condition) == 0 || string(rule.Condition) == "null" || len(matched) == 0 {
		return true
	}
	cond, err := rules.CompileCondition(rule.Condition)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("cep rule has malformed condition", "rule", rule.ID, "err", err)
		}
		return false
	}
	last := matched[len(matched)-1].Clone()
	if last.Metadata == nil {
		last.Metadata = make(map[string]any)
	}
	last.Metadata["event_count"] = len(matched)
	return cond.Matches(&last, nil)
}

func (e *Engine) execute(ctx context.Context, rule *model.CEPRule, mc MatchContext) {
	var action cepAction
	if len(rule.Action) > 0 {
		_ = json.Unmarshal(rule.Action, &action)
	}
	if e.logger != nil {
		e.logger.Info("cep pattern matched",
			"rule", rule.ID,
			"tenant_id", rule.TenantID,
			"event_count", mc.EventCount,
			"action", action.Type,
		)
	}
	if action.Type != "publish" || e.publisher == nil || mc.LastEvent == nil {
		return
	}
	now := time.Now().UTC()
	env := model.Envelope{
		DeviceID: mc.LastEvent.DeviceID,
		Payload: map[string]any{
			"cep_rule_id": rule.ID,
			"event_count": mc.EventCount,
			"first_event": mc.FirstEvent.Payload,
			"last_event":  mc.LastEvent.Payload,
		},
		Metadata: map[string]any{
			"source":    "cep",
			"tenant_id": rule.TenantID,
			"target":    action.Target,
			"timestamp": now.Format(time.RFC3339Nano),
		},
		Timestamp: now,
	}
	if err := e.publisher.Publish(ctx, env); err != nil && e.logger != nil {
		e.logger.Warn("cep publish failed", "rule", rule.ID, "err", err)
	}
}

// allowMatch enforces the per-rule refire cooldown so a persistent pattern
// does not fire on every sweep.
func (e *Engine) allowMatch(rule *model.CEPRule) bool {
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = e.cooldown
	}
	if cooldown <= 0 {
		return true
	}
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastMatched[rule.ID]; ok && now.Sub(last) < cooldown {
		return false
	}
	e.lastMatched[rule.ID] = now
	return true
}

func numericField(env *model.Envelope, field string) (float64, bool) {
	if field == "" {
		return 0, false
	}
	var current any = env.Payload
	for _, part := range strings.Split(strings.TrimPrefix(field, "payload."), ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return 0, false
		}
		current, ok = node[part]
		if !ok {
			return 0, false
		}
	}
	switch v := current.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
