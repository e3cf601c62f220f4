package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"telegate/internal/metrics"
	"telegate/internal/model"
)

// Result is the outcome of one evaluation pass for one envelope.
type Result struct {
	Payload    map[string]any
	Metadata   map[string]any
	Target     string
	Dropped    bool
	DropReason string
	RuleName   string
	ActionType string
}

type RuleSource interface {
	RulesForDevice(ctx context.Context, deviceID string) ([]model.Rule, error)
}

type compiledRule struct {
	id        string
	priority  int
	condition *Condition
	action    *Action
}

type cacheEntry struct {
	rules   []compiledRule
	fetched time.Time
}

// Engine evaluates a device's active rules against each envelope in
// ascending (priority, id) order. Rules are fetched from the source and
// cached per device with a short TTL; DeviceState lives here for the process
// lifetime. One mutex covers states and cache: critical sections are map
// work only, rule fetches happen outside the lock.
type Engine struct {
	source  RuleSource
	logger  *slog.Logger
	metrics *metrics.Store

	mu     sync.Mutex
	ttl    time.Duration
	cache  map[string]cacheEntry
	states map[string]*DeviceState
}

func NewEngine(source RuleSource, ttl time.Duration, logger *slog.Logger, metricsStore *metrics.Store) *Engine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{
		source:  source,
		logger:  logger,
		metrics: metricsStore,
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
		states:  make(map[string]*DeviceState),
	}
}

func (e *Engine) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e.mu.Lock()
	e.ttl = ttl
	e.mu.Unlock()
}

// Invalidate flushes the cached rules for one device; the next envelope
// refetches from the source.
func (e *Engine) Invalidate(deviceID string) {
	e.mu.Lock()
	delete(e.cache, deviceID)
	e.mu.Unlock()
}

func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.mu.Unlock()
}

// Reset drops all cached rules and device state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.states = make(map[string]*DeviceState)
	e.mu.Unlock()
}

// Evaluate runs one pass. The input envelope is never mutated; the result
// carries fresh payload/metadata copies. Whatever rules fire, DeviceState is
// updated from the final payload exactly once at the end.
func (e *Engine) Evaluate(ctx context.Context, env model.Envelope) Result {
	ruleSet := e.rulesFor(ctx, env.DeviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[env.DeviceID]
	if !ok {
		state = newDeviceState()
		e.states[env.DeviceID] = state
	}

	result := Result{
		Payload:  model.CloneMap(env.Payload),
		Metadata: model.CloneMap(env.Metadata),
	}
	if result.Payload == nil {
		result.Payload = make(map[string]any)
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}

	working := model.Envelope{
		DeviceID:  env.DeviceID,
		Payload:   result.Payload,
		Metadata:  result.Metadata,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
	}

	for i := range ruleSet {
		rule := &ruleSet[i]
		if !rule.condition.Matches(&working, state) {
			continue
		}
		result.RuleName = rule.id
		result.ActionType = rule.action.Type
		if e.metrics != nil {
			e.metrics.RuleMatch(rule.id, rule.action.Type)
		}
		if e.logger != nil {
			e.logger.Debug("rule matched", "device_id", env.DeviceID, "rule", rule.id, "action", rule.action.Type)
		}
		switch rule.action.Type {
		case ActionDrop:
			result.Dropped = true
			result.DropReason = rule.action.Reason
			if result.DropReason == "" {
				result.DropReason = "dropped by rule " + rule.id
			}
		case ActionRoute:
			result.Target = rule.action.Target
		case ActionMutate:
			rule.action.applyMutate(result.Payload, result.Metadata)
		case ActionIncrementCounter, ActionResetCounter, ActionSetFlag:
			rule.action.applyState(state)
		}
		if result.Dropped || rule.action.stopAfter() {
			break
		}
	}

	state.observe(time.Now().UTC(), result.Payload)
	return result
}

// Counters returns a copy of a device's rule counters and flags.
func (e *Engine) Counters(deviceID string) (map[string]int, map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[deviceID]
	if !ok {
		return nil, nil
	}
	counters := make(map[string]int, len(state.Counters))
	for k, v := range state.Counters {
		counters[k] = v
	}
	flags := make(map[string]bool, len(state.Flags))
	for k, v := range state.Flags {
		flags[k] = v
	}
	return counters, flags
}

func (e *Engine) rulesFor(ctx context.Context, deviceID string) []compiledRule {
	e.mu.Lock()
	entry, ok := e.cache[deviceID]
	ttl := e.ttl
	e.mu.Unlock()
	if ok && time.Since(entry.fetched) < ttl {
		return entry.rules
	}

	raw, err := e.source.RulesForDevice(ctx, deviceID)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("rule fetch failed", "device_id", deviceID, "err", err)
		}
		// Stale rules beat no rules while the source is down.
		if ok {
			return entry.rules
		}
		return nil
	}

	compiled := compileRules(raw, e.logger)
	e.mu.Lock()
	e.cache[deviceID] = cacheEntry{rules: compiled, fetched: time.Now()}
	e.mu.Unlock()
	return compiled
}

// compileRules builds the evaluation-ready set: inactive and malformed rules
// are skipped (a bad rule never blocks ingestion), the rest sort by
// ascending priority with ties broken by ascending id.
func compileRules(raw []model.Rule, logger *slog.Logger) []compiledRule {
	out := make([]compiledRule, 0, len(raw))
	for _, r := range raw {
		if !r.IsActive {
			continue
		}
		cond, err := CompileCondition(r.Condition)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping rule with malformed condition", "rule", r.ID, "err", err)
			}
			continue
		}
		action, err := compileAction(r.Action)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping rule with malformed action", "rule", r.ID, "err", err)
			}
			continue
		}
		out = append(out, compiledRule{id: r.ID, priority: r.Priority, condition: cond, action: action})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].id < out[j].id
	})
	return out
}
