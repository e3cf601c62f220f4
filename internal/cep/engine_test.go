package cep

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"telegate/internal/model"
)

type fakeRuleStore struct {
	mu      sync.Mutex
	rules   []model.CEPRule
	matched map[string]int
}

func (f *fakeRuleStore) ActiveCEPRules(_ context.Context) ([]model.CEPRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) UpdateCEPMatch(_ context.Context, ruleID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matched == nil {
		f.matched = make(map[string]int)
	}
	f.matched[ruleID]++
	return nil
}

func (f *fakeRuleStore) matchCount(ruleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matched[ruleID]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, env model.Envelope) error {
	f.mu.Lock()
	f.events = append(f.events, env)
	f.mu.Unlock()
	return nil
}

func cepRule(id, tenant, pattern string) model.CEPRule {
	return model.CEPRule{
		ID:       id,
		TenantID: tenant,
		IsActive: true,
		Pattern:  json.RawMessage(pattern),
		Action:   json.RawMessage(`{"type":"publish","target":"alerts"}`),
	}
}

func feed(b *Buffer, tenant string, payloads ...map[string]any) {
	for _, p := range payloads {
		b.Append(model.Envelope{
			DeviceID:  "d1",
			Payload:   p,
			Metadata:  map[string]any{"tenant_id": tenant},
			Timestamp: time.Now().UTC(),
		})
	}
}

func newTestEngine(store *fakeRuleStore, buffer *Buffer, pub *fakePublisher) *Engine {
	return NewEngine(store, buffer, pub, time.Second, 0, nil)
}

func TestAggregateAverage(t *testing.T) {
	store := &fakeRuleStore{rules: []model.CEPRule{
		cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"avg","threshold":12,"operator":">="}`),
	}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	feed(buffer, "t1",
		map[string]any{"temp": float64(10)},
		map[string]any{"temp": float64(12)},
		map[string]any{"temp": float64(14)},
	)

	e := newTestEngine(store, buffer, pub)
	e.Sweep(context.Background())

	if len(pub.events) != 1 {
		t.Fatalf("avg 12 >= 12 should match, got %d events", len(pub.events))
	}
	if store.matchCount("agg") != 1 {
		t.Fatalf("match bookkeeping not persisted")
	}
	ev := pub.events[0]
	if ev.Payload["cep_rule_id"] != "agg" || ev.Payload["event_count"] != 3 {
		t.Fatalf("synthetic event payload: %+v", ev.Payload)
	}
	if ev.Metadata["source"] != "cep" || ev.Metadata["tenant_id"] != "t1" {
		t.Fatalf("synthetic event metadata: %+v", ev.Metadata)
	}
}

func TestAggregateBelowThreshold(t *testing.T) {
	store := &fakeRuleStore{rules: []model.CEPRule{
		cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"avg","threshold":12,"operator":">"}`),
	}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	feed(buffer, "t1",
		map[string]any{"temp": float64(10)},
		map[string]any{"temp": float64(14)},
	)

	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("avg 12 > 12 must not match")
	}
}

func TestSequencePattern(t *testing.T) {
	pattern := `{"type":"sequence","steps":[
		{"condition":{"field":"state","op":"==","value":"arm"}},
		{"condition":{"field":"state","op":"==","value":"fire"}}
	]}`
	store := &fakeRuleStore{rules: []model.CEPRule{cepRule("seq", "t1", pattern)}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}

	// Out of order: fire before arm, the sequence must not match.
	feed(buffer, "t1", map[string]any{"state": "fire"}, map[string]any{"state": "idle"})
	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("incomplete sequence matched")
	}

	feed(buffer, "t1", map[string]any{"state": "arm"}, map[string]any{"state": "fire"})
	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 1 {
		t.Fatalf("ordered sequence should match, got %d", len(pub.events))
	}
}

func TestWindowPattern(t *testing.T) {
	pattern := `{"type":"window","conditions":[
		{"field":"kind","op":"==","value":"door"},
		{"field":"kind","op":"==","value":"motion"}
	]}`
	store := &fakeRuleStore{rules: []model.CEPRule{cepRule("win", "t1", pattern)}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}

	// Order does not matter for window patterns.
	feed(buffer, "t1", map[string]any{"kind": "motion"}, map[string]any{"kind": "door"})
	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 1 {
		t.Fatalf("window pattern should match regardless of order")
	}
}

func TestMinEventsGate(t *testing.T) {
	rule := cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"count","threshold":1}`)
	rule.MinEvents = 5
	store := &fakeRuleStore{rules: []model.CEPRule{rule}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	feed(buffer, "t1", map[string]any{"temp": 1.0}, map[string]any{"temp": 2.0})

	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("min_events gate should suppress the match")
	}
}

func TestRuleLevelCondition(t *testing.T) {
	rule := cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"count"}`)
	rule.Condition = json.RawMessage(`{"field":"metadata.event_count","op":">=","value":3}`)
	store := &fakeRuleStore{rules: []model.CEPRule{rule}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	feed(buffer, "t1", map[string]any{"temp": 1.0}, map[string]any{"temp": 2.0})

	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("rule condition on event_count should suppress with 2 events")
	}

	feed(buffer, "t1", map[string]any{"temp": 3.0})
	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 1 {
		t.Fatalf("rule condition should pass with 3 events")
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	rule := cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"count","threshold":1}`)
	rule.CooldownSeconds = 60
	store := &fakeRuleStore{rules: []model.CEPRule{rule}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	feed(buffer, "t1", map[string]any{"temp": 1.0})

	e := newTestEngine(store, buffer, pub)
	e.Sweep(context.Background())
	e.Sweep(context.Background())
	if len(pub.events) != 1 {
		t.Fatalf("cooldown should suppress the second sweep, got %d", len(pub.events))
	}
	if store.matchCount("agg") != 1 {
		t.Fatalf("suppressed match must not be persisted")
	}
}

func TestTenantScoping(t *testing.T) {
	store := &fakeRuleStore{rules: []model.CEPRule{
		cepRule("agg", "t1", `{"type":"aggregate","field":"temp","aggregate":"count","threshold":1}`),
	}}
	buffer := NewBuffer(100, time.Hour)
	pub := &fakePublisher{}
	// Only t2 has traffic; the t1 rule must not see it.
	feed(buffer, "t2", map[string]any{"temp": 1.0})

	newTestEngine(store, buffer, pub).Sweep(context.Background())
	if len(pub.events) != 0 {
		t.Fatalf("rule matched events from another tenant")
	}
}
