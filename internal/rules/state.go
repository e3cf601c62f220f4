package rules

import (
	"strings"
	"time"
)

const (
	historyLimit  = 256
	historyMaxAge = time.Hour
)

type Sample struct {
	At    time.Time
	Value float64
}

// DeviceState is the per-device mutable record owned by the engine. Created
// lazily on first message, never persisted; rules re-learn state from traffic
// after a restart.
type DeviceState struct {
	LastValues map[string]any
	History    map[string][]Sample
	Counters   map[string]int
	Flags      map[string]bool
	LastUpdate time.Time
}

func newDeviceState() *DeviceState {
	return &DeviceState{
		LastValues: make(map[string]any),
		History:    make(map[string][]Sample),
		Counters:   make(map[string]int),
		Flags:      make(map[string]bool),
	}
}

// Recent returns the history samples for field within the window, oldest
// first. Entries past the age cutoff are purged before the read.
func (s *DeviceState) Recent(field string, window time.Duration) []Sample {
	samples := s.purge(field, time.Now().UTC())
	if len(samples) == 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-window)
	start := 0
	for start < len(samples) && samples[start].At.Before(cutoff) {
		start++
	}
	return samples[start:]
}

// observe records the final payload of one envelope: every field keeps its
// last value, numeric fields additionally extend their history rings. Called
// exactly once per envelope after rule evaluation.
func (s *DeviceState) observe(now time.Time, payload map[string]any) {
	flat := make(map[string]any)
	flatten("", payload, flat)
	for field, value := range flat {
		s.LastValues[field] = value
		if num, ok := toFloat(value); ok {
			samples := append(s.purge(field, now), Sample{At: now, Value: num})
			if len(samples) > historyLimit {
				samples = samples[len(samples)-historyLimit:]
			}
			s.History[field] = samples
		}
	}
	s.LastUpdate = now
}

func (s *DeviceState) purge(field string, now time.Time) []Sample {
	samples := s.History[field]
	cutoff := now.Add(-historyMaxAge)
	start := 0
	for start < len(samples) && samples[start].At.Before(cutoff) {
		start++
	}
	if start > 0 {
		samples = append([]Sample{}, samples[start:]...)
		s.History[field] = samples
	}
	return samples
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// setPath assigns value at a dotted path, creating intermediate maps.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
