package metrics

import (
	"sync"
	"time"
)

type DeviceCounters struct {
	Received  int64            `json:"received"`
	Published int64            `json:"published"`
	Rejected  int64            `json:"rejected"`
	Errors    map[string]int64 `json:"errors,omitempty"`
	LastSeen  time.Time        `json:"last_seen"`
}

type Snapshot struct {
	Received        int64                     `json:"received"`
	Published       int64                     `json:"published"`
	Rejected        int64                     `json:"rejected"`
	RejectReasons   map[string]int64          `json:"reject_reasons"`
	ErrorsByType    map[string]int64          `json:"errors_by_type"`
	RateLimitHits   int64                     `json:"rate_limit_hits"`
	AuthFailures    int64                     `json:"auth_failures"`
	RuleMatches     map[string]int64          `json:"rule_matches"`
	ActionOutcomes  map[string]int64          `json:"action_outcomes"`
	Devices         map[string]DeviceCounters `json:"devices"`
	LatencyAvgMS    float64                   `json:"latency_avg_ms"`
	LatencySamples  int                       `json:"latency_samples"`
}

// Store holds process-wide ingestion counters. All mutation is increment or
// append; Snapshot copies and never mutates.
type Store struct {
	mu             sync.Mutex
	received       map[string]int64
	published      map[string]int64
	rejected       map[string]int64
	rejectReasons  map[string]int64
	errorsByDevice map[string]map[string]int64
	errorsByType   map[string]int64
	rateLimitHits  int64
	authFailures   int64
	ruleMatches    map[string]int64
	actionOutcomes map[string]int64
	lastSeen       map[string]time.Time
	latencies      []time.Duration
	latencyHead    int
	latencyLimit   int
}

func NewStore(latencyLimit int) *Store {
	if latencyLimit <= 0 {
		latencyLimit = 1000
	}
	return &Store{
		received:       make(map[string]int64),
		published:      make(map[string]int64),
		rejected:       make(map[string]int64),
		rejectReasons:  make(map[string]int64),
		errorsByDevice: make(map[string]map[string]int64),
		errorsByType:   make(map[string]int64),
		ruleMatches:    make(map[string]int64),
		actionOutcomes: make(map[string]int64),
		lastSeen:       make(map[string]time.Time),
		latencies:      make([]time.Duration, 0, latencyLimit),
		latencyLimit:   latencyLimit,
	}
}

func (s *Store) Received(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[deviceID]++
	s.lastSeen[deviceID] = time.Now().UTC()
}

func (s *Store) Published(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[deviceID]++
}

func (s *Store) Rejected(deviceID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[deviceID]++
	s.rejectReasons[reason]++
}

func (s *Store) Error(deviceID, errType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.errorsByDevice[deviceID]
	if !ok {
		m = make(map[string]int64)
		s.errorsByDevice[deviceID] = m
	}
	m[errType]++
	s.errorsByType[errType]++
}

func (s *Store) RateLimitHit(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitHits++
	s.rejected[deviceID]++
	s.rejectReasons["rate_limit_exceeded"]++
}

func (s *Store) AuthFailure(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
	if deviceID != "" {
		s.rejected[deviceID]++
	}
	s.rejectReasons["auth_failed"]++
}

func (s *Store) RuleMatch(ruleName, actionType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleMatches[ruleName]++
	s.actionOutcomes[actionType]++
}

func (s *Store) Latency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) < s.latencyLimit {
		s.latencies = append(s.latencies, d)
		return
	}
	s.latencies[s.latencyHead] = d
	s.latencyHead = (s.latencyHead + 1) % s.latencyLimit
}

func (s *Store) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RejectReasons:  copyCounts(s.rejectReasons),
		ErrorsByType:   copyCounts(s.errorsByType),
		RateLimitHits:  s.rateLimitHits,
		AuthFailures:   s.authFailures,
		RuleMatches:    copyCounts(s.ruleMatches),
		ActionOutcomes: copyCounts(s.actionOutcomes),
		Devices:        make(map[string]DeviceCounters, len(s.received)),
		LatencySamples: len(s.latencies),
	}
	for id := range s.received {
		snap.Devices[id] = s.deviceLocked(id)
	}
	for _, dc := range snap.Devices {
		snap.Received += dc.Received
		snap.Published += dc.Published
		snap.Rejected += dc.Rejected
	}
	if len(s.latencies) > 0 {
		var total time.Duration
		for _, d := range s.latencies {
			total += d
		}
		snap.LatencyAvgMS = float64(total.Microseconds()) / float64(len(s.latencies)) / 1000.0
	}
	return snap
}

func (s *Store) Device(deviceID string) (DeviceCounters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.received[deviceID]; !ok {
		if _, ok := s.rejected[deviceID]; !ok {
			return DeviceCounters{}, false
		}
	}
	return s.deviceLocked(deviceID), true
}

func (s *Store) deviceLocked(deviceID string) DeviceCounters {
	return DeviceCounters{
		Received:  s.received[deviceID],
		Published: s.published[deviceID],
		Rejected:  s.rejected[deviceID],
		Errors:    copyCounts(s.errorsByDevice[deviceID]),
		LastSeen:  s.lastSeen[deviceID],
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = make(map[string]int64)
	s.published = make(map[string]int64)
	s.rejected = make(map[string]int64)
	s.rejectReasons = make(map[string]int64)
	s.errorsByDevice = make(map[string]map[string]int64)
	s.errorsByType = make(map[string]int64)
	s.rateLimitHits = 0
	s.authFailures = 0
	s.ruleMatches = make(map[string]int64)
	s.actionOutcomes = make(map[string]int64)
	s.lastSeen = make(map[string]time.Time)
	s.latencies = s.latencies[:0]
	s.latencyHead = 0
}

func copyCounts(m map[string]int64) map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
