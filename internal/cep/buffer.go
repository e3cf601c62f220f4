package cep

import (
	"sync"
	"time"

	"telegate/internal/model"
)

type entry struct {
	at  time.Time
	env model.Envelope
}

// Buffer keeps bounded rings of recent envelopes keyed by device id and by
// "tenant_{id}". Appends come from the ingestion path and must stay cheap;
// pattern evaluation reads snapshots and never sees the live slices.
type Buffer struct {
	mu     sync.Mutex
	byKey  map[string][]entry
	limit  int
	maxAge time.Duration
}

func NewBuffer(limit int, maxAge time.Duration) *Buffer {
	if limit <= 0 {
		limit = 1000
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Buffer{
		byKey:  make(map[string][]entry),
		limit:  limit,
		maxAge: maxAge,
	}
}

// Append records one accepted envelope under its device key and, when the
// envelope carries a tenant, under the tenant key as well.
func (b *Buffer) Append(env model.Envelope) {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(env.DeviceID, env, now)
	if tenant := env.TenantID(); tenant != "" {
		b.appendLocked("tenant_"+tenant, env, now)
	}
}

func (b *Buffer) appendLocked(key string, env model.Envelope, now time.Time) {
	if key == "" {
		return
	}
	ring := b.evict(b.byKey[key], now)
	ring = append(ring, entry{at: now, env: env})
	if len(ring) > b.limit {
		ring = ring[len(ring)-b.limit:]
	}
	b.byKey[key] = ring
}

// Snapshot copies the events under key that fall within window, oldest
// first.
func (b *Buffer) Snapshot(key string, window time.Duration) []model.Envelope {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.evict(b.byKey[key], now)
	b.byKey[key] = ring
	cutoff := now.Add(-window)
	out := make([]model.Envelope, 0, len(ring))
	for _, e := range ring {
		if window > 0 && e.at.Before(cutoff) {
			continue
		}
		out = append(out, e.env)
	}
	return out
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.byKey = make(map[string][]entry)
	b.mu.Unlock()
}

func (b *Buffer) evict(ring []entry, now time.Time) []entry {
	cutoff := now.Add(-b.maxAge)
	start := 0
	for start < len(ring) && ring[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		ring = append([]entry{}, ring[start:]...)
	}
	return ring
}
