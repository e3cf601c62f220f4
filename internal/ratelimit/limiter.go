package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const hourWindow = time.Hour

type Stats struct {
	MessagesLastMinute int   `json:"messages_last_minute"`
	MessagesLastHour   int   `json:"messages_last_hour"`
	Violations         int64 `json:"violations"`
}

type deviceWindow struct {
	stamps     []time.Time
	head       int
	violations int64
}

// Limiter admits messages per device against two sliding windows: the last
// minute and the last hour. Timestamps older than an hour are purged on every
// check, so memory per device is bounded by the hourly cap.
type Limiter struct {
	mu        sync.Mutex
	devices   map[string]*deviceWindow
	perMinute int
	perHour   int
	now       func() time.Time
}

func NewLimiter(perMinute, perHour int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if perHour <= 0 {
		perHour = 3600
	}
	return &Limiter{
		devices:   make(map[string]*deviceWindow),
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// SetLimits swaps the caps; existing recorded timestamps are kept.
func (l *Limiter) SetLimits(perMinute, perHour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute > 0 {
		l.perMinute = perMinute
	}
	if perHour > 0 {
		l.perHour = perHour
	}
}

// Check admits or rejects one message for deviceID. On admission the current
// timestamp is recorded; on rejection the violation counter is bumped and a
// human-readable reason is returned.
func (l *Limiter) Check(deviceID string) (bool, string) {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.devices[deviceID]
	if !ok {
		w = &deviceWindow{stamps: make([]time.Time, 0, 64)}
		l.devices[deviceID] = w
	}
	w.evict(now.Add(-hourWindow))

	minuteCutoff := now.Add(-time.Minute)
	minuteCount := 0
	for i := w.head; i < len(w.stamps); i++ {
		if !w.stamps[i].Before(minuteCutoff) {
			minuteCount = len(w.stamps) - i
			break
		}
	}
	if minuteCount >= l.perMinute {
		w.violations++
		return false, fmt.Sprintf("rate limit exceeded: %d messages in the last minute (cap %d)", minuteCount, l.perMinute)
	}
	if hourCount := len(w.stamps) - w.head; hourCount >= l.perHour {
		w.violations++
		return false, fmt.Sprintf("rate limit exceeded: %d messages in the last hour (cap %d)", hourCount, l.perHour)
	}
	w.stamps = append(w.stamps, now)
	return true, ""
}

func (l *Limiter) Stats(deviceID string) Stats {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.devices[deviceID]
	if !ok {
		return Stats{}
	}
	w.evict(now.Add(-hourWindow))
	minuteCutoff := now.Add(-time.Minute)
	minuteCount := 0
	for i := w.head; i < len(w.stamps); i++ {
		if !w.stamps[i].Before(minuteCutoff) {
			minuteCount = len(w.stamps) - i
			break
		}
	}
	return Stats{
		MessagesLastMinute: minuteCount,
		MessagesLastHour:   len(w.stamps) - w.head,
		Violations:         w.violations,
	}
}

func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = make(map[string]*deviceWindow)
}

func (w *deviceWindow) evict(cutoff time.Time) {
	for w.head < len(w.stamps) {
		if !w.stamps[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.stamps) {
		w.stamps = append([]time.Time{}, w.stamps[w.head:]...)
		w.head = 0
	}
}
