package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func testLimiter(perMinute, perHour int) (*Limiter, *time.Time) {
	l := NewLimiter(perMinute, perHour)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMinuteCap(t *testing.T) {
	l, now := testLimiter(60, 3600)
	for i := 0; i < 60; i++ {
		ok, _ := l.Check("d1")
		if !ok {
			t.Fatalf("message %d should be admitted", i+1)
		}
		*now = now.Add(500 * time.Millisecond)
	}
	// 60 messages in the last 30 seconds: the 61st must be rejected.
	ok, reason := l.Check("d1")
	if ok {
		t.Fatalf("61st message should be rejected")
	}
	if !strings.Contains(reason, "last minute") {
		t.Fatalf("reason: %s", reason)
	}
}

func TestMinuteWindowSlides(t *testing.T) {
	l, now := testLimiter(2, 3600)
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("first admit")
	}
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("second admit")
	}
	if ok, _ := l.Check("d1"); ok {
		t.Fatalf("third should hit the minute cap")
	}
	*now = now.Add(61 * time.Second)
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("window should have slid past the old stamps")
	}
}

func TestHourCap(t *testing.T) {
	l, now := testLimiter(1000, 5)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Check("d1"); !ok {
			t.Fatalf("message %d should be admitted", i+1)
		}
		*now = now.Add(2 * time.Minute)
	}
	ok, reason := l.Check("d1")
	if ok {
		t.Fatalf("hourly cap should reject")
	}
	if !strings.Contains(reason, "last hour") {
		t.Fatalf("reason: %s", reason)
	}
	// An hour later the oldest stamps are evicted.
	*now = now.Add(time.Hour)
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("hour window should have slid")
	}
}

func TestDevicesIndependent(t *testing.T) {
	l, _ := testLimiter(1, 10)
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("d1 admit")
	}
	if ok, _ := l.Check("d1"); ok {
		t.Fatalf("d1 should be capped")
	}
	if ok, _ := l.Check("d2"); !ok {
		t.Fatalf("d2 must not share d1's window")
	}
}

func TestStats(t *testing.T) {
	l, now := testLimiter(2, 100)
	l.Check("d1")
	*now = now.Add(30 * time.Second)
	l.Check("d1")
	l.Check("d1") // rejected
	*now = now.Add(45 * time.Second)

	stats := l.Stats("d1")
	if stats.MessagesLastMinute != 1 {
		t.Fatalf("minute count: %d", stats.MessagesLastMinute)
	}
	if stats.MessagesLastHour != 2 {
		t.Fatalf("hour count: %d", stats.MessagesLastHour)
	}
	if stats.Violations != 1 {
		t.Fatalf("violations: %d", stats.Violations)
	}
	if got := l.Stats("unknown"); got != (Stats{}) {
		t.Fatalf("unknown device stats: %+v", got)
	}
}

func TestSetLimits(t *testing.T) {
	l, _ := testLimiter(1, 10)
	l.Check("d1")
	if ok, _ := l.Check("d1"); ok {
		t.Fatalf("old cap should reject")
	}
	l.SetLimits(5, 10)
	if ok, _ := l.Check("d1"); !ok {
		t.Fatalf("raised cap should admit")
	}
}
