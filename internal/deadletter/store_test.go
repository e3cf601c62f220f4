package deadletter

import (
	"fmt"
	"testing"
	"time"

	"telegate/internal/model"
)

func record(device string, ts time.Time) model.DeadLetter {
	return model.DeadLetter{
		DeviceID:     device,
		Error:        model.DeadLetterError{Type: "publish_error", Timestamp: ts},
		DLQTimestamp: ts,
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := NewStore(3)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Add(record(fmt.Sprintf("d%d", i), now))
	}
	list := s.List(0)
	if len(list) != 3 {
		t.Fatalf("ring size: %d", len(list))
	}
	if list[0].DeviceID != "d2" || list[2].DeviceID != "d4" {
		t.Fatalf("oldest not evicted: %+v", list)
	}
}

func TestListLimit(t *testing.T) {
	s := NewStore(10)
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		s.Add(record(fmt.Sprintf("d%d", i), now))
	}
	list := s.List(2)
	if len(list) != 2 || list[0].DeviceID != "d2" {
		t.Fatalf("limit should return the newest: %+v", list)
	}
}

func TestSince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.Add(record("old", base.Add(-time.Hour)))
	s.Add(record("new", base))

	list := s.Since(base.Add(-time.Minute))
	if len(list) != 1 || list[0].DeviceID != "new" {
		t.Fatalf("since filter: %+v", list)
	}
}
