package model

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusDropped  Status = "dropped"
	StatusError    Status = "error"
)

// Envelope is the canonical unit flowing through the pipeline. A stage that
// changes payload or metadata works on its own copy; envelopes are never
// shared mutable across concurrent paths.
type Envelope struct {
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
	MessageID string         `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e Envelope) TenantID() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata["tenant_id"].(string); ok {
		return v
	}
	return ""
}

func (e Envelope) Clone() Envelope {
	out := e
	out.Payload = CloneMap(e.Payload)
	out.Metadata = CloneMap(e.Metadata)
	return out
}

func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CloneMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// DeviceIdentity is resolved from a provisioning credential on every message;
// it is never cached so that revocation takes effect immediately.
type DeviceIdentity struct {
	DeviceID       string
	TenantID       string
	ProtocolType   string
	IsActive       bool
	ExpiresAt      time.Time // zero means no expiry
	SecondaryToken string
}

func (d *DeviceIdentity) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

type Rule struct {
	ID       string
	DeviceID string
	Priority int
	IsActive bool
	Condition json.RawMessage
	Action    json.RawMessage
}

type CEPRule struct {
	ID              string
	TenantID        string
	IsActive        bool
	Pattern         json.RawMessage
	Condition       json.RawMessage
	Action          json.RawMessage
	WindowSeconds   int
	MinEvents       int
	CooldownSeconds int
	LastMatchedAt   time.Time
	MatchCount      int
}

// Ack is the per-frame wire response.
type Ack struct {
	Status    Status `json:"status"`
	DeviceID  string `json:"device_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message"`
}

type DeadLetterError struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type DeadLetter struct {
	DeviceID         string          `json:"device_id"`
	OriginalPayload  map[string]any  `json:"original_payload"`
	OriginalMetadata map[string]any  `json:"original_metadata"`
	Error            DeadLetterError `json:"error"`
	DLQTimestamp     time.Time       `json:"dlq_timestamp"`
}
