package protocol

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"telegate/internal/model"
)

type jsonLineFrame struct {
	DeviceID  string         `json:"device_id"`
	DeviceKey string         `json:"device_key"`
	Data      map[string]any `json:"data"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
	MessageID string         `json:"message_id"`
}

// ParseJSONLine normalizes one newline-framed JSON object into an Envelope
// plus the sender's provisioning credential. Pure: no I/O, no device lookup.
func ParseJSONLine(data []byte) (model.Envelope, string, error) {
	if !utf8.Valid(data) {
		return model.Envelope{}, "", Errf("invalid_encoding", "frame is not valid UTF-8")
	}
	var frame jsonLineFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return model.Envelope{}, "", Errf("invalid_json", "frame is not a JSON object")
	}
	if strings.TrimSpace(frame.DeviceID) == "" {
		return model.Envelope{}, "", Errf("missing_device_id", "device_id is required")
	}
	if strings.TrimSpace(frame.DeviceKey) == "" {
		return model.Envelope{}, "", Errf("missing_device_key", "device_key is required")
	}
	payload := frame.Data
	if payload == nil {
		payload = frame.Payload
	}
	if payload == nil {
		return model.Envelope{}, "", Errf("missing_payload", "data or payload is required")
	}

	ts := time.Now().UTC()
	if frame.Timestamp != "" {
		if parsed, err := parseTimestamp(frame.Timestamp); err == nil {
			ts = parsed
		}
	}
	metadata := frame.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["source"] = "tcp"
	metadata["timestamp"] = ts.Format(time.RFC3339Nano)

	return model.Envelope{
		DeviceID:  frame.DeviceID,
		Payload:   payload,
		Metadata:  metadata,
		MessageID: frame.MessageID,
		Timestamp: ts,
	}, frame.DeviceKey, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
