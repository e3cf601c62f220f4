package protocol

import (
	"encoding/json"
	"time"

	"telegate/internal/model"
)

// ParseLoRaWANWebhook maps vendor webhook bodies (TTN- and ChirpStack-like
// shapes) onto an Envelope. An unrecognized shape returns (nil, nil): the
// caller answers "could not extract telemetry" without treating it as a
// protocol error.
func ParseLoRaWANWebhook(body []byte) (*model.Envelope, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, Errf("invalid_json", "webhook body is not a JSON object")
	}

	payload := extractTelemetry(obj)
	if payload == nil {
		return nil, nil
	}
	deviceID := extractDeviceID(obj)
	if deviceID == "" {
		return nil, Errf("missing_device_id", "no device identifier in webhook body")
	}

	now := time.Now().UTC()
	metadata := map[string]any{
		"source":    "lorawan",
		"protocol":  "lorawan_webhook",
		"timestamp": now.Format(time.RFC3339Nano),
	}
	for key, value := range gatewayMetadata(obj) {
		metadata[key] = value
	}

	return &model.Envelope{
		DeviceID:  deviceID,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: now,
	}, nil
}

// extractTelemetry probes the known payload locations in precedence order:
// uplink_message.decoded_payload, data, payload, object.
func extractTelemetry(obj map[string]any) map[string]any {
	if uplink, ok := obj["uplink_message"].(map[string]any); ok {
		if decoded, ok := uplink["decoded_payload"].(map[string]any); ok {
			return decoded
		}
	}
	for _, key := range []string{"data", "payload", "object"} {
		if m, ok := obj[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func extractDeviceID(obj map[string]any) string {
	if ids, ok := obj["end_device_ids"].(map[string]any); ok {
		if id, ok := ids["device_id"].(string); ok && id != "" {
			return id
		}
		if eui, ok := ids["dev_eui"].(string); ok && eui != "" {
			return eui
		}
	}
	if info, ok := obj["deviceInfo"].(map[string]any); ok {
		if eui, ok := info["devEui"].(string); ok && eui != "" {
			return eui
		}
		if name, ok := info["deviceName"].(string); ok && name != "" {
			return name
		}
	}
	for _, key := range []string{"device_id", "devEUI", "dev_eui", "deviceName"} {
		if id, ok := obj[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// gatewayMetadata lifts radio metadata (rssi, snr, frequency, data_rate) out
// of the TTN and ChirpStack envelope shapes when present.
func gatewayMetadata(obj map[string]any) map[string]any {
	out := make(map[string]any)
	if uplink, ok := obj["uplink_message"].(map[string]any); ok {
		if rx, ok := uplink["rx_metadata"].([]any); ok && len(rx) > 0 {
			if first, ok := rx[0].(map[string]any); ok {
				copyKeys(out, first, "rssi", "snr")
			}
		}
		if settings, ok := uplink["settings"].(map[string]any); ok {
			copyKeys(out, settings, "frequency", "data_rate")
		}
	}
	if rx, ok := obj["rxInfo"].([]any); ok && len(rx) > 0 {
		if first, ok := rx[0].(map[string]any); ok {
			copyKeys(out, first, "rssi", "snr")
		}
	}
	if tx, ok := obj["txInfo"].(map[string]any); ok {
		copyKeys(out, tx, "frequency")
	}
	copyKeys(out, obj, "rssi", "snr", "frequency", "data_rate")
	return out
}

func copyKeys(dst, src map[string]any, keys ...string) {
	for _, key := range keys {
		if _, exists := dst[key]; exists {
			continue
		}
		if v, ok := src[key]; ok {
			dst[key] = v
		}
	}
}
