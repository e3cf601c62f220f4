package protocol

import "testing"

func TestParseLoRaWANWebhookTTNShape(t *testing.T) {
	body := `{
		"end_device_ids": {"device_id": "sensor-7", "dev_eui": "A84041FFFF123456"},
		"uplink_message": {
			"decoded_payload": {"temperature": 18.2, "humidity": 61},
			"rx_metadata": [{"rssi": -97, "snr": 7.5}],
			"settings": {"frequency": "868100000", "data_rate": "SF7BW125"}
		}
	}`
	env, err := ParseLoRaWANWebhook([]byte(body))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env == nil || env.DeviceID != "sensor-7" {
		t.Fatalf("device id from end_device_ids: %+v", env)
	}
	if env.Payload["temperature"] != 18.2 {
		t.Fatalf("decoded payload: %+v", env.Payload)
	}
	if env.Metadata["rssi"] != float64(-97) || env.Metadata["frequency"] != "868100000" {
		t.Fatalf("radio metadata: %+v", env.Metadata)
	}
}

func TestParseLoRaWANWebhookChirpStackShape(t *testing.T) {
	body := `{
		"deviceInfo": {"devEui": "0011223344556677", "deviceName": "pit-3"},
		"object": {"level": 82},
		"rxInfo": [{"rssi": -105, "snr": 2.25}]
	}`
	env, err := ParseLoRaWANWebhook([]byte(body))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env.DeviceID != "0011223344556677" {
		t.Fatalf("devEui should win over deviceName: %s", env.DeviceID)
	}
	if env.Payload["level"] != float64(82) {
		t.Fatalf("object payload: %+v", env.Payload)
	}
	if env.Metadata["rssi"] != float64(-105) {
		t.Fatalf("rxInfo metadata: %+v", env.Metadata)
	}
}

func TestParseLoRaWANWebhookFlatShape(t *testing.T) {
	env, err := ParseLoRaWANWebhook([]byte(`{"device_id":"d9","data":{"v":3},"rssi":-88}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if env.DeviceID != "d9" || env.Metadata["rssi"] != float64(-88) {
		t.Fatalf("flat shape: %+v", env)
	}
}

func TestParseLoRaWANWebhookUnrecognized(t *testing.T) {
	env, err := ParseLoRaWANWebhook([]byte(`{"hello":"world"}`))
	if err != nil || env != nil {
		t.Fatalf("unrecognized shape should be (nil, nil), got %+v, %v", env, err)
	}
}

func TestParseLoRaWANWebhookMissingDeviceID(t *testing.T) {
	_, err := ParseLoRaWANWebhook([]byte(`{"data":{"v":1}}`))
	if err == nil || ErrorCode(err) != "missing_device_id" {
		t.Fatalf("expected missing_device_id, got %v", err)
	}
}

func TestParseLoRaWANWebhookInvalidJSON(t *testing.T) {
	_, err := ParseLoRaWANWebhook([]byte(`[1,2,3`))
	if err == nil || ErrorCode(err) != "invalid_json" {
		t.Fatalf("expected invalid_json, got %v", err)
	}
}
