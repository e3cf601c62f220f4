package protocol

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"telegate/internal/model"
)

// Vendor sensor report types carried inside sentinel-framed binary frames.
const (
	ReportPeriodic = 0x01
	ReportEvent    = 0x02
)

const bcdIDLen = 8

// SensorReading is the decoded form of one vendor binary frame.
type SensorReading struct {
	Forced       bool
	DeviceType   uint8
	ReportType   uint8
	Height       uint16
	HasGPS       bool
	Longitude    float32
	Latitude     float32
	Temperature  int8
	Angle        uint8
	Full         bool
	Move         bool
	BatteryLow   bool
	BatteryMV    uint16
	RSRP         float32
	FrameCounter uint16
	DeviceID     string // 16 hex digits from the packed BCD identifier
}

// DecodeSensorFrame parses a complete sentinel-delimited vendor frame:
// 0x80, forced, device_type, report_type, packet_size, payload, 0x81.
// Any head, tail, or length violation fails the whole frame; no partial
// reading is ever returned.
func DecodeSensorFrame(frame []byte) (*SensorReading, error) {
	if len(frame) < 6 {
		return nil, Errf("invalid_frame", "frame too short (%d bytes)", len(frame))
	}
	if frame[0] != FrameStart {
		return nil, Errf("invalid_frame", "bad start byte 0x%02x", frame[0])
	}
	if frame[len(frame)-1] != FrameEnd {
		return nil, Errf("invalid_frame", "bad end byte 0x%02x", frame[len(frame)-1])
	}
	reportType := frame[3]
	if reportType != ReportPeriodic && reportType != ReportEvent {
		return nil, Errf("unsupported_report_type", "report type 0x%02x not supported", reportType)
	}
	packetSize := int(frame[4])
	payload := frame[5 : len(frame)-1]
	if len(payload) != packetSize {
		return nil, Errf("invalid_frame", "packet size %d does not match payload length %d", packetSize, len(payload))
	}

	r := &SensorReading{
		Forced:     frame[1] != 0,
		DeviceType: frame[2],
		ReportType: reportType,
	}

	// Minimum payload: every fixed field present, GPS absent.
	if len(payload) < 2+1+1+1+1+2+2+4+2+bcdIDLen {
		return nil, Errf("invalid_frame", "payload too short (%d bytes)", len(payload))
	}

	off := 0
	r.Height = binary.BigEndian.Uint16(payload[off:])
	off += 2
	r.HasGPS = payload[off] != 0
	off++
	if r.HasGPS {
		if len(payload) < off+8+1+1+1+2+2+4+2+bcdIDLen {
			return nil, Errf("invalid_frame", "payload too short for GPS fields")
		}
		r.Longitude = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		r.Latitude = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	r.Temperature = int8(payload[off])
	off++
	off++ // reserved
	r.Angle = payload[off]
	off++
	r.Full = payload[off]&0xF0 != 0
	r.Move = payload[off+1]&0xF0 != 0
	r.BatteryLow = payload[off+1]&0x0F != 0
	off += 2
	r.BatteryMV = binary.BigEndian.Uint16(payload[off:])
	off += 2
	r.RSRP = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	r.FrameCounter = binary.BigEndian.Uint16(payload[off:])
	off += 2
	r.DeviceID = decodeBCD(payload[off : off+bcdIDLen])

	return r, nil
}

// EncodeSensorFrame renders a reading back into its wire form. Used by the
// device simulator and by codec tests; DecodeSensorFrame(EncodeSensorFrame(r))
// reproduces r exactly.
func EncodeSensorFrame(r *SensorReading) []byte {
	payloadLen := 2 + 1 + 1 + 1 + 1 + 2 + 2 + 4 + 2 + bcdIDLen
	if r.HasGPS {
		payloadLen += 8
	}
	out := make([]byte, 0, payloadLen+6)
	out = append(out, FrameStart)
	if r.Forced {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, r.DeviceType, r.ReportType, byte(payloadLen))

	var u16 [2]byte
	var u32 [4]byte
	binary.BigEndian.PutUint16(u16[:], r.Height)
	out = append(out, u16[:]...)
	if r.HasGPS {
		out = append(out, 1)
		binary.LittleEndian.PutUint32(u32[:], math.Float32bits(r.Longitude))
		out = append(out, u32[:]...)
		binary.LittleEndian.PutUint32(u32[:], math.Float32bits(r.Latitude))
		out = append(out, u32[:]...)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(r.Temperature), 0, r.Angle)
	var status [2]byte
	if r.Full {
		status[0] = 0x10
	}
	if r.Move {
		status[1] |= 0x10
	}
	if r.BatteryLow {
		status[1] |= 0x01
	}
	out = append(out, status[:]...)
	binary.BigEndian.PutUint16(u16[:], r.BatteryMV)
	out = append(out, u16[:]...)
	binary.LittleEndian.PutUint32(u32[:], math.Float32bits(r.RSRP))
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint16(u16[:], r.FrameCounter)
	out = append(out, u16[:]...)
	out = append(out, encodeBCD(r.DeviceID)...)
	out = append(out, FrameEnd)
	return out
}

// Envelope maps a decoded reading onto the canonical pipeline form.
func (r *SensorReading) Envelope() model.Envelope {
	now := time.Now().UTC()
	payload := map[string]any{
		"height":        int(r.Height),
		"temperature":   int(r.Temperature),
		"angle":         int(r.Angle),
		"full":          r.Full,
		"move":          r.Move,
		"battery_low":   r.BatteryLow,
		"battery_volts": float64(r.BatteryMV) / 1000.0,
		"rsrp":          float64(r.RSRP),
		"frame_counter": int(r.FrameCounter),
	}
	if r.HasGPS {
		payload["longitude"] = float64(r.Longitude)
		payload["latitude"] = float64(r.Latitude)
	}
	metadata := map[string]any{
		"source":      "tcp",
		"protocol":    "vendor_binary",
		"device_type": int(r.DeviceType),
		"report_type": int(r.ReportType),
		"forced":      r.Forced,
		"timestamp":   now.Format(time.RFC3339Nano),
	}
	return model.Envelope{
		DeviceID:  r.DeviceID,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: now,
	}
}

const hexDigits = "0123456789ABCDEF"

func decodeBCD(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 2)
	for _, v := range data {
		b.WriteByte(hexDigits[v>>4])
		b.WriteByte(hexDigits[v&0x0F])
	}
	return b.String()
}

func encodeBCD(id string) []byte {
	out := make([]byte, bcdIDLen)
	for i := 0; i < bcdIDLen*2 && i < len(id); i++ {
		d := hexValue(id[i])
		if i%2 == 0 {
			out[i/2] |= d << 4
		} else {
			out[i/2] |= d
		}
	}
	return out
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
