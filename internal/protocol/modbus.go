package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"telegate/internal/model"
)

// Supported Modbus function codes (read-only subset).
const (
	FuncReadCoils          = 0x01
	FuncReadDiscreteInputs = 0x02
	FuncReadHolding        = 0x03
	FuncReadInput          = 0x04
)

// Modbus exception codes used by the gateway.
const (
	ExceptionIllegalFunction     = 0x01
	ExceptionGatewayTargetFailed = 0x0B
)

const mbapHeaderLen = 7

type ModbusRequest struct {
	TransactionID uint16
	ProtocolID    uint16
	UnitID        uint8
	Function      uint8
	Address       uint16
	Quantity      uint16
}

// DecodeModbusRequest parses the 7-byte MBAP header plus a read-request PDU.
// Length or header violations fail the frame; an unsupported function code is
// reported via ErrIllegalFunction so the caller can answer with the matching
// exception response instead of dropping the connection.
func DecodeModbusRequest(data []byte) (*ModbusRequest, error) {
	if len(data) < mbapHeaderLen+1 {
		return nil, Errf("invalid_frame", "modbus frame too short (%d bytes)", len(data))
	}
	req := &ModbusRequest{
		TransactionID: binary.BigEndian.Uint16(data[0:]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:]),
		UnitID:        data[6],
	}
	length := int(binary.BigEndian.Uint16(data[4:]))
	if req.ProtocolID != 0 {
		return nil, Errf("invalid_frame", "modbus protocol id %d is not 0", req.ProtocolID)
	}
	if len(data) != mbapHeaderLen-1+length {
		return nil, Errf("invalid_frame", "modbus length field %d does not match frame", length)
	}
	pdu := data[mbapHeaderLen:]
	req.Function = pdu[0]
	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHolding, FuncReadInput:
	default:
		return req, Errf("illegal_function", "function code 0x%02x not supported", req.Function)
	}
	if len(pdu) < 5 {
		return nil, Errf("invalid_frame", "modbus read PDU too short (%d bytes)", len(pdu))
	}
	req.Address = binary.BigEndian.Uint16(pdu[1:])
	req.Quantity = binary.BigEndian.Uint16(pdu[3:])
	return req, nil
}

// Envelope synthesizes a telemetry event describing the read request. The
// gateway does not hold register data; the event records that the unit was
// polled and with what parameters.
func (r *ModbusRequest) Envelope(deviceID string) model.Envelope {
	now := time.Now().UTC()
	return model.Envelope{
		DeviceID: deviceID,
		Payload: map[string]any{
			"function": int(r.Function),
			"address":  int(r.Address),
			"quantity": int(r.Quantity),
		},
		Metadata: map[string]any{
			"source":         "modbus",
			"protocol":       "modbus_tcp",
			"unit_id":        int(r.UnitID),
			"transaction_id": int(r.TransactionID),
			"timestamp":      now.Format(time.RFC3339Nano),
		},
		MessageID: fmt.Sprintf("modbus-%d-%d", r.UnitID, r.TransactionID),
		Timestamp: now,
	}
}

// SuccessResponse builds a stub all-zero read response echoing the request's
// transaction id.
func (r *ModbusRequest) SuccessResponse() []byte {
	var byteCount int
	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		byteCount = (int(r.Quantity) + 7) / 8
	default:
		byteCount = int(r.Quantity) * 2
	}
	out := make([]byte, mbapHeaderLen+2+byteCount)
	binary.BigEndian.PutUint16(out[0:], r.TransactionID)
	binary.BigEndian.PutUint16(out[4:], uint16(3+byteCount)) // unit + func + count + data
	out[6] = r.UnitID
	out[7] = r.Function
	out[8] = byte(byteCount)
	return out
}

// ExceptionResponse builds a Modbus exception frame: function | 0x80 plus the
// exception code, echoing the request's transaction id.
func (r *ModbusRequest) ExceptionResponse(code byte) []byte {
	out := make([]byte, mbapHeaderLen+2)
	binary.BigEndian.PutUint16(out[0:], r.TransactionID)
	binary.BigEndian.PutUint16(out[4:], 3)
	out[6] = r.UnitID
	out[7] = r.Function | 0x80
	out[8] = code
	return out
}
