package protocol

import (
	"encoding/binary"
	"testing"
)

func modbusReadFrame(txn uint16, unit, fn byte, addr, qty uint16) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint16(out[0:], txn)
	binary.BigEndian.PutUint16(out[2:], 0) // protocol id
	binary.BigEndian.PutUint16(out[4:], 6) // unit + pdu
	out[6] = unit
	out[7] = fn
	binary.BigEndian.PutUint16(out[8:], addr)
	binary.BigEndian.PutUint16(out[10:], qty)
	return out
}

func TestDecodeModbusRequest(t *testing.T) {
	req, err := DecodeModbusRequest(modbusReadFrame(0x1234, 7, FuncReadHolding, 100, 10))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if req.TransactionID != 0x1234 || req.UnitID != 7 {
		t.Fatalf("header mismatch: %+v", req)
	}
	if req.Function != FuncReadHolding || req.Address != 100 || req.Quantity != 10 {
		t.Fatalf("pdu mismatch: %+v", req)
	}
}

func TestModbusBadProtocolID(t *testing.T) {
	frame := modbusReadFrame(1, 1, FuncReadCoils, 0, 1)
	frame[2] = 0xFF
	if _, err := DecodeModbusRequest(frame); err == nil {
		t.Fatalf("expected protocol id error")
	}
}

func TestModbusLengthMismatch(t *testing.T) {
	frame := modbusReadFrame(1, 1, FuncReadCoils, 0, 1)
	binary.BigEndian.PutUint16(frame[4:], 9)
	if _, err := DecodeModbusRequest(frame); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestModbusIllegalFunction(t *testing.T) {
	frame := modbusReadFrame(0x0042, 3, 0x06, 0, 1) // write single register
	req, err := DecodeModbusRequest(frame)
	if err == nil {
		t.Fatalf("expected illegal function error")
	}
	if ErrorCode(err) != "illegal_function" {
		t.Fatalf("code: %s", ErrorCode(err))
	}
	if req == nil {
		t.Fatalf("request needed for exception response")
	}
	resp := req.ExceptionResponse(ExceptionIllegalFunction)
	if binary.BigEndian.Uint16(resp[0:]) != 0x0042 {
		t.Fatalf("exception does not echo transaction id")
	}
	if resp[7] != 0x06|0x80 || resp[8] != ExceptionIllegalFunction {
		t.Fatalf("exception pdu wrong: % x", resp[7:])
	}
}

func TestModbusSuccessResponse(t *testing.T) {
	req, err := DecodeModbusRequest(modbusReadFrame(0x0101, 2, FuncReadHolding, 0, 4))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	resp := req.SuccessResponse()
	if binary.BigEndian.Uint16(resp[0:]) != 0x0101 {
		t.Fatalf("success does not echo transaction id")
	}
	if resp[8] != 8 { // 4 registers * 2 bytes
		t.Fatalf("byte count: %d", resp[8])
	}
	for _, b := range resp[9:] {
		if b != 0 {
			t.Fatalf("register data not zero")
		}
	}

	req, err = DecodeModbusRequest(modbusReadFrame(1, 2, FuncReadCoils, 0, 10))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp := req.SuccessResponse(); resp[8] != 2 { // ceil(10/8)
		t.Fatalf("coil byte count: %d", resp[8])
	}
}

func TestModbusEnvelope(t *testing.T) {
	req, err := DecodeModbusRequest(modbusReadFrame(9, 5, FuncReadInput, 30, 2))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	env := req.Envelope("tank-5")
	if env.DeviceID != "tank-5" {
		t.Fatalf("device id: %s", env.DeviceID)
	}
	if env.MessageID != "modbus-5-9" {
		t.Fatalf("message id: %s", env.MessageID)
	}
	if env.Payload["function"] != int(FuncReadInput) || env.Payload["quantity"] != 2 {
		t.Fatalf("payload: %+v", env.Payload)
	}
}
