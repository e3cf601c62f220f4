package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"telegate/internal/config"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/protocol"
)

// StartModbus runs the Modbus-TCP listener. The gateway does not serve
// register data: each valid read request is acknowledged with an all-zero
// response and translated into a telemetry event for the pipeline. The unit
// id doubles as the provisioning credential ("modbus:<unit_id>").
func StartModbus(ctx context.Context, cfg *config.Manager, gateway *pipeline.Gateway, logger *slog.Logger) {
	current := cfg.Get().Ingest.Modbus
	if !current.Enabled {
		if logger != nil {
			logger.Info("modbus ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("modbus ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("modbus listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("modbus accept error", "err", err)
				}
				continue
			}
			go handleModbusConn(ctx, conn, gateway, logger)
		}
	}()
}

func handleModbusConn(ctx context.Context, conn net.Conn, gateway *pipeline.Gateway, logger *slog.Logger) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(header[4])<<8 | int(header[5])
		if length < 1 || length > 260 {
			if logger != nil {
				logger.Warn("modbus length out of range", "length", length)
			}
			return
		}
		rest := make([]byte, length-1)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		frame := append(append([]byte(nil), header...), rest...)

		req, err := protocol.DecodeModbusRequest(frame)
		if err != nil {
			if req != nil && protocol.ErrorCode(err) == "illegal_function" {
				writeModbus(conn, req.ExceptionResponse(protocol.ExceptionIllegalFunction), logger)
				continue
			}
			if logger != nil {
				logger.Warn("modbus frame rejected", "err", err)
			}
			return
		}

		credential := fmt.Sprintf("modbus:%d", req.UnitID)
		ack := gateway.Ingest(ctx, req.Envelope(""), credential, "modbus")
		switch ack.Status {
		case model.StatusAccepted, model.StatusDropped:
			writeModbus(conn, req.SuccessResponse(), logger)
		default:
			writeModbus(conn, req.ExceptionResponse(protocol.ExceptionGatewayTargetFailed), logger)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeModbus(conn net.Conn, resp []byte, logger *slog.Logger) {
	if _, err := conn.Write(resp); err != nil {
		if logger != nil {
			logger.Debug("modbus response write failed", "err", err)
		}
	}
}
