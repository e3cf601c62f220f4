package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"telegate/internal/config"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/protocol"
)

// StartTCP runs the shared device listener: one port, two framings. JSON
// lines and sentinel-delimited vendor binary frames can interleave on the
// same connection; every frame gets a JSON ack line back. Returns the bound
// address, or nil when the listener is disabled or failed to start.
func StartTCP(ctx context.Context, cfg *config.Manager, gateway *pipeline.Gateway, metricsStore *metrics.Store, logger *slog.Logger) net.Addr {
	current := cfg.Get().Ingest.TCP
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp listen error", "err", err)
		}
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	sem := make(chan struct{}, current.MaxConns)
	go func() {
		for {
			// Hold a slot before accepting, so clients beyond the ceiling
			// queue in the OS accept backlog instead of being turned away.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			conn, err := ln.Accept()
			if err != nil {
				<-sem
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp accept error", "err", err)
				}
				continue
			}
			go func() {
				defer func() { <-sem }()
				handleTCPConn(ctx, conn, cfg, gateway, metricsStore, logger)
			}()
		}
	}()
	return ln.Addr()
}

func handleTCPConn(ctx context.Context, conn net.Conn, cfg *config.Manager, gateway *pipeline.Gateway, metricsStore *metrics.Store, logger *slog.Logger) {
	defer conn.Close()
	idle := cfg.Get().Ingest.TCP.IdleTimeout
	var splitter protocol.Splitter
	buf := make([]byte, 8192)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		if n > 0 {
			splitter.Push(buf[:n])
			for {
				frame, ok := splitter.Next()
				if !ok {
					break
				}
				ack := handleFrame(ctx, frame, gateway, metricsStore, logger)
				writeAck(conn, ack, logger)
			}
		}
		if err != nil {
			// Complete frames already buffered get acked before the
			// connection closes; a trailing partial frame is discarded.
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func handleFrame(ctx context.Context, frame protocol.Frame, gateway *pipeline.Gateway, metricsStore *metrics.Store, logger *slog.Logger) model.Ack {
	if frame.Binary {
		reading, err := protocol.DecodeSensorFrame(frame.Data)
		if err != nil {
			return parseReject(err, metricsStore, logger)
		}
		env := reading.Envelope()
		return gateway.Ingest(ctx, env, reading.DeviceID, "tcp")
	}
	env, credential, err := protocol.ParseJSONLine(frame.Data)
	if err != nil {
		return parseReject(err, metricsStore, logger)
	}
	return gateway.Ingest(ctx, env, credential, "tcp")
}

func parseReject(err error, metricsStore *metrics.Store, logger *slog.Logger) model.Ack {
	code := protocol.ErrorCode(err)
	if metricsStore != nil {
		metricsStore.Rejected("", code)
	}
	if logger != nil {
		logger.Debug("frame rejected", "code", code, "err", err)
	}
	return model.Ack{
		Status:  model.StatusRejected,
		Error:   code,
		Message: err.Error(),
	}
}

func writeAck(conn net.Conn, ack model.Ack, logger *slog.Logger) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		if logger != nil {
			logger.Debug("ack write failed", "err", err)
		}
	}
}
