package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"telegate/internal/config"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/protocol"
)

// StartWebhook serves the LoRaWAN network-server uplink webhook. The device
// id extracted from the uplink doubles as the provisioning credential; the
// network server already authenticated the device at the radio layer.
func StartWebhook(ctx context.Context, cfg *config.Manager, gateway *pipeline.Gateway, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.Webhook
	if !current.Enabled {
		if logger != nil {
			logger.Info("webhook ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("webhook ingest enabled", "addr", current.Addr)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook/lorawan", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
		if err != nil {
			writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": "body too large or unreadable"})
			return
		}
		env, err := protocol.ParseLoRaWANWebhook(body)
		if err != nil {
			writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if env == nil {
			writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": "unrecognized uplink shape"})
			return
		}
		ack := gateway.Ingest(req.Context(), *env, env.DeviceID, "lorawan")
		writeWebhookJSON(w, ackStatusCode(ack), ack)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeWebhookJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	server := &http.Server{Addr: current.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("webhook server error", "err", err)
			}
		}
	}()
	return server
}

func ackStatusCode(ack model.Ack) int {
	switch ack.Status {
	case model.StatusAccepted, model.StatusDropped:
		return http.StatusOK
	case model.StatusRejected:
		if ack.Error == "rate_limit_exceeded" {
			return http.StatusTooManyRequests
		}
		if ack.Error == "auth_failed" {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeWebhookJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
