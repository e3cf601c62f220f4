package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"telegate/internal/config"
	"telegate/internal/deadletter"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/ratelimit"
	"telegate/internal/storage"
)

// EngineControl is the slice of the rule engine the API needs for cache
// administration.
type EngineControl interface {
	Invalidate(deviceID string)
	InvalidateAll()
	Reset()
}

type Server struct {
	cfg         *config.Manager
	metrics     *metrics.Store
	limiter     *ratelimit.Limiter
	deadletters *deadletter.Store
	store       storage.Store
	engine      EngineControl
	logger      *slog.Logger
	version     string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Ingest     ingestStatus `json:"ingest"`
}

type ingestStatus struct {
	TCP     bool `json:"tcp"`
	Modbus  bool `json:"modbus"`
	MQTT    bool `json:"mqtt"`
	Webhook bool `json:"webhook"`
}

func Start(ctx context.Context, cfg *config.Manager, metricsStore *metrics.Store, limiter *ratelimit.Limiter,
	deadletters *deadletter.Store, store storage.Store, engine EngineControl,
	logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:         cfg,
		metrics:     metricsStore,
		limiter:     limiter,
		deadletters: deadletters,
		store:       store,
		engine:      engine,
		logger:      logger,
		version:     version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", server.handleStatus)
	r.Get("/stats", server.handleStats)
	r.Get("/stats/{deviceID}", server.handleDeviceStats)
	r.Get("/deadletters", server.handleDeadLetters)
	r.Post("/admin/devices", server.handleUpsertDevice)
	r.Post("/admin/rules", server.handleUpsertRule)
	r.Post("/admin/cep-rules", server.handleUpsertCEPRule)
	r.Post("/admin/rules/invalidate", server.handleInvalidate)
	r.Post("/admin/clear", server.handleClear)

	httpServer := &http.Server{Addr: current.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			TCP:     cfg.Ingest.TCP.Enabled,
			Modbus:  cfg.Ingest.Modbus.Enabled,
			MQTT:    cfg.Ingest.MQTT.Enabled,
			Webhook: cfg.Ingest.Webhook.Enabled,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Get())
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	counters, ok := s.metrics.Device(deviceID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"device_id": deviceID,
		"counters":  counters,
	}
	if s.limiter != nil {
		resp["rate_limit"] = s.limiter.Stats(deviceID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.DeadLetter
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deadletters.Since(ts)
	} else {
		list = s.deadletters.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadletters": list,
		"count":       len(list),
	})
}

type deviceUpsertRequest struct {
	Credential     string `json:"credential"`
	DeviceID       string `json:"device_id"`
	TenantID       string `json:"tenant_id"`
	ProtocolType   string `json:"protocol_type"`
	IsActive       *bool  `json:"is_active"`
	ExpiresAt      string `json:"expires_at"`
	SecondaryToken string `json:"secondary_token"`
}

func (s *Server) handleUpsertDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceUpsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Credential == "" || req.DeviceID == "" || req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "credential, device_id, and tenant_id are required"})
		return
	}
	identity := model.DeviceIdentity{
		DeviceID:       req.DeviceID,
		TenantID:       req.TenantID,
		ProtocolType:   req.ProtocolType,
		IsActive:       true,
		SecondaryToken: req.SecondaryToken,
	}
	if req.IsActive != nil {
		identity.IsActive = *req.IsActive
	}
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expires_at must be RFC3339"})
			return
		}
		identity.ExpiresAt = ts
	}
	if err := s.store.UpsertDevice(r.Context(), req.Credential, identity); err != nil {
		s.storeError(w, "device upsert failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type ruleUpsertRequest struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Priority  int             `json:"priority"`
	IsActive  *bool           `json:"is_active"`
	Condition json.RawMessage `json:"condition"`
	Action    json.RawMessage `json:"action"`
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req ruleUpsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.DeviceID == "" || len(req.Condition) == 0 || len(req.Action) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id, device_id, condition, and action are required"})
		return
	}
	rule := model.Rule{
		ID:        req.ID,
		DeviceID:  req.DeviceID,
		Priority:  req.Priority,
		IsActive:  true,
		Condition: req.Condition,
		Action:    req.Action,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if err := s.store.UpsertRule(r.Context(), rule); err != nil {
		s.storeError(w, "rule upsert failed", err)
		return
	}
	if s.engine != nil {
		s.engine.Invalidate(req.DeviceID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type cepRuleUpsertRequest struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	IsActive        *bool           `json:"is_active"`
	Pattern         json.RawMessage `json:"pattern"`
	Condition       json.RawMessage `json:"condition"`
	Action          json.RawMessage `json:"action"`
	WindowSeconds   int             `json:"window_seconds"`
	MinEvents       int             `json:"min_events"`
	CooldownSeconds int             `json:"cooldown_seconds"`
}

func (s *Server) handleUpsertCEPRule(w http.ResponseWriter, r *http.Request) {
	var req cepRuleUpsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.TenantID == "" || len(req.Pattern) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id, tenant_id, and pattern are required"})
		return
	}
	rule := model.CEPRule{
		ID:              req.ID,
		TenantID:        req.TenantID,
		IsActive:        true,
		Pattern:         req.Pattern,
		Condition:       req.Condition,
		Action:          req.Action,
		WindowSeconds:   req.WindowSeconds,
		MinEvents:       req.MinEvents,
		CooldownSeconds: req.CooldownSeconds,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if err := s.store.UpsertCEPRule(r.Context(), rule); err != nil {
		s.storeError(w, "cep rule upsert failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.engine != nil {
		if req.DeviceID == "" {
			s.engine.InvalidateAll()
		} else {
			s.engine.Invalidate(req.DeviceID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.metrics != nil {
			s.metrics.Clear()
		}
		if s.deadletters != nil {
			s.deadletters.Clear()
		}
		if s.limiter != nil {
			s.limiter.Clear()
		}
		if s.engine != nil {
			s.engine.Reset()
		}
	case "metrics":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	case "deadletters":
		if s.deadletters != nil {
			s.deadletters.Clear()
		}
	case "ratelimit":
		if s.limiter != nil {
			s.limiter.Clear()
		}
	case "state":
		if s.engine != nil {
			s.engine.Reset()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
