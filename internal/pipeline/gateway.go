package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"telegate/internal/cep"
	"telegate/internal/config"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/ratelimit"
	"telegate/internal/rules"
)

// IdentityResolver maps a provisioning credential to a device identity.
// (nil, nil) means unknown credential.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (*model.DeviceIdentity, error)
}

// Publisher delivers accepted envelopes downstream.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// deadLetterer is implemented by publishers that carry a dead-letter
// destination. Validation failures are forwarded there for offline
// inspection when available.
type deadLetterer interface {
	DeadLetter(ctx context.Context, env model.Envelope, errType, errMsg string)
}

// Gateway is the shared ingestion pipeline behind every transport. One
// envelope goes through authentication, dedupe, rate limiting, rule
// evaluation, CEP buffering, and publication, and comes out as an Ack the
// transport can put on the wire.
type Gateway struct {
	resolver  IdentityResolver
	validator Validator
	limiter   *ratelimit.Limiter
	engine    *rules.Engine
	buffer    *cep.Buffer
	publisher Publisher
	metrics   *metrics.Store
	dedupe    *dedupeCache
	logger    *slog.Logger
}

func NewGateway(cfg config.PipelineConfig, resolver IdentityResolver, limiter *ratelimit.Limiter,
	engine *rules.Engine, buffer *cep.Buffer, publisher Publisher,
	metricsStore *metrics.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		resolver:  resolver,
		validator: NewSchemaValidator(cfg.RequiredFields),
		limiter:   limiter,
		engine:    engine,
		buffer:    buffer,
		publisher: publisher,
		metrics:   metricsStore,
		dedupe:    newDedupeCache(cfg.DedupeTTL),
		logger:    logger,
	}
}

// Ingest runs one envelope through the pipeline. The credential comes from
// the transport (device key, packed sensor id, Modbus unit, webhook device
// id); source names the transport for metadata and logs.
func (g *Gateway) Ingest(ctx context.Context, env model.Envelope, credential, source string) model.Ack {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.Received(env.DeviceID)
	}

	identity, err := g.resolver.ResolveIdentity(ctx, credential)
	if err != nil {
		if g.logger != nil {
			g.logger.Error("identity lookup failed", "source", source, "err", err)
		}
		return g.reject(env, "identity_lookup_failed", "identity lookup failed")
	}
	if reason := g.authorize(identity, &env); reason != "" {
		if g.metrics != nil {
			g.metrics.AuthFailure(env.DeviceID)
		}
		if g.logger != nil {
			g.logger.Warn("authentication rejected",
				"source", source, "device_id", env.DeviceID, "reason", reason)
		}
		return model.Ack{
			Status:    model.StatusRejected,
			DeviceID:  env.DeviceID,
			MessageID: env.MessageID,
			Error:     "auth_failed",
			Message:   reason,
		}
	}

	env.DeviceID = identity.DeviceID
	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	env.Metadata["tenant_id"] = identity.TenantID
	env.Metadata["source"] = source
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}

	if g.validator != nil {
		if err := g.validator.Validate(identity.ProtocolType, env.Payload); err != nil {
			if g.logger != nil {
				g.logger.Warn("payload failed schema validation",
					"source", source, "device_id", env.DeviceID, "err", err)
			}
			if dl, ok := g.publisher.(deadLetterer); ok {
				dl.DeadLetter(ctx, env, "validation_error", err.Error())
			}
			return g.reject(env, "validation_failed", err.Error())
		}
	}

	if g.dedupe.Seen(env.DeviceID, env.MessageID) {
		if g.logger != nil {
			g.logger.Debug("duplicate message ignored", "device_id", env.DeviceID, "message_id", env.MessageID)
		}
		return model.Ack{
			Status:    model.StatusAccepted,
			DeviceID:  env.DeviceID,
			MessageID: env.MessageID,
			Message:   "duplicate message ignored",
		}
	}

	if g.limiter != nil {
		if ok, reason := g.limiter.Check(env.DeviceID); !ok {
			if g.metrics != nil {
				g.metrics.RateLimitHit(env.DeviceID)
			}
			return model.Ack{
				Status:    model.StatusRejected,
				DeviceID:  env.DeviceID,
				MessageID: env.MessageID,
				Error:     "rate_limit_exceeded",
				Message:   reason,
			}
		}
	}

	result := g.engine.Evaluate(ctx, env)
	if result.Dropped {
		if g.logger != nil {
			g.logger.Info("message dropped by rule",
				"device_id", env.DeviceID, "rule", result.RuleName, "reason", result.DropReason)
		}
		return model.Ack{
			Status:    model.StatusDropped,
			DeviceID:  env.DeviceID,
			MessageID: env.MessageID,
			Message:   result.DropReason,
		}
	}

	out := model.Envelope{
		DeviceID:  env.DeviceID,
		Payload:   result.Payload,
		Metadata:  result.Metadata,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
	}
	if result.Target != "" {
		out.Metadata["route_target"] = result.Target
	}

	if g.buffer != nil {
		g.buffer.Append(out)
	}

	if err := g.publisher.Publish(ctx, out); err != nil {
		if g.logger != nil {
			g.logger.Error("publish failed", "device_id", out.DeviceID, "err", err)
		}
		return model.Ack{
			Status:    model.StatusError,
			DeviceID:  out.DeviceID,
			MessageID: out.MessageID,
			Error:     "publish_failed",
			Message:   "message could not be delivered downstream",
		}
	}

	if g.metrics != nil {
		g.metrics.Published(out.DeviceID)
		g.metrics.Latency(time.Since(start))
	}
	return model.Ack{
		Status:    model.StatusAccepted,
		DeviceID:  out.DeviceID,
		MessageID: out.MessageID,
		Message:   "accepted",
	}
}

// authorize validates the resolved identity against the envelope. An empty
// return means authorized; otherwise the string is the rejection reason.
func (g *Gateway) authorize(identity *model.DeviceIdentity, env *model.Envelope) string {
	if identity == nil {
		return "unknown credential"
	}
	if !identity.IsActive {
		return "device is deactivated"
	}
	if identity.Expired(time.Now().UTC()) {
		return "credential expired"
	}
	if env.DeviceID != "" && env.DeviceID != identity.DeviceID {
		return "device id does not match credential"
	}
	if identity.SecondaryToken != "" {
		if token := extractToken(env); token != identity.SecondaryToken {
			return "secondary token mismatch"
		}
	}
	return ""
}

// reject is the short path for failures before a device is authenticated.
func (g *Gateway) reject(env model.Envelope, code, msg string) model.Ack {
	if g.metrics != nil {
		g.metrics.Rejected(env.DeviceID, code)
	}
	return model.Ack{
		Status:    model.StatusRejected,
		DeviceID:  env.DeviceID,
		MessageID: env.MessageID,
		Error:     code,
		Message:   msg,
	}
}

// extractToken looks for the secondary token first in metadata, then in the
// payload.
func extractToken(env *model.Envelope) string {
	if env.Metadata != nil {
		if v, ok := env.Metadata["token"].(string); ok {
			return v
		}
	}
	if env.Payload != nil {
		if v, ok := env.Payload["token"].(string); ok {
			return v
		}
	}
	return ""
}
