package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"telegate/internal/cep"
	"telegate/internal/config"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/ratelimit"
	"telegate/internal/rules"
)

type fakeResolver struct {
	identities map[string]*model.DeviceIdentity
}

func (f *fakeResolver) ResolveIdentity(_ context.Context, credential string) (*model.DeviceIdentity, error) {
	return f.identities[credential], nil
}

type fakeRuleSource struct {
	rules map[string][]model.Rule
}

func (f *fakeRuleSource) RulesForDevice(_ context.Context, deviceID string) ([]model.Rule, error) {
	return f.rules[deviceID], nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []model.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, env model.Envelope) error {
	c.mu.Lock()
	c.events = append(c.events, env)
	c.mu.Unlock()
	return nil
}

type gatewayFixture struct {
	gateway   *Gateway
	publisher *capturePublisher
	metrics   *metrics.Store
	buffer    *cep.Buffer
}

func newFixture(resolver *fakeResolver, source *fakeRuleSource, perMinute int) *gatewayFixture {
	if source == nil {
		source = &fakeRuleSource{}
	}
	metricsStore := metrics.NewStore(100)
	publisher := &capturePublisher{}
	buffer := cep.NewBuffer(100, time.Hour)
	gw := NewGateway(
		config.PipelineConfig{DedupeTTL: time.Minute},
		resolver,
		ratelimit.NewLimiter(perMinute, 10000),
		rules.NewEngine(source, time.Minute, nil, metricsStore),
		buffer,
		publisher,
		metricsStore,
		nil,
	)
	return &gatewayFixture{gateway: gw, publisher: publisher, metrics: metricsStore, buffer: buffer}
}

func activeIdentity(device, tenant string) *model.DeviceIdentity {
	return &model.DeviceIdentity{DeviceID: device, TenantID: tenant, IsActive: true}
}

func ingestEnv(device string) model.Envelope {
	return model.Envelope{
		DeviceID:  device,
		Payload:   map[string]any{"temp": float64(21)},
		Metadata:  map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

func TestIngestAccepted(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"key-1": activeIdentity("d1", "t1"),
	}}
	f := newFixture(resolver, nil, 100)

	ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "key-1", "tcp")
	if ack.Status != model.StatusAccepted {
		t.Fatalf("ack: %+v", ack)
	}
	if ack.MessageID == "" {
		t.Fatalf("missing message id should be generated")
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("published: %d", len(f.publisher.events))
	}
	out := f.publisher.events[0]
	if out.Metadata["tenant_id"] != "t1" || out.Metadata["source"] != "tcp" {
		t.Fatalf("metadata enrichment: %+v", out.Metadata)
	}
	if got := f.buffer.Snapshot("tenant_t1", time.Hour); len(got) != 1 {
		t.Fatalf("cep buffer should see the accepted event")
	}
	snap := f.metrics.Get()
	if snap.Received != 1 || snap.Published != 1 {
		t.Fatalf("metrics: %+v", snap)
	}
}

func TestIngestUnknownCredential(t *testing.T) {
	f := newFixture(&fakeResolver{identities: map[string]*model.DeviceIdentity{}}, nil, 100)

	ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "nope", "tcp")
	if ack.Status != model.StatusRejected || ack.Error != "auth_failed" {
		t.Fatalf("ack: %+v", ack)
	}
	if len(f.publisher.events) != 0 {
		t.Fatalf("rejected message must not publish")
	}
	if f.metrics.Get().AuthFailures != 1 {
		t.Fatalf("auth failure not counted")
	}
}

func TestIngestInactiveAndExpired(t *testing.T) {
	inactive := activeIdentity("d1", "t1")
	inactive.IsActive = false
	expired := activeIdentity("d2", "t1")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"k1": inactive,
		"k2": expired,
	}}
	f := newFixture(resolver, nil, 100)

	if ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "k1", "tcp"); ack.Status != model.StatusRejected {
		t.Fatalf("inactive device: %+v", ack)
	}
	if ack := f.gateway.Ingest(context.Background(), ingestEnv("d2"), "k2", "tcp"); ack.Status != model.StatusRejected {
		t.Fatalf("expired credential: %+v", ack)
	}
}

func TestIngestDeviceIDMismatch(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"key-1": activeIdentity("d1", "t1"),
	}}
	f := newFixture(resolver, nil, 100)
	ack := f.gateway.Ingest(context.Background(), ingestEnv("other-device"), "key-1", "tcp")
	if ack.Status != model.StatusRejected || ack.Error != "auth_failed" {
		t.Fatalf("ack: %+v", ack)
	}
}

func TestIngestSecondaryToken(t *testing.T) {
	identity := activeIdentity("d1", "t1")
	identity.SecondaryToken = "s3cret"
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{"k": identity}}
	f := newFixture(resolver, nil, 100)

	env := ingestEnv("d1")
	if ack := f.gateway.Ingest(context.Background(), env, "k", "tcp"); ack.Status != model.StatusRejected {
		t.Fatalf("missing token should reject: %+v", ack)
	}

	env = ingestEnv("d1")
	env.Metadata["token"] = "s3cret"
	if ack := f.gateway.Ingest(context.Background(), env, "k", "tcp"); ack.Status != model.StatusAccepted {
		t.Fatalf("metadata token should pass: %+v", ack)
	}

	env = ingestEnv("d1")
	env.Payload["token"] = "s3cret"
	if ack := f.gateway.Ingest(context.Background(), env, "k", "tcp"); ack.Status != model.StatusAccepted {
		t.Fatalf("payload token should pass: %+v", ack)
	}
}

func TestIngestDuplicateMessageID(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"k": activeIdentity("d1", "t1"),
	}}
	f := newFixture(resolver, nil, 100)

	env := ingestEnv("d1")
	env.MessageID = "m-1"
	first := f.gateway.Ingest(context.Background(), env, "k", "tcp")
	second := f.gateway.Ingest(context.Background(), env, "k", "tcp")
	if first.Status != model.StatusAccepted || second.Status != model.StatusAccepted {
		t.Fatalf("both acks should be accepted: %+v / %+v", first, second)
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("duplicate must not republish, got %d", len(f.publisher.events))
	}
}

func TestIngestRateLimited(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"k": activeIdentity("d1", "t1"),
	}}
	f := newFixture(resolver, nil, 2)

	for i := 0; i < 2; i++ {
		if ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "k", "tcp"); ack.Status != model.StatusAccepted {
			t.Fatalf("message %d: %+v", i+1, ack)
		}
	}
	ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "k", "tcp")
	if ack.Status != model.StatusRejected || ack.Error != "rate_limit_exceeded" {
		t.Fatalf("third message: %+v", ack)
	}
	if f.metrics.Get().RateLimitHits != 1 {
		t.Fatalf("rate limit hit not counted")
	}
}

func TestIngestDropRule(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"k": activeIdentity("d1", "t1"),
	}}
	source := &fakeRuleSource{rules: map[string][]model.Rule{"d1": {{
		ID:        "mute",
		DeviceID:  "d1",
		Priority:  1,
		IsActive:  true,
		Condition: json.RawMessage(`{"field":"temp","op":">","value":20}`),
		Action:    json.RawMessage(`{"type":"drop","reason":"maintenance window"}`),
	}}}}
	f := newFixture(resolver, source, 100)

	ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "k", "tcp")
	if ack.Status != model.StatusDropped || ack.Message != "maintenance window" {
		t.Fatalf("ack: %+v", ack)
	}
	if len(f.publisher.events) != 0 {
		t.Fatalf("dropped message must not publish")
	}
}

func TestIngestMutateRule(t *testing.T) {
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{
		"k": activeIdentity("d1", "t1"),
	}}
	source := &fakeRuleSource{rules: map[string][]model.Rule{"d1": {{
		ID:        "tag",
		DeviceID:  "d1",
		Priority:  1,
		IsActive:  true,
		Condition: json.RawMessage(`{"field":"temp","op":">","value":20}`),
		Action:    json.RawMessage(`{"type":"mutate","fields":{"severity":"warning"}}`),
	}}}}
	f := newFixture(resolver, source, 100)

	ack := f.gateway.Ingest(context.Background(), ingestEnv("d1"), "k", "tcp")
	if ack.Status != model.StatusAccepted {
		t.Fatalf("ack: %+v", ack)
	}
	if f.publisher.events[0].Payload["severity"] != "warning" {
		t.Fatalf("mutation not published: %+v", f.publisher.events[0].Payload)
	}
}

type dlqPublisher struct {
	capturePublisher
	deadLetters []string
}

func (d *dlqPublisher) DeadLetter(_ context.Context, env model.Envelope, errType, _ string) {
	d.deadLetters = append(d.deadLetters, errType)
}

func TestIngestValidationFailure(t *testing.T) {
	identity := activeIdentity("d1", "t1")
	identity.ProtocolType = "json"
	resolver := &fakeResolver{identities: map[string]*model.DeviceIdentity{"k": identity}}
	metricsStore := metrics.NewStore(100)
	publisher := &dlqPublisher{}
	gw := NewGateway(
		config.PipelineConfig{
			DedupeTTL:      time.Minute,
			RequiredFields: map[string][]string{"json": {"temp", "level"}},
		},
		resolver,
		ratelimit.NewLimiter(100, 10000),
		rules.NewEngine(&fakeRuleSource{}, time.Minute, nil, metricsStore),
		cep.NewBuffer(100, time.Hour),
		publisher,
		metricsStore,
		nil,
	)

	ack := gw.Ingest(context.Background(), ingestEnv("d1"), "k", "tcp")
	if ack.Status != model.StatusRejected || ack.Error != "validation_failed" {
		t.Fatalf("missing field should reject: %+v", ack)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("invalid message must not publish")
	}
	if len(publisher.deadLetters) != 1 || publisher.deadLetters[0] != "validation_error" {
		t.Fatalf("validation failure must dead-letter: %v", publisher.deadLetters)
	}

	env := ingestEnv("d1")
	env.Payload["level"] = float64(3)
	if ack := gw.Ingest(context.Background(), env, "k", "tcp"); ack.Status != model.StatusAccepted {
		t.Fatalf("complete payload should pass: %+v", ack)
	}
}

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator(map[string][]string{"sensor": {"height", "battery"}})
	if err := v.Validate("json", map[string]any{}); err != nil {
		t.Fatalf("unlisted protocol passes: %v", err)
	}
	if err := v.Validate("sensor", map[string]any{"height": 1, "battery": 2}); err != nil {
		t.Fatalf("complete payload passes: %v", err)
	}
	if err := v.Validate("sensor", map[string]any{"height": 1}); err == nil {
		t.Fatalf("missing field must fail")
	}
}

func TestDedupeCacheTTL(t *testing.T) {
	c := newDedupeCache(time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if c.Seen("d1", "m1") {
		t.Fatalf("first observation is not a duplicate")
	}
	if !c.Seen("d1", "m1") {
		t.Fatalf("second observation within TTL is a duplicate")
	}
	if c.Seen("d2", "m1") {
		t.Fatalf("message ids are scoped per device")
	}
	now = now.Add(2 * time.Minute)
	if c.Seen("d1", "m1") {
		t.Fatalf("expired entry is not a duplicate")
	}
	if c.Seen("d1", "") {
		t.Fatalf("empty message id never dedupes")
	}
}
