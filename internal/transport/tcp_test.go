package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"telegate/internal/cep"
	"telegate/internal/config"
	"telegate/internal/metrics"
	"telegate/internal/model"
	"telegate/internal/pipeline"
	"telegate/internal/ratelimit"
	"telegate/internal/rules"
)

type staticResolver struct{}

func (staticResolver) ResolveIdentity(_ context.Context, _ string) (*model.DeviceIdentity, error) {
	return &model.DeviceIdentity{DeviceID: "d1", TenantID: "t1", IsActive: true}, nil
}

type nullRuleSource struct{}

func (nullRuleSource) RulesForDevice(_ context.Context, _ string) ([]model.Rule, error) {
	return nil, nil
}

type sinkPublisher struct{}

func (sinkPublisher) Publish(_ context.Context, _ model.Envelope) error { return nil }

func startTestTCP(t *testing.T, maxConns int) net.Addr {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ingest.TCP.Enabled = true
	cfg.Ingest.TCP.Addr = "127.0.0.1:0"
	cfg.Ingest.TCP.MaxConns = maxConns
	cfg.Ingest.TCP.IdleTimeout = 5 * time.Second

	metricsStore := metrics.NewStore(10)
	gw := pipeline.NewGateway(
		cfg.Pipeline,
		staticResolver{},
		ratelimit.NewLimiter(1000, 10000),
		rules.NewEngine(nullRuleSource{}, time.Minute, nil, metricsStore),
		cep.NewBuffer(10, time.Hour),
		sinkPublisher{},
		metricsStore,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr := StartTCP(ctx, config.NewStaticManager(cfg), gw, metricsStore, nil)
	if addr == nil {
		t.Fatalf("listener did not start")
	}
	return addr
}

func dialAndSend(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := conn.Write([]byte(`{"device_id":"d1","device_key":"k","data":{"v":1}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	return conn
}

func readAckLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return line
}

func TestTCPAcceptedFrameAck(t *testing.T) {
	addr := startTestTCP(t, 4)
	conn := dialAndSend(t, addr)
	ack := readAckLine(t, conn)
	if !bytes.Contains([]byte(ack), []byte(`"accepted"`)) {
		t.Fatalf("ack: %s", ack)
	}
}

func TestTCPConnectionCeilingQueues(t *testing.T) {
	addr := startTestTCP(t, 1)

	// First connection takes the only slot; the ack round trip guarantees
	// its handler is running before the second dial.
	first := dialAndSend(t, addr)
	readAckLine(t, first)

	second := dialAndSend(t, addr)
	_ = second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 256)
	_, err := second.Read(buf)
	if err == nil {
		t.Fatalf("second connection must not be serviced while the ceiling is held")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("queued connection should stay open (read timeout), got %v", err)
	}

	// Freeing the slot lets the queued connection be accepted and served.
	first.Close()
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := second.Read(buf)
	if err != nil {
		t.Fatalf("queued connection never serviced: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte(`"accepted"`)) {
		t.Fatalf("ack: %s", buf[:n])
	}
}
