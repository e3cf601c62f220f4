package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Kafka       KafkaConfig       `json:"kafka" yaml:"kafka"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	API         APIConfig         `json:"api" yaml:"api"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	DeadLetters DeadLettersConfig `json:"dead_letters" yaml:"dead_letters"`
}

type IngestConfig struct {
	TCP     TCPConfig     `json:"tcp" yaml:"tcp"`
	Modbus  ModbusConfig  `json:"modbus" yaml:"modbus"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

type TCPConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Addr        string        `json:"addr" yaml:"addr"`
	MaxConns    int           `json:"max_conns" yaml:"max_conns"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

type ModbusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BrokerURL string `json:"broker_url" yaml:"broker_url"`
	ClientID  string `json:"client_id" yaml:"client_id"`
	Topic     string `json:"topic" yaml:"topic"`
	QoS       byte   `json:"qos" yaml:"qos"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type PipelineConfig struct {
	DedupeTTL time.Duration   `json:"dedupe_ttl" yaml:"dedupe_ttl"`
	// RequiredFields maps a protocol type to payload fields every message
	// of that type must carry. Empty means no schema checks.
	RequiredFields map[string][]string `json:"required_fields" yaml:"required_fields"`
	RateLimit      RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Rules     RulesConfig     `json:"rules" yaml:"rules"`
	CEP       CEPConfig       `json:"cep" yaml:"cep"`
}

type RateLimitConfig struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
}

type RulesConfig struct {
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type CEPConfig struct {
	Interval   time.Duration `json:"interval" yaml:"interval"`
	BufferSize int           `json:"buffer_size" yaml:"buffer_size"`
	BufferAge  time.Duration `json:"buffer_age" yaml:"buffer_age"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
}

type KafkaConfig struct {
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	Topic       string        `json:"topic" yaml:"topic"`
	DLQTopic    string        `json:"dlq_topic" yaml:"dlq_topic"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBase   time.Duration `json:"retry_base" yaml:"retry_base"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	LatencySamples int `json:"latency_samples" yaml:"latency_samples"`
}

type DeadLettersConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			TCP:     TCPConfig{Enabled: true, Addr: ":9500", MaxConns: 512, IdleTimeout: 90 * time.Second},
			Modbus:  ModbusConfig{Enabled: false, Addr: ":1502"},
			MQTT:    MQTTConfig{Enabled: false, ClientID: "telegate", Topic: "devices/+/telemetry", QoS: 1},
			Webhook: WebhookConfig{Enabled: true, Addr: ":8080"},
		},
		Pipeline: PipelineConfig{
			DedupeTTL: 5 * time.Minute,
			RateLimit: RateLimitConfig{PerMinute: 60, PerHour: 3600},
			Rules:     RulesConfig{CacheTTL: 30 * time.Second},
			CEP: CEPConfig{
				Interval:   10 * time.Second,
				BufferSize: 1000,
				BufferAge:  time.Hour,
				Cooldown:   60 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			Topic:       "telemetry.events",
			DLQTopic:    "telemetry.deadletter",
			MaxAttempts: 3,
			RetryBase:   time.Second,
		},
		Storage:     StorageConfig{Driver: "sqlite", DSN: "file:telegate.db?_pragma=busy_timeout(5000)"},
		API:         APIConfig{Enabled: true, Addr: ":8081"},
		Metrics:     MetricsConfig{LatencySamples: 1000},
		DeadLetters: DeadLettersConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.TCP.MaxConns <= 0 {
		cfg.Ingest.TCP.MaxConns = 512
	}
	if cfg.Ingest.TCP.IdleTimeout <= 0 {
		cfg.Ingest.TCP.IdleTimeout = 90 * time.Second
	}
	if cfg.Pipeline.DedupeTTL <= 0 {
		cfg.Pipeline.DedupeTTL = 5 * time.Minute
	}
	if cfg.Pipeline.RateLimit.PerMinute <= 0 {
		cfg.Pipeline.RateLimit.PerMinute = 60
	}
	if cfg.Pipeline.RateLimit.PerHour <= 0 {
		cfg.Pipeline.RateLimit.PerHour = 3600
	}
	if cfg.Pipeline.Rules.CacheTTL <= 0 {
		cfg.Pipeline.Rules.CacheTTL = 30 * time.Second
	}
	if cfg.Pipeline.CEP.Interval <= 0 {
		cfg.Pipeline.CEP.Interval = 10 * time.Second
	}
	if cfg.Pipeline.CEP.BufferSize <= 0 {
		cfg.Pipeline.CEP.BufferSize = 1000
	}
	if cfg.Pipeline.CEP.BufferAge <= 0 {
		cfg.Pipeline.CEP.BufferAge = time.Hour
	}
	if cfg.Pipeline.CEP.Cooldown < 0 {
		cfg.Pipeline.CEP.Cooldown = 0
	}
	if cfg.Kafka.MaxAttempts <= 0 {
		cfg.Kafka.MaxAttempts = 3
	}
	if cfg.Kafka.RetryBase <= 0 {
		cfg.Kafka.RetryBase = time.Second
	}
	if cfg.Metrics.LatencySamples <= 0 {
		cfg.Metrics.LatencySamples = 1000
	}
	if cfg.DeadLetters.StoreLimit <= 0 {
		cfg.DeadLetters.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.Ingest.TCP.Enabled && cfg.Ingest.TCP.Addr == "" {
		return errors.New("ingest.tcp.addr required when ingest.tcp.enabled is true")
	}
	if cfg.Ingest.Modbus.Enabled && cfg.Ingest.Modbus.Addr == "" {
		return errors.New("ingest.modbus.addr required when ingest.modbus.enabled is true")
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.BrokerURL == "" || cfg.Ingest.MQTT.Topic == "" {
			return errors.New("ingest.mqtt requires broker_url and topic")
		}
	}
	if cfg.Ingest.Webhook.Enabled && cfg.Ingest.Webhook.Addr == "" {
		return errors.New("ingest.webhook.addr required when ingest.webhook.enabled is true")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return errors.New("kafka.topic required when kafka.brokers is set")
	}
	if cfg.Storage.Driver == "" {
		return errors.New("storage.driver required")
	}
	if cfg.Pipeline.RateLimit.PerMinute > cfg.Pipeline.RateLimit.PerHour {
		return fmt.Errorf("pipeline.rate_limit.per_minute (%d) exceeds per_hour (%d)",
			cfg.Pipeline.RateLimit.PerMinute, cfg.Pipeline.RateLimit.PerHour)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file; Reload and
// Update are no-ops. Used by tests and by main when no config file is given.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); m.path != "" && err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
