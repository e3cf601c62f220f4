package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"telegate/internal/config"
	"telegate/internal/model"
)

// Store is the gateway's backing store for provisioning credentials, device
// rules, and tenant CEP rules. Lookups are read-mostly; the only write on the
// hot path is CEP match bookkeeping.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// ResolveIdentity maps a provisioning credential to a device identity.
	// Returns (nil, nil) for an unknown credential; identities are never
	// cached by callers so revocation applies immediately.
	ResolveIdentity(ctx context.Context, credential string) (*model.DeviceIdentity, error)

	RulesForDevice(ctx context.Context, deviceID string) ([]model.Rule, error)
	ActiveCEPRules(ctx context.Context) ([]model.CEPRule, error)
	UpdateCEPMatch(ctx context.Context, ruleID string, matchedAt time.Time) error

	UpsertDevice(ctx context.Context, credential string, identity model.DeviceIdentity) error
	UpsertRule(ctx context.Context, rule model.Rule) error
	UpsertCEPRule(ctx context.Context, rule model.CEPRule) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanTime(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}
