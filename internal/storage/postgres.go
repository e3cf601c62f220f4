package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"telegate/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/telegate?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			credential TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			protocol_type TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			secondary_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_device ON devices(device_id)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			condition_json JSONB NOT NULL,
			action_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_device ON rules(device_id)`,
		`CREATE TABLE IF NOT EXISTS cep_rules (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			pattern_json JSONB NOT NULL,
			condition_json JSONB,
			action_json JSONB,
			window_seconds INTEGER NOT NULL DEFAULT 3600,
			min_events INTEGER NOT NULL DEFAULT 0,
			cooldown_seconds INTEGER NOT NULL DEFAULT 60,
			last_matched_at TIMESTAMPTZ,
			match_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cep_rules_tenant ON cep_rules(tenant_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) ResolveIdentity(ctx context.Context, credential string) (*model.DeviceIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, tenant_id, protocol_type, is_active, expires_at, secondary_token
		FROM devices WHERE credential = $1`, credential)
	var identity model.DeviceIdentity
	var expires sql.NullTime
	err := row.Scan(&identity.DeviceID, &identity.TenantID, &identity.ProtocolType,
		&identity.IsActive, &expires, &identity.SecondaryToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	identity.ExpiresAt = scanTime(expires)
	return &identity, nil
}

func (s *postgresStore) RulesForDevice(ctx context.Context, deviceID string) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, priority, is_active, condition_json, action_json
		FROM rules WHERE device_id = $1 ORDER BY priority, id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var condition, action string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Priority, &r.IsActive, &condition, &action); err != nil {
			return nil, err
		}
		r.Condition = json.RawMessage(condition)
		r.Action = json.RawMessage(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) ActiveCEPRules(ctx context.Context) ([]model.CEPRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, is_active, pattern_json, condition_json, action_json,
			window_seconds, min_events, cooldown_seconds, last_matched_at, match_count
		FROM cep_rules WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CEPRule
	for rows.Next() {
		var r model.CEPRule
		var pattern string
		var condition, action sql.NullString
		var lastMatched sql.NullTime
		if err := rows.Scan(&r.ID, &r.TenantID, &r.IsActive, &pattern, &condition, &action,
			&r.WindowSeconds, &r.MinEvents, &r.CooldownSeconds, &lastMatched, &r.MatchCount); err != nil {
			return nil, err
		}
		r.Pattern = json.RawMessage(pattern)
		if condition.Valid {
			r.Condition = json.RawMessage(condition.String)
		}
		if action.Valid {
			r.Action = json.RawMessage(action.String)
		}
		r.LastMatchedAt = scanTime(lastMatched)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateCEPMatch(ctx context.Context, ruleID string, matchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cep_rules SET last_matched_at = $1, match_count = match_count + 1 WHERE id = $2`,
		matchedAt.UTC(), ruleID)
	return err
}

func (s *postgresStore) UpsertDevice(ctx context.Context, credential string, identity model.DeviceIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (credential, device_id, tenant_id, protocol_type, is_active, expires_at, secondary_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (credential) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			tenant_id = EXCLUDED.tenant_id,
			protocol_type = EXCLUDED.protocol_type,
			is_active = EXCLUDED.is_active,
			expires_at = EXCLUDED.expires_at,
			secondary_token = EXCLUDED.secondary_token`,
		credential, identity.DeviceID, identity.TenantID, identity.ProtocolType,
		identity.IsActive, nullTime(identity.ExpiresAt), identity.SecondaryToken)
	return err
}

func (s *postgresStore) UpsertRule(ctx context.Context, rule model.Rule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (id, device_id, priority, is_active, condition_json, action_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			condition_json = EXCLUDED.condition_json,
			action_json = EXCLUDED.action_json`,
		rule.ID, rule.DeviceID, rule.Priority, rule.IsActive,
		string(rule.Condition), string(rule.Action))
	return err
}

func (s *postgresStore) UpsertCEPRule(ctx context.Context, rule model.CEPRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cep_rules (id, tenant_id, is_active, pattern_json, condition_json, action_json,
			window_seconds, min_events, cooldown_seconds, last_matched_at, match_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			is_active = EXCLUDED.is_active,
			pattern_json = EXCLUDED.pattern_json,
			condition_json = EXCLUDED.condition_json,
			action_json = EXCLUDED.action_json,
			window_seconds = EXCLUDED.window_seconds,
			min_events = EXCLUDED.min_events,
			cooldown_seconds = EXCLUDED.cooldown_seconds`,
		rule.ID, rule.TenantID, rule.IsActive, string(rule.Pattern),
		string(rule.Condition), string(rule.Action),
		rule.WindowSeconds, rule.MinEvents, rule.CooldownSeconds,
		nullTime(rule.LastMatchedAt), rule.MatchCount)
	return err
}
