package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// OpenPool opens a Postgres connection pool for the credential table,
// following the teacher repo's internal/db/pg.go pool-construction idiom.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("tokenstore: postgres pool created")

	return pool, nil
}

// PostgresStore persists credential records in a single `tenant_credentials`
// table. Upsert relies on Postgres's own MVCC snapshot isolation for
// atomicity: a single `INSERT ... ON CONFLICT DO UPDATE` statement is one
// transaction, so a concurrent reader's SELECT sees either the row before
// or after, never a torn write. The journal/WAL Postgres already maintains
// is what survives a process crash mid-write; this package adds nothing on
// top of that.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-opened pool. The schema is the
// implementer's choice (§6); columns below are this broker's choice.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenant_credentials (
	tenant_id               TEXT PRIMARY KEY,
	data_center             TEXT NOT NULL DEFAULT '',
	base_url                TEXT NOT NULL DEFAULT '',
	instance                TEXT NOT NULL DEFAULT '',
	client_id               TEXT NOT NULL DEFAULT '',
	encrypted_client_secret BYTEA NOT NULL DEFAULT '',
	tenant_name             TEXT NOT NULL DEFAULT '',
	tenant_email            TEXT NOT NULL DEFAULT '',
	encrypted_refresh_token BYTEA NOT NULL DEFAULT '',
	encrypted_access_token  BYTEA NOT NULL DEFAULT '',
	access_token_expires_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	scopes                  TEXT[] NOT NULL DEFAULT '{}',
	needs_reauth            BOOLEAN NOT NULL DEFAULT FALSE,
	last_refresh            TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	consecutive_failures    INTEGER NOT NULL DEFAULT 0,
	identity_breaker_state  TEXT NOT NULL DEFAULT 'closed',
	identity_breaker_fails  INTEGER NOT NULL DEFAULT 0,
	identity_breaker_ok     INTEGER NOT NULL DEFAULT 0,
	identity_breaker_opened TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	api_breaker_state       TEXT NOT NULL DEFAULT 'closed',
	api_breaker_fails       INTEGER NOT NULL DEFAULT 0,
	api_breaker_ok          INTEGER NOT NULL DEFAULT 0,
	api_breaker_opened      TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
)`

// Migrate creates the credential table if it does not already exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, data_center, base_url, instance, client_id, encrypted_client_secret,
		       tenant_name, tenant_email,
		       encrypted_refresh_token, encrypted_access_token,
		       access_token_expires_at, scopes, needs_reauth, last_refresh,
		       consecutive_failures,
		       identity_breaker_state, identity_breaker_fails, identity_breaker_ok, identity_breaker_opened,
		       api_breaker_state, api_breaker_fails, api_breaker_ok, api_breaker_opened
		FROM tenant_credentials WHERE tenant_id = $1`, tenantID)

	rec := &Record{}
	err := row.Scan(
		&rec.TenantID, &rec.DataCenter, &rec.BaseURL, &rec.Instance, &rec.ClientID, &rec.EncryptedClientSecret,
		&rec.Name, &rec.Email,
		&rec.EncryptedRefreshToken, &rec.EncryptedAccessToken,
		&rec.AccessTokenExpiresAt, &rec.Scopes, &rec.NeedsReauth, &rec.LastRefresh,
		&rec.ConsecutiveFailures,
		&rec.IdentityBreaker.State, &rec.IdentityBreaker.ConsecutiveFails, &rec.IdentityBreaker.ConsecutiveSuccess, &rec.IdentityBreaker.OpenedAt,
		&rec.APIBreaker.State, &rec.APIBreaker.ConsecutiveFails, &rec.APIBreaker.ConsecutiveSuccess, &rec.APIBreaker.OpenedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_credentials (
			tenant_id, data_center, base_url, instance, client_id, encrypted_client_secret,
			tenant_name, tenant_email,
			encrypted_refresh_token, encrypted_access_token,
			access_token_expires_at, scopes, needs_reauth, last_refresh,
			consecutive_failures,
			identity_breaker_state, identity_breaker_fails, identity_breaker_ok, identity_breaker_opened,
			api_breaker_state, api_breaker_fails, api_breaker_ok, api_breaker_opened
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (tenant_id) DO UPDATE SET
			data_center             = EXCLUDED.data_center,
			base_url                = EXCLUDED.base_url,
			instance                = EXCLUDED.instance,
			client_id               = EXCLUDED.client_id,
			encrypted_client_secret = EXCLUDED.encrypted_client_secret,
			tenant_name             = EXCLUDED.tenant_name,
			tenant_email            = EXCLUDED.tenant_email,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			encrypted_access_token  = EXCLUDED.encrypted_access_token,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			scopes                  = EXCLUDED.scopes,
			needs_reauth            = EXCLUDED.needs_reauth,
			last_refresh            = EXCLUDED.last_refresh,
			consecutive_failures    = EXCLUDED.consecutive_failures,
			identity_breaker_state  = EXCLUDED.identity_breaker_state,
			identity_breaker_fails  = EXCLUDED.identity_breaker_fails,
			identity_breaker_ok     = EXCLUDED.identity_breaker_ok,
			identity_breaker_opened = EXCLUDED.identity_breaker_opened,
			api_breaker_state       = EXCLUDED.api_breaker_state,
			api_breaker_fails       = EXCLUDED.api_breaker_fails,
			api_breaker_ok          = EXCLUDED.api_breaker_ok,
			api_breaker_opened      = EXCLUDED.api_breaker_opened`,
		rec.TenantID, rec.DataCenter, rec.BaseURL, rec.Instance, rec.ClientID, rec.EncryptedClientSecret,
		rec.Name, rec.Email,
		rec.EncryptedRefreshToken, rec.EncryptedAccessToken,
		rec.AccessTokenExpiresAt, rec.Scopes, rec.NeedsReauth, rec.LastRefresh,
		rec.ConsecutiveFailures,
		rec.IdentityBreaker.State, rec.IdentityBreaker.ConsecutiveFails, rec.IdentityBreaker.ConsecutiveSuccess, rec.IdentityBreaker.OpenedAt,
		rec.APIBreaker.State, rec.APIBreaker.ConsecutiveFails, rec.APIBreaker.ConsecutiveSuccess, rec.APIBreaker.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) MarkNeedsReauth(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenant_credentials SET needs_reauth = TRUE WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, data_center, base_url, instance, client_id, encrypted_client_secret,
		       tenant_name, tenant_email,
		       encrypted_refresh_token, encrypted_access_token,
		       access_token_expires_at, scopes, needs_reauth, last_refresh,
		       consecutive_failures,
		       identity_breaker_state, identity_breaker_fails, identity_breaker_ok, identity_breaker_opened,
		       api_breaker_state, api_breaker_fails, api_breaker_ok, api_breaker_opened
		FROM tenant_credentials WHERE needs_reauth = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(
			&rec.TenantID, &rec.DataCenter, &rec.BaseURL, &rec.Instance, &rec.ClientID, &rec.EncryptedClientSecret,
			&rec.Name, &rec.Email,
			&rec.EncryptedRefreshToken, &rec.EncryptedAccessToken,
			&rec.AccessTokenExpiresAt, &rec.Scopes, &rec.NeedsReauth, &rec.LastRefresh,
			&rec.ConsecutiveFailures,
			&rec.IdentityBreaker.State, &rec.IdentityBreaker.ConsecutiveFails, &rec.IdentityBreaker.ConsecutiveSuccess, &rec.IdentityBreaker.OpenedAt,
			&rec.APIBreaker.State, &rec.APIBreaker.ConsecutiveFails, &rec.APIBreaker.ConsecutiveSuccess, &rec.APIBreaker.OpenedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}
