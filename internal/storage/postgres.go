package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/keygate/internal/crypto"
	"github.com/org/keygate/pkg/models"
)

// PostgresBackend stores API keys and audit entries in PostgreSQL.
// When a KEK is configured, signing secrets are sealed at rest.
type PostgresBackend struct {
	pool *pgxpool.Pool
	kek  []byte
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
// kek may be nil to store secrets unsealed.
func NewPostgresBackend(ctx context.Context, connStr string, kek []byte) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool, kek: kek}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// --- API keys ---

func (p *PostgresBackend) GetAPIKey(ctx context.Context, key string) (*models.KeyRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT key, name, tier, rate_limit, secret, sealed, permissions FROM api_keys WHERE key = $1`,
		key,
	)
	return p.scanKey(row)
}

func (p *PostgresBackend) ListAPIKeys(ctx context.Context) ([]*models.KeyRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, name, tier, rate_limit, secret, sealed, permissions FROM api_keys ORDER BY key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.KeyRecord
	for rows.Next() {
		rec, err := p.scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) scanKey(row pgx.Row) (*models.KeyRecord, error) {
	var (
		rec    models.KeyRecord
		secret []byte
		sealed bool
	)
	if err := row.Scan(&rec.Key, &rec.Name, &rec.Tier, &rec.RateLimit, &secret, &sealed, &rec.Permissions); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sealed {
		if p.kek == nil {
			return nil, fmt.Errorf("key %s: secret is sealed but no KEK is configured", rec.KeyID())
		}
		plain, err := crypto.Open(secret, p.kek)
		if err != nil {
			return nil, fmt.Errorf("key %s: opening secret: %w", rec.KeyID(), err)
		}
		secret = plain
	}
	rec.Secret = string(secret)
	return &rec, nil
}

// PutAPIKey inserts a new key. Existing keys are never overwritten.
func (p *PostgresBackend) PutAPIKey(ctx context.Context, rec *models.KeyRecord) error {
	secret := []byte(rec.Secret)
	sealed := false
	if p.kek != nil {
		s, err := crypto.Seal(secret, p.kek)
		if err != nil {
			return fmt.Errorf("sealing secret: %w", err)
		}
		secret, sealed = s, true
	}
	perms := rec.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (key, name, tier, rate_limit, secret, sealed, permissions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Key, rec.Name, rec.Tier, rec.RateLimit, secret, sealed, perms,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, api_key, method, endpoint, status, reason, response_time_ms, client_ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.RequestID, e.Timestamp, e.APIKey, e.Method, e.Endpoint,
		e.Status, e.Reason, e.ResponseTimeMs, e.ClientIP, e.UserAgent,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query, args := buildAuditQuery(filter, postgresDialect)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.APIKey, &e.Method, &e.Endpoint,
			&e.Status, &e.Reason, &e.ResponseTimeMs, &e.ClientIP, &e.UserAgent); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
