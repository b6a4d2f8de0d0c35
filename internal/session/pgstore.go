package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/quotedesk/model"
)

// Schema creates the session tables. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS quotation_sessions (
	tenant_id   TEXT        NOT NULL,
	proposal_no TEXT        NOT NULL,
	state       JSONB       NOT NULL,
	version     INTEGER     NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, proposal_no)
);

CREATE INDEX IF NOT EXISTS quotation_sessions_expires_at_idx
	ON quotation_sessions (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS quotation_session_events (
	id          TEXT        PRIMARY KEY,
	tenant_id   TEXT        NOT NULL,
	proposal_no TEXT        NOT NULL,
	event       TEXT        NOT NULL,
	actor_id    TEXT        NOT NULL,
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	FOREIGN KEY (tenant_id, proposal_no)
		REFERENCES quotation_sessions (tenant_id, proposal_no) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS quotation_session_events_session_idx
	ON quotation_session_events (tenant_id, proposal_no, created_at);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The full session is
// kept as JSONB; version and expiry are columns so they can be checked and
// indexed.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate session schema: %w", err)
	}
	return nil
}

// Create inserts a new session.
func (s *PgStore) Create(ctx context.Context, sess model.Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO quotation_sessions (
			tenant_id, proposal_no, state, version, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, proposal_no) DO NOTHING`,
		sess.TenantID, sess.ProposalNo, state, sess.Version,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert quotation session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("quotation session %q already exists", sess.ProposalNo),
		)
	}
	return nil
}

// Get retrieves a session.
func (s *PgStore) Get(ctx context.Context, tenantID, proposalNo string) (model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT state, version, updated_at, expires_at
		FROM quotation_sessions
		WHERE tenant_id = $1 AND proposal_no = $2`,
		tenantID, proposalNo,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, notFound(proposalNo)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("query quotation session: %w", err)
	}
	return sess, nil
}

// Update persists a session with optimistic locking.
func (s *PgStore) Update(ctx context.Context, sess model.Session) (model.Session, error) {
	expected := sess.Version
	sess.Version = expected + 1
	sess.UpdatedAt = time.Now().UTC()

	state, err := json.Marshal(sess)
	if err != nil {
		return model.Session{}, fmt.Errorf("marshal session: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE quotation_sessions SET
			state = $1,
			version = $2,
			updated_at = $3,
			expires_at = $4
		WHERE tenant_id = $5 AND proposal_no = $6 AND version = $7`,
		state, sess.Version, sess.UpdatedAt, sess.ExpiresAt,
		sess.TenantID, sess.ProposalNo, expected,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("update quotation session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Session{}, versionConflict(sess.ProposalNo, expected)
	}
	return sess, nil
}

// Delete removes a session; its events cascade.
func (s *PgStore) Delete(ctx context.Context, tenantID, proposalNo string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM quotation_sessions
		WHERE tenant_id = $1 AND proposal_no = $2`,
		tenantID, proposalNo,
	)
	if err != nil {
		return fmt.Errorf("delete quotation session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(proposalNo)
	}
	return nil
}

// AppendEvent adds an event to the audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.SessionEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO quotation_session_events (
			id, tenant_id, proposal_no, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.TenantID, event.ProposalNo, event.Event,
		event.ActorID, data, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// GetEvents returns the audit trail oldest first.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, proposalNo string) ([]model.SessionEvent, error) {
	if _, err := s.Get(ctx, tenantID, proposalNo); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, proposal_no, event, actor_id, data, created_at
		FROM quotation_session_events
		WHERE tenant_id = $1 AND proposal_no = $2
		ORDER BY created_at ASC`,
		tenantID, proposalNo,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var evt model.SessionEvent
		var data []byte
		if err := rows.Scan(
			&evt.ID, &evt.TenantID, &evt.ProposalNo, &evt.Event,
			&evt.ActorID, &data, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if data != nil {
			_ = json.Unmarshal(data, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindExpired returns sessions past their expiry, soonest first.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, version, updated_at, expires_at
		FROM quotation_sessions
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quotation session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanSession decodes a state row. The columns win over the JSON copy.
func scanSession(row pgx.Row) (model.Session, error) {
	var (
		state     []byte
		sess      model.Session
		version   int
		updatedAt time.Time
		expiresAt *time.Time
	)
	if err := row.Scan(&state, &version, &updatedAt, &expiresAt); err != nil {
		return model.Session{}, err
	}
	if err := json.Unmarshal(state, &sess); err != nil {
		return model.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.Version = version
	sess.UpdatedAt = updatedAt
	sess.ExpiresAt = expiresAt
	return sess, nil
}

// OpenPgStore connects a pool from dsn, pings it and applies the schema.
// The returned func closes the pool.
func OpenPgStore(ctx context.Context, dsn string, maxConns int32) (*PgStore, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("session store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("session store: ping: %w", err)
	}

	store := NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
