package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// DB is the subset of [pgxpool.Pool] used by [PostgresStore].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recording_sessions (
    id          TEXT         PRIMARY KEY,
    guild_id    TEXT         NOT NULL,
    channel_id  TEXT         NOT NULL,
    started_by  TEXT         NOT NULL DEFAULT '',
    path        TEXT         NOT NULL DEFAULT '',
    trace_id    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ,
    packets     BIGINT       NOT NULL DEFAULT 0,
    fillers     BIGINT       NOT NULL DEFAULT 0,
    bytes       BIGINT       NOT NULL DEFAULT 0,
    talkers     INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recording_sessions_started_at
    ON recording_sessions (started_at DESC);

CREATE TABLE IF NOT EXISTS talker_activity (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES recording_sessions (id) ON DELETE CASCADE,
    user_id     TEXT         NOT NULL DEFAULT '',
    username    TEXT         NOT NULL DEFAULT '',
    ssrc        BIGINT       NOT NULL DEFAULT 0,
    kind        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_talker_activity_session_at
    ON talker_activity (session_id, at);
`

// Migrate creates the recording tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlRecordings); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// PostgresStore is a [Store] backed by PostgreSQL.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	db    DB
	close func()
}

// NewPostgresStore connects to the database at dsn, pings it and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

// NewPostgresStoreFromDB wraps an existing connection. The schema is
// expected to exist already. Close does not close db.
func NewPostgresStoreFromDB(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool opened by [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}

// CreateSession implements [Store].
func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	const q = `
		INSERT INTO recording_sessions
		    (id, guild_id, channel_id, started_by, path, trace_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, q,
		sess.ID,
		sess.GuildID,
		sess.ChannelID,
		sess.StartedBy,
		sess.Path,
		sess.TraceID,
		sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("recording store: create session: %w", err)
	}
	return nil
}

// FinishSession implements [Store].
func (s *PostgresStore) FinishSession(ctx context.Context, id string, endedAt time.Time, stats Stats) error {
	const q = `
		UPDATE recording_sessions
		SET    ended_at = $2, packets = $3, fillers = $4, bytes = $5, talkers = $6
		WHERE  id = $1`

	tag, err := s.db.Exec(ctx, q, id, endedAt, stats.Packets, stats.Fillers, stats.Bytes, stats.Talkers)
	if err != nil {
		return fmt.Errorf("recording store: finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordActivity implements [Store].
func (s *PostgresStore) RecordActivity(ctx context.Context, a Activity) error {
	const q = `
		INSERT INTO talker_activity (session_id, user_id, username, ssrc, kind, at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, q, a.SessionID, a.UserID, a.Username, int64(a.SSRC), string(a.Kind), a.At)
	if err != nil {
		return fmt.Errorf("recording store: record activity: %w", err)
	}
	return nil
}

const selectSession = `
		SELECT id, guild_id, channel_id, started_by, path, trace_id, started_at,
		       ended_at, packets, fillers, bytes, talkers
		FROM   recording_sessions`

// GetSession implements [Store].
func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRow(ctx, selectSession+"\n\t\tWHERE  id = $1", id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("recording store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions implements [Store].
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := selectSession + "\n\t\tORDER  BY started_at DESC, id"
	var args []any
	if limit > 0 {
		q += "\n\t\tLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recording store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("recording store: scan rows: %w", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// ListActivity implements [Store].
func (s *PostgresStore) ListActivity(ctx context.Context, sessionID string) ([]Activity, error) {
	const q = `
		SELECT session_id, user_id, username, ssrc, kind, at
		FROM   talker_activity
		WHERE  session_id = $1
		ORDER  BY at, id`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recording store: list activity: %w", err)
	}
	activity, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Activity, error) {
		var (
			a    Activity
			ssrc int64
			kind string
		)
		if err := row.Scan(&a.SessionID, &a.UserID, &a.Username, &ssrc, &kind, &a.At); err != nil {
			return Activity{}, err
		}
		a.SSRC = uint32(ssrc)
		a.Kind = ActivityKind(kind)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording store: scan rows: %w", err)
	}
	if activity == nil {
		activity = []Activity{}
	}
	return activity, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess    Session
		endedAt *time.Time
	)
	err := row.Scan(
		&sess.ID,
		&sess.GuildID,
		&sess.ChannelID,
		&sess.StartedBy,
		&sess.Path,
		&sess.TraceID,
		&sess.StartedAt,
		&endedAt,
		&sess.Stats.Packets,
		&sess.Stats.Fillers,
		&sess.Stats.Bytes,
		&sess.Stats.Talkers,
	)
	if err != nil {
		return Session{}, err
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	return sess, nil
}
