package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

// NewPostgresClient opens the pool, pings it and migrates the schema.
// The single-active-session index is created separately, after duplicates are reconciled.
func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}
	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

var schema = []struct {
	name string
	ddl  string
}{
	{"owners", `
		CREATE TABLE IF NOT EXISTS owners (
			id BIGSERIAL PRIMARY KEY,
			channel_id VARCHAR(255) UNIQUE NOT NULL,
			platform VARCHAR(20) NOT NULL DEFAULT 'generic',
			name VARCHAR(255) NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			message_count BIGINT NOT NULL DEFAULT 0,
			session_count BIGINT NOT NULL DEFAULT 0,
			summary_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"owner_usage", `
		CREATE TABLE IF NOT EXISTS owner_usage (
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			date DATE NOT NULL,
			messages_received INT NOT NULL DEFAULT 0,
			sessions_closed INT NOT NULL DEFAULT 0,
			summaries_completed INT NOT NULL DEFAULT 0,
			tokens_used INT NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, date)
		);`},
	{"rooms", `
		CREATE TABLE IF NOT EXISTS rooms (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			external_id VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			type VARCHAR(10) NOT NULL DEFAULT 'user',
			message_count BIGINT NOT NULL DEFAULT 0,
			session_count BIGINT NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (owner_id, external_id)
		);`},
	{"chat_sessions", `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			room_id BIGINT NOT NULL REFERENCES rooms(id),
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			message_count INT NOT NULL DEFAULT 0,
			message_log JSONB NOT NULL DEFAULT '[]'::jsonb,
			summary_id BIGINT,
			close_reason VARCHAR(40) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_chat_sessions_room_status ON chat_sessions(room_id, status);`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			external_id VARCHAR(255) NOT NULL DEFAULT '',
			session_id BIGINT NOT NULL REFERENCES chat_sessions(id),
			room_id BIGINT NOT NULL REFERENCES rooms(id),
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			direction VARCHAR(10) NOT NULL DEFAULT 'user',
			type VARCHAR(10) NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			sender_id VARCHAR(255) NOT NULL DEFAULT '',
			sender_name VARCHAR(255) NOT NULL DEFAULT '',
			room_name VARCHAR(255) NOT NULL DEFAULT '',
			room_type VARCHAR(10) NOT NULL DEFAULT 'user',
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			media_key TEXT NOT NULL DEFAULT '',
			media_status VARCHAR(10) NOT NULL DEFAULT 'none',
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			sent_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sent_at);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_messages_room_external ON messages(room_id, external_id) WHERE external_id <> '';`},
	{"summaries", `
		CREATE TABLE IF NOT EXISTS summaries (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT UNIQUE NOT NULL REFERENCES chat_sessions(id),
			room_id BIGINT NOT NULL REFERENCES rooms(id),
			owner_id BIGINT NOT NULL REFERENCES owners(id),
			status VARCHAR(20) NOT NULL DEFAULT 'processing',
			content TEXT NOT NULL DEFAULT '',
			key_topics JSONB NOT NULL DEFAULT '[]'::jsonb,
			analysis JSONB NOT NULL DEFAULT '{}'::jsonb,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			model VARCHAR(100) NOT NULL DEFAULT '',
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			total_tokens INT NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);`},
	{"raw_events", `
		CREATE TABLE IF NOT EXISTS raw_events (
			event_id VARCHAR(255) PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			platform VARCHAR(20) NOT NULL DEFAULT 'generic',
			type VARCHAR(50) NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			normalized JSONB,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			process_error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0
		);
		ALTER TABLE raw_events ADD COLUMN IF NOT EXISTS attempts INT NOT NULL DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_raw_events_expires ON raw_events(expires_at);
		CREATE INDEX IF NOT EXISTS idx_raw_events_unprocessed ON raw_events(received_at) WHERE processed_at IS NULL;`},
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, t := range schema {
		if _, err := p.Pool.Exec(ctx, t.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", t.name, err)
		}
	}
	logger := Component("postgres")
	logger.Info().Int("tables", len(schema)).Msg("schema migrated")
	return nil
}

// EnsureActiveSessionIndex installs the partial unique index allowing one active session per room.
// It fails while duplicate active sessions exist, so the reconciler must run first.
func (p *PostgresClient) EnsureActiveSessionIndex(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_chat_sessions_active_room
		ON chat_sessions(room_id) WHERE status = 'active'
	`)
	if err != nil {
		return fmt.Errorf("create active session index: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
