package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_configs (
    chat_id BIGINT PRIMARY KEY,
    clan_tag TEXT NOT NULL DEFAULT '',
    war_chat_id BIGINT NOT NULL DEFAULT 0,
    results_chat_id BIGINT NOT NULL DEFAULT 0,
    capital_chat_id BIGINT NOT NULL DEFAULT 0,
    thresholds INT[] NOT NULL DEFAULT '{720,180,60}',
    tz TEXT NOT NULL DEFAULT 'UTC',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_links (
    id BIGSERIAL PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    tg_user_id BIGINT NOT NULL,
    player_tag TEXT NOT NULL,
    nickname TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (chat_id, player_tag)
);

CREATE TABLE IF NOT EXISTS wars (
    id BIGSERIAL PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    war_id TEXT NOT NULL,
    state TEXT NOT NULL,
    end_time TIMESTAMPTZ,
    summary_posted BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (chat_id, war_id)
);

CREATE TABLE IF NOT EXISTS war_reminders (
    id BIGSERIAL PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    war_id TEXT NOT NULL,
    player_tag TEXT NOT NULL,
    threshold_minutes INT NOT NULL,
    sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (chat_id, war_id, player_tag, threshold_minutes)
);

CREATE TABLE IF NOT EXISTS raid_seasons_posted (
    id BIGSERIAL PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    season_end TEXT NOT NULL,
    posted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (chat_id, season_end)
);
`

// Connect создаёт пул подключений к Postgres.
func Connect(dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Migrate применяет схему. Все DDL идемпотентны.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
