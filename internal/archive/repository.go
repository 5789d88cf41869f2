package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the archive table.
const Schema = `CREATE TABLE IF NOT EXISTS duel_games (
	session_id  TEXT        NOT NULL,
	epoch       BIGINT      NOT NULL,
	white_name  TEXT        NOT NULL DEFAULT '',
	black_name  TEXT        NOT NULL DEFAULT '',
	result      TEXT        NOT NULL DEFAULT '',
	reason      TEXT        NOT NULL DEFAULT '',
	moves_uci   JSONB       NOT NULL DEFAULT '[]',
	moves_san   JSONB       NOT NULL DEFAULT '[]',
	pgn         TEXT        NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ,
	duration_ms BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, epoch)
)`

const upsertGame = `INSERT INTO duel_games (
	session_id, epoch, white_name, black_name,
	result, reason, moves_uci, moves_san, pgn,
	started_at, ended_at, duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (session_id, epoch) DO UPDATE SET
	white_name=EXCLUDED.white_name,
	black_name=EXCLUDED.black_name,
	result=EXCLUDED.result,
	reason=EXCLUDED.reason,
	moves_uci=EXCLUDED.moves_uci,
	moves_san=EXCLUDED.moves_san,
	pgn=EXCLUDED.pgn,
	started_at=EXCLUDED.started_at,
	ended_at=EXCLUDED.ended_at,
	duration_ms=EXCLUDED.duration_ms`

// Repository is the Postgres Saver.
type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// EnsureSchema creates the table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save upserts g keyed by session and epoch.
func (r *Repository) Save(ctx context.Context, g *Game) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}
	if err := FillSAN(g); err != nil {
		return err
	}
	uciRaw, _ := json.Marshal(nonNil(g.MovesUCI))
	sanRaw, _ := json.Marshal(nonNil(g.MovesSAN))
	duration := g.EndedAt.Sub(g.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err := r.db.ExecContext(ctx, upsertGame,
		g.SessionID, int64(g.Epoch),
		g.WhiteName, g.BlackName,
		ResultToken(g), g.Reason,
		string(uciRaw), string(sanRaw), BuildPGN(g),
		g.StartedAt, g.EndedAt, duration,
	)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
