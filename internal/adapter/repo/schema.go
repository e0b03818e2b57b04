package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the job table when it does not exist yet. Kept inline
// rather than as a migration tool so a fresh environment boots with nothing
// but a database URL.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS video_jobs (
    id                 UUID PRIMARY KEY,
    owner_id           TEXT NOT NULL,
    product_id         TEXT NOT NULL DEFAULT '',
    product_title      TEXT NOT NULL DEFAULT '',
    scenes_json        JSONB NOT NULL DEFAULT '[]',
    image_url          TEXT NOT NULL DEFAULT '',
    avatar_id          TEXT NOT NULL DEFAULT '',
    voice_id           TEXT NOT NULL DEFAULT '',
    avatar_script      TEXT NOT NULL DEFAULT '',
    avatar_json        JSONB NOT NULL DEFAULT '{}',
    webhook_url        TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'pending',
    progress           INT NOT NULL DEFAULT 0,
    error_message      TEXT NOT NULL DEFAULT '',
    scene_video_uri    TEXT NOT NULL DEFAULT '',
    scene_video_url    TEXT NOT NULL DEFAULT '',
    overlay_asset_id   TEXT NOT NULL DEFAULT '',
    overlay_video_id   TEXT NOT NULL DEFAULT '',
    final_video_url    TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at       TIMESTAMPTZ,
    processing_seconds INT,
    credits_used       INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_video_jobs_owner ON video_jobs (owner_id, created_at DESC);
`)
	return err
}
