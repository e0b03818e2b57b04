package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderly/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record in its intake state.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	scenesJSON, err := json.Marshal(job.Scenes)
	if err != nil {
		return fmt.Errorf("marshal scenes: %w", err)
	}
	avatarJSON, err := json.Marshal(job.Avatar)
	if err != nil {
		return fmt.Errorf("marshal avatar placement: %w", err)
	}

	query := `
INSERT INTO video_jobs (id, owner_id, product_id, product_title, scenes_json, image_url,
                        avatar_id, voice_id, avatar_script, avatar_json, webhook_url,
                        status, progress)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.ProductID,
		job.ProductTitle,
		scenesJSON,
		job.ImageURL,
		job.AvatarID,
		job.VoiceID,
		job.AvatarScript,
		avatarJSON,
		job.WebhookURL,
		job.Status,
		job.Progress,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := selectColumns + `
FROM video_jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first, optionally filtered by
// status.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string, status domain.JobStatus) ([]domain.Job, error) {
	query := selectColumns + `
FROM video_jobs
WHERE owner_id = $1
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, query, ownerID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Update persists the job's mutable runtime state. GREATEST keeps the stored
// progress monotone even if a stale writer reports a lower value.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	query := `
UPDATE video_jobs
SET status = $2,
    progress = GREATEST(progress, $3),
    error_message = $4,
    scene_video_uri = $5,
    scene_video_url = $6,
    overlay_asset_id = $7,
    overlay_video_id = $8,
    final_video_url = $9,
    completed_at = $10,
    processing_seconds = $11,
    credits_used = $12,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.Progress,
		job.ErrorMessage,
		job.SceneVideoURI,
		job.SceneVideoURL,
		job.OverlayAssetID,
		job.OverlayVideoID,
		job.FinalVideoURL,
		job.CompletedAt,
		job.ProcessingSeconds,
		job.CreditsUsed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectColumns = `
SELECT id, owner_id, product_id, product_title, scenes_json, image_url,
       avatar_id, voice_id, avatar_script, avatar_json, webhook_url,
       status, progress, error_message,
       scene_video_uri, scene_video_url, overlay_asset_id, overlay_video_id, final_video_url,
       created_at, updated_at, completed_at, processing_seconds, credits_used`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		scenesJSON []byte
		avatarJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ProductID,
		&job.ProductTitle,
		&scenesJSON,
		&job.ImageURL,
		&job.AvatarID,
		&job.VoiceID,
		&job.AvatarScript,
		&avatarJSON,
		&job.WebhookURL,
		&job.Status,
		&job.Progress,
		&job.ErrorMessage,
		&job.SceneVideoURI,
		&job.SceneVideoURL,
		&job.OverlayAssetID,
		&job.OverlayVideoID,
		&job.FinalVideoURL,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.ProcessingSeconds,
		&job.CreditsUsed,
	); err != nil {
		return nil, err
	}
	if len(scenesJSON) > 0 {
		if err := json.Unmarshal(scenesJSON, &job.Scenes); err != nil {
			return nil, fmt.Errorf("unmarshal scenes: %w", err)
		}
	}
	if len(avatarJSON) > 0 {
		if err := json.Unmarshal(avatarJSON, &job.Avatar); err != nil {
			return nil, fmt.Errorf("unmarshal avatar placement: %w", err)
		}
	}
	return &job, nil
}
