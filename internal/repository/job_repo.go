package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesession-backend/internal/models"
)

// JobRepo records finalize jobs so their outcome survives the queue entry.
type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, session_id, type, reference_id, status, retry_count, max_retries, error_message, created_at, completed_at`

func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	j.ID = uuid.New()
	j.Status = models.JobPending
	j.RetryCount = 0
	if j.MaxRetries <= 0 {
		j.MaxRetries = models.DefaultJobRetries
	}

	return r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, session_id, type, reference_id, status, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		j.ID, j.SessionID, j.Type, j.ReferenceID, j.Status, j.MaxRetries,
	).Scan(&j.CreatedAt)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j := &models.Job{}
	err := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id).Scan(
		&j.ID, &j.SessionID, &j.Type, &j.ReferenceID, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.ErrorMessage, &j.CreatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateStatus stamps completed_at when the job reaches a terminal status.
func (r *JobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END
		WHERE id = $1`,
		id, status, status.Terminal(),
	)
	return err
}

func (r *JobRepo) UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET error_message = $2, retry_count = $3 WHERE id = $1`,
		id, errMsg, retryCount,
	)
	return err
}
