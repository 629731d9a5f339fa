package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesession-backend/internal/models"
)

const progressColumns = `session_id, user_id, viewed_items, completed_items, items_viewed, items_completed,
	current_item_ref, overall_score, total_time_spent_seconds, relative_status, last_heartbeat_at, updated_at`

type ProgressRepo struct {
	pool *pgxpool.Pool
}

func NewProgressRepo(pool *pgxpool.Pool) *ProgressRepo {
	return &ProgressRepo{pool: pool}
}

// Ensure creates the learner's progress row if missing and returns it.
func (r *ProgressRepo) Ensure(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	_, err := r.pool.Exec(ctx, `INSERT INTO learner_progress (session_id, user_id)
		VALUES ($1, $2) ON CONFLICT (session_id, user_id) DO NOTHING`, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress: %w", err)
	}
	return r.Get(ctx, sessionID, userID)
}

func (r *ProgressRepo) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+progressColumns+` FROM learner_progress
		WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	return scanProgress(row)
}

func (r *ProgressRepo) List(ctx context.Context, sessionID uuid.UUID) ([]*models.LearnerProgress, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+progressColumns+` FROM learner_progress
		WHERE session_id = $1 ORDER BY user_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var out []*models.LearnerProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkViewed adds ref to viewed_items. Nothing is written, and ev is not
// appended, when ref is already viewed.
func (r *ProgressRepo) MarkViewed(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	query := `UPDATE learner_progress SET
			viewed_items = array_append(viewed_items, $3::TEXT),
			items_viewed = cardinality(viewed_items) + 1,
			current_item_ref = $3,
			updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2 AND NOT ($3 = ANY(viewed_items))
		RETURNING ` + progressColumns
	return r.conditional(ctx, query, []any{sessionID, userID, ref}, ev)
}

// MarkCompleted adds ref to completed_items and, if missing, to viewed_items.
// Nothing is written when ref is already completed.
func (r *ProgressRepo) MarkCompleted(ctx context.Context, sessionID, userID uuid.UUID, ref string, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	query := `UPDATE learner_progress SET
			completed_items = array_append(completed_items, $3::TEXT),
			items_completed = cardinality(completed_items) + 1,
			viewed_items = CASE WHEN $3 = ANY(viewed_items) THEN viewed_items ELSE array_append(viewed_items, $3::TEXT) END,
			items_viewed = CASE WHEN $3 = ANY(viewed_items) THEN cardinality(viewed_items) ELSE cardinality(viewed_items) + 1 END,
			updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2 AND NOT ($3 = ANY(completed_items))
		RETURNING ` + progressColumns
	return r.conditional(ctx, query, []any{sessionID, userID, ref}, ev)
}

// SetRelativeStatus moves relative_status to status when the current value is
// in from.
func (r *ProgressRepo) SetRelativeStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.RelativeStatus, status models.RelativeStatus, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	query := `UPDATE learner_progress SET relative_status = $3, updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2 AND relative_status = ANY($4)
		RETURNING ` + progressColumns
	return r.conditional(ctx, query, []any{sessionID, userID, string(status), names}, ev)
}

func (r *ProgressRepo) conditional(ctx context.Context, query string, args []any, ev *models.SessionEvent) (*models.LearnerProgress, bool, error) {
	var p *models.LearnerProgress
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row, err := scanProgress(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return err
		}
		p = row
		if ev == nil {
			return nil
		}
		ev.SessionID = p.SessionID
		return insertEvent(ctx, tx, ev)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update progress: %w", err)
	}
	return p, true, nil
}

func (r *ProgressRepo) Update(ctx context.Context, sessionID, userID uuid.UUID, upd models.ProgressUpdate) (*models.LearnerProgress, error) {
	row := r.pool.QueryRow(ctx, `UPDATE learner_progress SET
			current_item_ref = COALESCE($3, current_item_ref),
			overall_score = COALESCE($4, overall_score),
			total_time_spent_seconds = total_time_spent_seconds + $5,
			updated_at = NOW()
		WHERE session_id = $1 AND user_id = $2
		RETURNING `+progressColumns, sessionID, userID, upd.CurrentItemRef, upd.OverallScore, upd.TimeSpentSeconds)
	return scanProgress(row)
}

func (r *ProgressRepo) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) (*models.LearnerProgress, error) {
	row := r.pool.QueryRow(ctx, `UPDATE learner_progress SET last_heartbeat_at = NOW()
		WHERE session_id = $1 AND user_id = $2
		RETURNING `+progressColumns, sessionID, userID)
	return scanProgress(row)
}

func scanProgress(row pgx.Row) (*models.LearnerProgress, error) {
	p := &models.LearnerProgress{}
	err := row.Scan(
		&p.SessionID, &p.UserID, &p.ViewedItems, &p.CompletedItems, &p.ItemsViewed, &p.ItemsCompleted,
		&p.CurrentItemRef, &p.OverallScore, &p.TotalTimeSpentSeconds, &p.RelativeStatus, &p.LastHeartbeatAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
