package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesession-backend/internal/models"
)

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Append(ctx context.Context, ev *models.SessionEvent) error {
	return insertEvent(ctx, r.pool, ev)
}

// List returns a newest-first page of events. before is an exclusive seq
// cursor; 0 starts from the newest event.
func (r *EventRepo) List(ctx context.Context, sessionID uuid.UUID, limit int, before int64) ([]*models.SessionEvent, error) {
	query := `SELECT id, seq, session_id, user_id, event_type, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, sessionID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.SessionEvent
	for rows.Next() {
		ev := &models.SessionEvent{}
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.SessionID, &ev.UserID, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, q rowQuerier, ev *models.SessionEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}

	query := `INSERT INTO session_events (id, session_id, user_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`

	if err := q.QueryRow(ctx, query, ev.ID, ev.SessionID, ev.UserID, ev.EventType, ev.Payload).Scan(&ev.Seq, &ev.CreatedAt); err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.EventType, err)
	}
	return nil
}
