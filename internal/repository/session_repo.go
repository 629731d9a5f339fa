package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesession-backend/internal/models"
)

const stateColumns = `session_id, status, started_at, paused_at, total_pause_seconds,
	current_module_ref, current_item_ref, unlocked_modules, unlocked_items,
	trainer_message, active_quiz_id, updated_by, updated_at`

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// Create inserts a waiting state row and its trainer member together.
func (r *SessionRepo) Create(ctx context.Context, s *models.SessionState, trainer *models.Member) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO session_states (session_id, status, updated_by)
			VALUES ($1, $2, $3)
			RETURNING `+stateColumns, s.SessionID, models.SessionWaiting, s.UpdatedBy)
		created, err := scanState(row)
		if err != nil {
			return fmt.Errorf("failed to create session state: %w", err)
		}
		*s = *created

		return tx.QueryRow(ctx, `INSERT INTO session_members (session_id, user_id, role, status, display_name, avatar_ref)
			VALUES ($1, $2, 'trainer', 'active', $3, $4)
			RETURNING id, status, joined_at, last_seen_at`,
			trainer.SessionID, trainer.UserID, trainer.DisplayName, trainer.AvatarRef,
		).Scan(&trainer.ID, &trainer.Status, &trainer.JoinedAt, &trainer.LastSeenAt)
	})
}

func (r *SessionRepo) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionState, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM session_states WHERE session_id = $1`, sessionID)
	return scanState(row)
}

// Apply conditionally writes change when the row's status is in from. An
// unlock already present matches no row. When a row is written and ev is not
// nil the event is appended in the same transaction. applied is false when
// nothing matched; the caller re-reads to find out why.
func (r *SessionRepo) Apply(ctx context.Context, sessionID uuid.UUID, from []models.SessionStatus, change models.StateChange, ev *models.SessionEvent) (*models.SessionState, bool, error) {
	sets, args := stateSetClauses(change, []any{sessionID, statusStrings(from)})

	where := "session_id = $1 AND status = ANY($2)"
	if change.UnlockModule != "" {
		args = append(args, change.UnlockModule)
		where += fmt.Sprintf(" AND NOT ($%d = ANY(unlocked_modules))", len(args))
	}
	if change.UnlockItem != "" {
		args = append(args, change.UnlockItem)
		where += fmt.Sprintf(" AND NOT ($%d = ANY(unlocked_items))", len(args))
	}

	query := fmt.Sprintf(`UPDATE session_states SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, stateColumns)

	var state *models.SessionState
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := scanState(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return err
		}
		state = s
		if ev == nil {
			return nil
		}
		ev.SessionID = sessionID
		return insertEvent(ctx, tx, ev)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply session change: %w", err)
	}
	return state, true, nil
}

// stateSetClauses builds SET assignments whose placeholders continue after
// the arguments already in args.
func stateSetClauses(c models.StateChange, args []any) ([]string, []any) {
	var sets []string
	add := func(clause string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}

	if c.Status != nil {
		add("status = ?", string(*c.Status))
	}
	if c.MarkStarted {
		sets = append(sets, "started_at = COALESCE(started_at, NOW())")
	}
	if c.MarkPaused {
		sets = append(sets, "paused_at = COALESCE(paused_at, NOW())")
	}
	if c.ClearPause {
		sets = append(sets,
			"total_pause_seconds = total_pause_seconds + COALESCE(EXTRACT(EPOCH FROM (NOW() - paused_at))::INT, 0)",
			"paused_at = NULL")
	}
	if c.CurrentModule != nil {
		add("current_module_ref = ?", *c.CurrentModule)
	}
	if c.CurrentItem != nil {
		add("current_item_ref = ?", *c.CurrentItem)
	}
	if c.UnlockModule != "" {
		add("unlocked_modules = array_append(unlocked_modules, ?::TEXT)", c.UnlockModule)
	}
	if c.UnlockItem != "" {
		add("unlocked_items = array_append(unlocked_items, ?::TEXT)", c.UnlockItem)
	}
	if c.Message != nil {
		msg, _ := json.Marshal(c.Message)
		add("trainer_message = ?", msg)
	}
	if c.ClearMessage {
		sets = append(sets, "trainer_message = NULL")
	}
	if c.ActiveQuizID != nil {
		add("active_quiz_id = ?", *c.ActiveQuizID)
	}
	if c.ClearActiveQuiz {
		sets = append(sets, "active_quiz_id = NULL")
	}
	add("updated_by = ?", c.UpdatedBy)
	sets = append(sets, "updated_at = NOW()")
	return sets, args
}

func statusStrings(from []models.SessionStatus) []string {
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func scanState(row pgx.Row) (*models.SessionState, error) {
	s := &models.SessionState{}
	var msg []byte
	err := row.Scan(
		&s.SessionID, &s.Status, &s.StartedAt, &s.PausedAt, &s.TotalPauseSeconds,
		&s.CurrentModuleRef, &s.CurrentItemRef, &s.UnlockedModules, &s.UnlockedItems,
		&msg, &s.ActiveQuizID, &s.UpdatedBy, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(msg) > 0 {
		s.TrainerMessage = &models.TrainerMessage{}
		if err := json.Unmarshal(msg, s.TrainerMessage); err != nil {
			return nil, fmt.Errorf("failed to decode trainer message: %w", err)
		}
	}
	return s, nil
}
