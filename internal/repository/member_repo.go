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

const memberColumns = `id, session_id, user_id, role, status, display_name, avatar_ref, joined_at, last_seen_at`

type MemberRepo struct {
	pool *pgxpool.Pool
}

func NewMemberRepo(pool *pgxpool.Pool) *MemberRepo {
	return &MemberRepo{pool: pool}
}

// Enroll inserts the member or, when it already exists, reactivates a dropped
// member and refreshes its display fields. Role is never changed. changed
// reports whether the row was created or reactivated.
func (r *MemberRepo) Enroll(ctx context.Context, m *models.Member) (bool, error) {
	query := `WITH prev AS (
			SELECT status FROM session_members WHERE session_id = $1 AND user_id = $2
		)
		INSERT INTO session_members (session_id, user_id, role, status, display_name, avatar_ref)
		VALUES ($1, $2, $3, 'active', $4, $5)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			status = CASE WHEN session_members.status = 'dropped' THEN 'active' ELSE session_members.status END,
			display_name = EXCLUDED.display_name,
			avatar_ref = COALESCE(EXCLUDED.avatar_ref, session_members.avatar_ref),
			last_seen_at = NOW()
		RETURNING ` + memberColumns + `, COALESCE((SELECT status FROM prev), '') `

	var prev string
	err := r.pool.QueryRow(ctx, query, m.SessionID, m.UserID, string(m.Role), m.DisplayName, m.AvatarRef).Scan(
		&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Status, &m.DisplayName, &m.AvatarRef, &m.JoinedAt, &m.LastSeenAt,
		&prev,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enroll member: %w", err)
	}
	return prev == "" || prev == string(models.MemberDropped), nil
}

func (r *MemberRepo) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.Member, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM session_members WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	return scanMember(row)
}

func (r *MemberRepo) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+memberColumns+` FROM session_members WHERE session_id = $1 ORDER BY joined_at, user_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountLearners counts learner members whose status is in statuses.
func (r *MemberRepo) CountLearners(ctx context.Context, sessionID uuid.UUID, statuses []models.MemberStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM session_members
		WHERE session_id = $1 AND role = 'learner' AND status = ANY($2)`, sessionID, names).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count learners: %w", err)
	}
	return n, nil
}

// SetStatus moves a member to status when its current status is in from.
// The returned member is nil when nothing matched.
func (r *MemberRepo) SetStatus(ctx context.Context, sessionID, userID uuid.UUID, from []models.MemberStatus, status models.MemberStatus) (*models.Member, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	row := r.pool.QueryRow(ctx, `UPDATE session_members SET status = $3, last_seen_at = NOW()
		WHERE session_id = $1 AND user_id = $2 AND status = ANY($4)
		RETURNING `+memberColumns, sessionID, userID, string(status), names)
	m, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set member status: %w", err)
	}
	return m, nil
}

// CompleteRemaining marks every enrolled or active member completed.
func (r *MemberRepo) CompleteRemaining(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE session_members SET status = 'completed'
		WHERE session_id = $1 AND status IN ('enrolled', 'active')`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete members: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *MemberRepo) Touch(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE session_members SET last_seen_at = NOW()
		WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	return err
}

func scanMember(row pgx.Row) (*models.Member, error) {
	m := &models.Member{}
	err := row.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Status, &m.DisplayName, &m.AvatarRef, &m.JoinedAt, &m.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}
