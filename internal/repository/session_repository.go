package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/befree-health/scheduling-api/internal/models"
)

const (
	sessionColumns = `id, doctor_id, patient_id, schedule_id, day_id, time_range_id, date, number_of_sessions, duration, status, created_at, updated_at`

	uniqueViolation       = "23505"
	currentSlotConstraint = "uq_sessions_current_slot"
)

// SessionRepository persists booked sessions.
type SessionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func isCurrentSlotViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation && pqErr.Constraint == currentSlotConstraint
}

// Create inserts a new Current session.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	now := r.now()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.Status = models.SessionCurrent
	session.CreatedAt = now
	session.UpdatedAt = now

	const query = `INSERT INTO sessions (` + sessionColumns + `)
VALUES (:id, :doctor_id, :patient_id, :schedule_id, :day_id, :time_range_id, :date, :number_of_sessions, :duration, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		if isCurrentSlotViolation(err) {
			return models.ErrSlotTaken
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID returns a session by id.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// UpdateStatus moves a session from one status to another. It returns
// models.ErrSessionStatusChanged when the session is no longer in from.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus) error {
	const query = `UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, to, r.now(), id, from)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if affected == 0 {
		return models.ErrSessionStatusChanged
	}
	return nil
}

// UpdateSlot repoints a Current session at another slot of the same schedule.
func (r *SessionRepository) UpdateSlot(ctx context.Context, id string, ref models.SlotRef, duration int64) error {
	const query = `UPDATE sessions SET schedule_id = $1, day_id = $2, time_range_id = $3, duration = $4, updated_at = $5
WHERE id = $6 AND status = $7`
	res, err := r.db.ExecContext(ctx, query, ref.ScheduleID, ref.DayID, ref.TimeRangeID, duration, r.now(), id, models.SessionCurrent)
	if err != nil {
		if isCurrentSlotViolation(err) {
			return models.ErrSlotTaken
		}
		return fmt.Errorf("update session slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session slot rows: %w", err)
	}
	if affected == 0 {
		return models.ErrSessionStatusChanged
	}
	return nil
}

// List returns a page of sessions, most recent date first, and the total match count.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.DoctorID != "" {
		args = append(args, filter.DoctorID)
		conditions = append(conditions, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sessions`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	page, size := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`SELECT %s FROM sessions%s ORDER BY date DESC, created_at DESC LIMIT $%d OFFSET $%d`, sessionColumns, where, len(args)-1, len(args))

	sessions := []models.Session{}
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// NextUpcomingForDoctor returns the earliest Current session dated at or after now.
func (r *SessionRepository) NextUpcomingForDoctor(ctx context.Context, doctorID string, now time.Time) (*models.Session, error) {
	var session models.Session
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE doctor_id = $1 AND status = $2 AND date >= $3 ORDER BY date ASC LIMIT 1`
	if err := r.db.GetContext(ctx, &session, query, doctorID, models.SessionCurrent, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find upcoming session: %w", err)
	}
	return &session, nil
}

// ExistsActiveBetween reports whether a non-canceled session ties the pair.
func (r *SessionRepository) ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM sessions WHERE doctor_id = $1 AND patient_id = $2 AND status <> $3)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, doctorID, patientID, models.SessionCanceled); err != nil {
		return false, fmt.Errorf("check active sessions: %w", err)
	}
	return exists, nil
}

// ListCurrentAfter pages through Current sessions ordered by id.
func (r *SessionRepository) ListCurrentAfter(ctx context.Context, afterID string, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = $1 AND id::text > $2 ORDER BY id::text ASC LIMIT $3`
	sessions := []models.Session{}
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionCurrent, afterID, limit); err != nil {
		return nil, fmt.Errorf("list current sessions: %w", err)
	}
	return sessions, nil
}
