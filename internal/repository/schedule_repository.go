package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/befree-health/scheduling-api/internal/models"
)

// ScheduleRepository persists weekly schedules in Postgres.
type ScheduleRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewScheduleRepository constructs a schedule repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type timeRangeRow struct {
	models.TimeRange
	DayID    string `db:"day_id"`
	Position int    `db:"position"`
}

// FindByDoctorID loads the full schedule of a doctor.
func (r *ScheduleRepository) FindByDoctorID(ctx context.Context, doctorID string) (*models.Schedule, error) {
	var schedule models.Schedule
	const query = `SELECT id, doctor_id, created_at, updated_at FROM doctor_schedules WHERE doctor_id = $1`
	if err := r.db.GetContext(ctx, &schedule, query, doctorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("find schedule by doctor: %w", err)
	}
	if err := r.loadDays(ctx, r.db, &schedule, false); err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (r *ScheduleRepository) loadDays(ctx context.Context, q sqlx.QueryerContext, schedule *models.Schedule, lock bool) error {
	const daysQuery = `SELECT id, day FROM schedule_days WHERE schedule_id = $1 ORDER BY position ASC`
	var days []models.DaySchedule
	if err := sqlx.SelectContext(ctx, q, &days, daysQuery, schedule.ID); err != nil {
		return fmt.Errorf("list schedule days: %w", err)
	}

	rangesQuery := `SELECT id, day_id, from_at, to_at, is_available, position FROM schedule_time_ranges WHERE schedule_id = $1 ORDER BY position ASC`
	if lock {
		rangesQuery += ` FOR UPDATE`
	}
	var rows []timeRangeRow
	if err := sqlx.SelectContext(ctx, q, &rows, rangesQuery, schedule.ID); err != nil {
		return fmt.Errorf("list schedule time ranges: %w", err)
	}

	index := make(map[string]int, len(days))
	for i := range days {
		days[i].TimeRanges = []models.TimeRange{}
		index[days[i].ID] = i
	}
	for _, row := range rows {
		if i, ok := index[row.DayID]; ok {
			days[i].TimeRanges = append(days[i].TimeRanges, row.TimeRange)
		}
	}
	schedule.Days = days
	return nil
}

// Upsert creates or replaces the doctor's week. Existing day and range ids survive
// via models.MergeDays, and the range rows are locked so concurrent claims wait.
func (r *ScheduleRepository) Upsert(ctx context.Context, doctorID string, days []models.DaySchedule) (*models.Schedule, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin schedule upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := r.now()
	var head struct {
		models.Schedule
		Inserted bool `db:"inserted"`
	}
	const upsertHead = `INSERT INTO doctor_schedules (id, doctor_id, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (doctor_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING id, doctor_id, created_at, updated_at, (xmax = 0) AS inserted`
	if err = tx.GetContext(ctx, &head, upsertHead, uuid.NewString(), doctorID, now); err != nil {
		return nil, false, fmt.Errorf("upsert schedule head: %w", err)
	}
	schedule := head.Schedule

	existing := models.Schedule{ID: schedule.ID}
	if !head.Inserted {
		if err = r.loadDays(ctx, tx, &existing, true); err != nil {
			return nil, false, err
		}
	}
	schedule.Days = models.MergeDays(existing.Days, days, uuid.NewString)

	if err = r.syncDays(ctx, tx, schedule, existing.Days); err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit schedule upsert: %w", err)
	}
	return &schedule, head.Inserted, nil
}

func (r *ScheduleRepository) syncDays(ctx context.Context, tx *sqlx.Tx, schedule models.Schedule, previous []models.DaySchedule) error {
	oldDays := make(map[string]struct{}, len(previous))
	oldRanges := make(map[string]struct{})
	for _, d := range previous {
		oldDays[d.ID] = struct{}{}
		for _, tr := range d.TimeRanges {
			oldRanges[tr.ID] = struct{}{}
		}
	}

	keepDays := make([]string, 0, len(schedule.Days))
	keepRanges := make([]string, 0)
	for _, d := range schedule.Days {
		keepDays = append(keepDays, d.ID)
		for _, tr := range d.TimeRanges {
			keepRanges = append(keepRanges, tr.ID)
		}
	}

	const deleteRanges = `DELETE FROM schedule_time_ranges WHERE schedule_id = $1 AND NOT (id = ANY($2))`
	if _, err := tx.ExecContext(ctx, deleteRanges, schedule.ID, pq.Array(keepRanges)); err != nil {
		return fmt.Errorf("delete stale time ranges: %w", err)
	}
	const deleteDays = `DELETE FROM schedule_days WHERE schedule_id = $1 AND NOT (id = ANY($2))`
	if _, err := tx.ExecContext(ctx, deleteDays, schedule.ID, pq.Array(keepDays)); err != nil {
		return fmt.Errorf("delete stale days: %w", err)
	}

	const insertDay = `INSERT INTO schedule_days (id, schedule_id, day, position) VALUES ($1, $2, $3, $4)`
	const updateDay = `UPDATE schedule_days SET position = $1 WHERE id = $2`
	const insertRange = `INSERT INTO schedule_time_ranges (id, day_id, schedule_id, from_at, to_at, is_available, position) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	const updateRange = `UPDATE schedule_time_ranges SET position = $1 WHERE id = $2`

	for dayPos, d := range schedule.Days {
		if _, ok := oldDays[d.ID]; ok {
			if _, err := tx.ExecContext(ctx, updateDay, dayPos, d.ID); err != nil {
				return fmt.Errorf("update day position: %w", err)
			}
		} else if _, err := tx.ExecContext(ctx, insertDay, d.ID, schedule.ID, d.Day, dayPos); err != nil {
			return fmt.Errorf("insert day: %w", err)
		}

		for pos, tr := range d.TimeRanges {
			if _, ok := oldRanges[tr.ID]; ok {
				if _, err := tx.ExecContext(ctx, updateRange, pos, tr.ID); err != nil {
					return fmt.Errorf("update time range position: %w", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, insertRange, tr.ID, d.ID, schedule.ID, tr.From, tr.To, tr.IsAvailable, pos); err != nil {
				return fmt.Errorf("insert time range: %w", err)
			}
		}
	}
	return nil
}

// SetSlotAvailability sets the flag of one range without touching its siblings.
func (r *ScheduleRepository) SetSlotAvailability(ctx context.Context, ref models.SlotRef, available bool) error {
	const query = `UPDATE schedule_time_ranges SET is_available = $1 WHERE id = $2 AND day_id = $3 AND schedule_id = $4`
	res, err := r.db.ExecContext(ctx, query, available, ref.TimeRangeID, ref.DayID, ref.ScheduleID)
	if err != nil {
		return fmt.Errorf("set slot availability: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set slot availability rows: %w", err)
	} else if affected == 0 {
		_, err := r.probeSlot(ctx, ref)
		return err
	}
	return nil
}

// ClaimSlot flips an available range to unavailable in a single conditional update.
// It returns models.ErrSlotTaken when the range was already unavailable.
func (r *ScheduleRepository) ClaimSlot(ctx context.Context, ref models.SlotRef) error {
	const query = `UPDATE schedule_time_ranges SET is_available = FALSE WHERE id = $1 AND day_id = $2 AND schedule_id = $3 AND is_available = TRUE`
	res, err := r.db.ExecContext(ctx, query, ref.TimeRangeID, ref.DayID, ref.ScheduleID)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim slot rows: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.probeSlot(ctx, ref); err != nil {
		return err
	}
	return models.ErrSlotTaken
}

// probeSlot explains a missed update: which part of the reference is unknown, or
// the current flag when the range exists.
func (r *ScheduleRepository) probeSlot(ctx context.Context, ref models.SlotRef) (bool, error) {
	const query = `SELECT
    EXISTS (SELECT 1 FROM doctor_schedules WHERE id = $1) AS schedule_found,
    EXISTS (SELECT 1 FROM schedule_days WHERE id = $2 AND schedule_id = $1) AS day_found,
    (SELECT is_available FROM schedule_time_ranges WHERE id = $3 AND day_id = $2 AND schedule_id = $1) AS available`
	var probe struct {
		ScheduleFound bool         `db:"schedule_found"`
		DayFound      bool         `db:"day_found"`
		Available     sql.NullBool `db:"available"`
	}
	if err := r.db.GetContext(ctx, &probe, query, ref.ScheduleID, ref.DayID, ref.TimeRangeID); err != nil {
		return false, fmt.Errorf("probe slot: %w", err)
	}
	switch {
	case !probe.ScheduleFound:
		return false, models.ErrScheduleNotFound
	case !probe.DayFound:
		return false, models.ErrDayNotFound
	case !probe.Available.Valid:
		return false, models.ErrTimeRangeNotFound
	}
	return probe.Available.Bool, nil
}
