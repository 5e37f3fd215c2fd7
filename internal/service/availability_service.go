package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/dto"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

const availableTimesCachePrefix = "available-times:"

type scheduleStore interface {
	FindByDoctorID(ctx context.Context, doctorID string) (*models.Schedule, error)
	Upsert(ctx context.Context, doctorID string, days []models.DaySchedule) (*models.Schedule, bool, error)
	SetSlotAvailability(ctx context.Context, ref models.SlotRef, available bool) error
	ClaimSlot(ctx context.Context, ref models.SlotRef) error
}

// AvailabilityService owns doctor schedules and the availability flag of every slot.
type AvailabilityService struct {
	store     scheduleStore
	cache     *CacheService
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAvailabilityService constructs an availability service. cache may be nil.
func NewAvailabilityService(store scheduleStore, cache *CacheService, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *AvailabilityService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityService{store: store, cache: cache, cacheTTL: cacheTTL, validator: validate, logger: logger}
}

func availableTimesKey(doctorID string) string {
	return availableTimesCachePrefix + doctorID
}

// UpsertSchedule creates or replaces the weekly schedule of a doctor.
func (s *AvailabilityService) UpsertSchedule(ctx context.Context, doctorID string, req dto.UpsertScheduleRequest) (*dto.UpsertScheduleResult, error) {
	if doctorID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "doctor id is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "schedule must contain exactly 7 days")
	}
	days, err := normalizeDays(req.Days)
	if err != nil {
		return nil, err
	}

	schedule, created, err := s.store.Upsert(ctx, doctorID, days)
	if err != nil {
		return nil, translateStoreError(err, "failed to save schedule")
	}
	s.cache.Invalidate(ctx, availableTimesKey(doctorID))

	s.logger.Info("schedule saved",
		zap.String("doctor_id", doctorID),
		zap.String("schedule_id", schedule.ID),
		zap.Bool("created", created),
	)
	return &dto.UpsertScheduleResult{Schedule: schedule, Created: created}, nil
}

// normalizeDays checks the week shape and every range, returning store input.
func normalizeDays(input []dto.DayInput) ([]models.DaySchedule, error) {
	if len(input) != models.DaysPerSchedule {
		return nil, appErrors.Clone(appErrors.ErrValidation, "schedule must contain exactly 7 days")
	}
	seen := make(map[models.Weekday]bool, models.DaysPerSchedule)
	days := make([]models.DaySchedule, 0, len(input))
	for _, day := range input {
		if !day.Day.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid day %q", day.Day))
		}
		if seen[day.Day] {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate day %s", day.Day))
		}
		seen[day.Day] = true

		ranges := make([]models.TimeRange, 0, len(day.TimeRanges))
		for _, tr := range day.TimeRanges {
			if tr.From.IsZero() || tr.To.IsZero() {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s: from and to are required", day.Day))
			}
			if !tr.From.Before(tr.To) {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s: from must be before to", day.Day))
			}
			ranges = append(ranges, models.TimeRange{From: tr.From.UTC(), To: tr.To.UTC()})
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].From.Before(ranges[j].From) })
		for i := 1; i < len(ranges); i++ {
			if ranges[i].From.Before(ranges[i-1].To) {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s: time ranges overlap", day.Day))
			}
		}
		days = append(days, models.DaySchedule{Day: day.Day, TimeRanges: ranges})
	}
	return days, nil
}

// GetSchedule returns the full schedule of a doctor.
func (s *AvailabilityService) GetSchedule(ctx context.Context, doctorID string) (*models.Schedule, error) {
	schedule, err := s.store.FindByDoctorID(ctx, doctorID)
	if err != nil {
		return nil, translateStoreError(err, "failed to load schedule")
	}
	return schedule, nil
}

// GetAvailableSlots returns only the ranges currently flagged available, and whether
// the answer came from cache.
func (s *AvailabilityService) GetAvailableSlots(ctx context.Context, doctorID string) (*dto.AvailableTimes, bool, error) {
	key := availableTimesKey(doctorID)
	var cached dto.AvailableTimes
	if s.cache.Get(ctx, key, &cached) {
		return &cached, true, nil
	}

	schedule, err := s.GetSchedule(ctx, doctorID)
	if err != nil {
		return nil, false, err
	}
	result := &dto.AvailableTimes{
		DoctorID:   schedule.DoctorID,
		ScheduleID: schedule.ID,
		Days:       schedule.AvailableDays(),
	}
	s.cache.Set(ctx, key, result, s.cacheTTL)
	return result, false, nil
}

// ClaimSlot atomically flips an available slot to unavailable. A slot that is
// already unavailable yields a Conflict.
func (s *AvailabilityService) ClaimSlot(ctx context.Context, doctorID string, ref models.SlotRef) error {
	if err := s.store.ClaimSlot(ctx, ref); err != nil {
		return translateStoreError(err, "failed to reserve time range")
	}
	s.cache.Invalidate(ctx, availableTimesKey(doctorID))
	return nil
}

// ReleaseSlot marks a slot available again.
func (s *AvailabilityService) ReleaseSlot(ctx context.Context, doctorID string, ref models.SlotRef) error {
	if err := s.store.SetSlotAvailability(ctx, ref, true); err != nil {
		return translateStoreError(err, "failed to release time range")
	}
	s.cache.Invalidate(ctx, availableTimesKey(doctorID))
	return nil
}
