package dto

import (
	"time"

	"github.com/befree-health/scheduling-api/internal/models"
)

// TimeRangeInput is one submitted slot.
type TimeRangeInput struct {
	From time.Time `json:"from" validate:"required"`
	To   time.Time `json:"to" validate:"required"`
}

// DayInput is one submitted weekday.
type DayInput struct {
	Day        models.Weekday   `json:"day" validate:"required"`
	TimeRanges []TimeRangeInput `json:"timeRanges" validate:"dive"`
}

// UpsertScheduleRequest replaces a doctor's whole week.
type UpsertScheduleRequest struct {
	Days []DayInput `json:"days" validate:"required,len=7,dive"`
}

// UpsertScheduleResult reports whether the schedule was created or replaced.
type UpsertScheduleResult struct {
	Schedule *models.Schedule `json:"schedule"`
	Created  bool             `json:"created"`
}

// AvailableTimes lists the currently bookable ranges of a doctor.
type AvailableTimes struct {
	DoctorID   string               `json:"doctorId"`
	ScheduleID string               `json:"scheduleId"`
	Days       []models.DaySchedule `json:"days"`
}
