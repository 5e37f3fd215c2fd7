package dto

import "github.com/befree-health/scheduling-api/internal/models"

// CreateSessionRequest books a slot. Duration is accepted for older clients but
// the stored value is always derived from the slot.
type CreateSessionRequest struct {
	DayID            string `json:"dayId" validate:"required"`
	TimeRangeID      string `json:"timeRangeId" validate:"required"`
	Date             string `json:"date" validate:"required"`
	NumberOfSessions int    `json:"numberOfSessions" validate:"required,min=1"`
	Duration         *int64 `json:"duration,omitempty" validate:"omitempty,min=30"`
}

// RescheduleSessionRequest moves a session to another slot of the same doctor.
type RescheduleSessionRequest struct {
	DayID       string `json:"dayId" validate:"required"`
	TimeRangeID string `json:"timeRangeId" validate:"required"`
}

// SessionCreated is returned after a successful booking.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId,omitempty"`
}

// SessionDetail is a session with its room and resolved slot.
type SessionDetail struct {
	models.Session
	RoomID    string            `json:"roomId,omitempty"`
	Day       models.Weekday    `json:"day,omitempty"`
	TimeRange *models.TimeRange `json:"timeRange,omitempty"`
}

// SessionListQuery holds list parameters bound from the query string.
type SessionListQuery struct {
	Status string `form:"status"`
	Page   int    `form:"page"`
	Limit  int    `form:"limit"`
}

// SessionPage is one page of sessions.
type SessionPage struct {
	Items []models.Session
	Page  int
	Limit int
	Total int
}
