package models

import "time"

// SessionStatus is the lifecycle state of a booked session.
type SessionStatus string

const (
	SessionCurrent   SessionStatus = "Current"
	SessionCompleted SessionStatus = "Completed"
	SessionCanceled  SessionStatus = "Canceled"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionCurrent, SessionCompleted, SessionCanceled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCanceled
}

// Session is a booked appointment pinned to one slot by id.
type Session struct {
	ID               string        `db:"id" json:"id"`
	DoctorID         string        `db:"doctor_id" json:"doctorId"`
	PatientID        string        `db:"patient_id" json:"patientId"`
	ScheduleID       string        `db:"schedule_id" json:"scheduleId"`
	DayID            string        `db:"day_id" json:"dayId"`
	TimeRangeID      string        `db:"time_range_id" json:"timeRangeId"`
	Date             time.Time     `db:"date" json:"date"`
	NumberOfSessions int           `db:"number_of_sessions" json:"numberOfSessions"`
	Duration         int64         `db:"duration" json:"duration"`
	Status           SessionStatus `db:"status" json:"status"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updatedAt"`
}

// Slot returns the slot the session holds.
func (s *Session) Slot() SlotRef {
	return SlotRef{ScheduleID: s.ScheduleID, DayID: s.DayID, TimeRangeID: s.TimeRangeID}
}

// HasParticipant reports whether userID is the doctor or the patient.
func (s *Session) HasParticipant(userID string) bool {
	return userID != "" && (s.DoctorID == userID || s.PatientID == userID)
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	DoctorID  string
	PatientID string
	Status    SessionStatus
	Page      int
	PageSize  int
}
