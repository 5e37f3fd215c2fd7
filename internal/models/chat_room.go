package models

import (
	"fmt"
	"time"
)

// ChatRoom links one doctor and one patient.
type ChatRoom struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	DoctorID  string    `db:"doctor_id" json:"doctorId"`
	PatientID string    `db:"patient_id" json:"patientId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// RoomName is the display name of the pair's room.
func RoomName(doctorID, patientID string) string {
	return fmt.Sprintf("Room-%s-%s", doctorID, patientID)
}
