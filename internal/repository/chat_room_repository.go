package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/befree-health/scheduling-api/internal/models"
)

// ChatRoomRepository stores one room per doctor/patient pair.
type ChatRoomRepository struct {
	db *sqlx.DB
}

// NewChatRoomRepository constructs a chat room repository.
func NewChatRoomRepository(db *sqlx.DB) *ChatRoomRepository {
	return &ChatRoomRepository{db: db}
}

// GetOrCreate returns the pair's room, creating it when missing.
func (r *ChatRoomRepository) GetOrCreate(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, bool, error) {
	room := models.ChatRoom{
		ID:        uuid.NewString(),
		Name:      models.RoomName(doctorID, patientID),
		DoctorID:  doctorID,
		PatientID: patientID,
		CreatedAt: time.Now().UTC(),
	}
	const insert = `INSERT INTO chat_rooms (id, name, doctor_id, patient_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (doctor_id, patient_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, insert, room.ID, room.Name, room.DoctorID, room.PatientID, room.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create chat room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create chat room rows: %w", err)
	}
	if affected == 1 {
		return &room, true, nil
	}
	existing, err := r.FindByPair(ctx, doctorID, patientID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByPair returns the pair's room.
func (r *ChatRoomRepository) FindByPair(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, error) {
	const query = `SELECT id, name, doctor_id, patient_id, created_at FROM chat_rooms WHERE doctor_id = $1 AND patient_id = $2`
	var room models.ChatRoom
	if err := r.db.GetContext(ctx, &room, query, doctorID, patientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrChatRoomNotFound
		}
		return nil, fmt.Errorf("find chat room: %w", err)
	}
	return &room, nil
}

// DeleteByPair removes the pair's room and reports whether one existed.
func (r *ChatRoomRepository) DeleteByPair(ctx context.Context, doctorID, patientID string) (bool, error) {
	const query = `DELETE FROM chat_rooms WHERE doctor_id = $1 AND patient_id = $2`
	res, err := r.db.ExecContext(ctx, query, doctorID, patientID)
	if err != nil {
		return false, fmt.Errorf("delete chat room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete chat room rows: %w", err)
	}
	return affected > 0, nil
}
