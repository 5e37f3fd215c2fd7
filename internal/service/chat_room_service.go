package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/models"
)

// Room events pushed to both participants.
const (
	EventRoomCreated = "room.created"
	EventRoomDeleted = "room.deleted"
)

type chatRoomStore interface {
	GetOrCreate(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, bool, error)
	FindByPair(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, error)
	DeleteByPair(ctx context.Context, doctorID, patientID string) (bool, error)
}

// Notifier delivers an event to connected users. Delivery is best-effort.
type Notifier interface {
	Notify(userIDs []string, eventType string, payload interface{})
}

// ChatRoomService provisions the chat room tied to a doctor/patient pair.
type ChatRoomService struct {
	store    chatRoomStore
	notifier Notifier
	logger   *zap.Logger
}

// NewChatRoomService constructs a chat room service. notifier may be nil.
func NewChatRoomService(store chatRoomStore, notifier Notifier, logger *zap.Logger) *ChatRoomService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatRoomService{store: store, notifier: notifier, logger: logger}
}

// SetNotifier attaches the realtime registry once it exists.
func (s *ChatRoomService) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// CreateRoom returns the pair's room id, creating the room when missing.
func (s *ChatRoomService) CreateRoom(ctx context.Context, patientID, doctorID string) (string, error) {
	room, created, err := s.store.GetOrCreate(ctx, doctorID, patientID)
	if err != nil {
		return "", translateStoreError(err, "failed to create chat room")
	}
	if created {
		s.logger.Info("chat room created", zap.String("room_id", room.ID), zap.String("doctor_id", doctorID), zap.String("patient_id", patientID))
		s.publish(EventRoomCreated, room)
	}
	return room.ID, nil
}

// DeleteRoom removes the pair's room if it exists.
func (s *ChatRoomService) DeleteRoom(ctx context.Context, patientID, doctorID string) error {
	room, err := s.store.FindByPair(ctx, doctorID, patientID)
	if err != nil {
		if errors.Is(err, models.ErrChatRoomNotFound) {
			return nil
		}
		return translateStoreError(err, "failed to load chat room")
	}
	deleted, err := s.store.DeleteByPair(ctx, doctorID, patientID)
	if err != nil {
		return translateStoreError(err, "failed to delete chat room")
	}
	if deleted {
		s.logger.Info("chat room deleted", zap.String("room_id", room.ID), zap.String("doctor_id", doctorID), zap.String("patient_id", patientID))
		s.publish(EventRoomDeleted, room)
	}
	return nil
}

// RoomExists reports whether the pair has a room.
func (s *ChatRoomService) RoomExists(ctx context.Context, patientID, doctorID string) (bool, error) {
	_, err := s.FindRoom(ctx, patientID, doctorID)
	if err != nil {
		if errors.Is(err, models.ErrChatRoomNotFound) {
			return false, nil
		}
		return false, translateStoreError(err, "failed to load chat room")
	}
	return true, nil
}

// FindRoom returns the pair's room or models.ErrChatRoomNotFound.
func (s *ChatRoomService) FindRoom(ctx context.Context, patientID, doctorID string) (*models.ChatRoom, error) {
	return s.store.FindByPair(ctx, doctorID, patientID)
}

func (s *ChatRoomService) publish(eventType string, room *models.ChatRoom) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify([]string{room.DoctorID, room.PatientID}, eventType, room)
}
