package models

import "errors"

// Store-level conditions shared by every backend.
var (
	ErrScheduleNotFound     = errors.New("schedule not found")
	ErrDayNotFound          = errors.New("day not found")
	ErrTimeRangeNotFound    = errors.New("time range not found")
	ErrSlotTaken            = errors.New("time range already taken")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionStatusChanged = errors.New("session status changed concurrently")
	ErrChatRoomNotFound     = errors.New("chat room not found")
)
