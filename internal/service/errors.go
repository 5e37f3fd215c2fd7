package service

import (
	"errors"

	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

// translateStoreError maps store sentinels onto the API taxonomy. Anything
// unrecognised becomes an internal error carrying only fallback as message.
func translateStoreError(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, models.ErrScheduleNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "Schedule not found")
	case errors.Is(err, models.ErrDayNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "Day not found")
	case errors.Is(err, models.ErrTimeRangeNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "Time range not found")
	case errors.Is(err, models.ErrSlotTaken):
		return appErrors.Clone(appErrors.ErrConflict, "Time range already taken")
	case errors.Is(err, models.ErrSessionNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "Session not found")
	case errors.Is(err, models.ErrChatRoomNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "Chat room not found")
	}
	return appErrors.Internal(err, fallback)
}

func validationError(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
}
