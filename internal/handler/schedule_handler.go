package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/befree-health/scheduling-api/internal/dto"
	"github.com/befree-health/scheduling-api/internal/middleware"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
	"github.com/befree-health/scheduling-api/pkg/response"
)

type scheduleService interface {
	UpsertSchedule(ctx context.Context, doctorID string, req dto.UpsertScheduleRequest) (*dto.UpsertScheduleResult, error)
	GetSchedule(ctx context.Context, doctorID string) (*models.Schedule, error)
	GetAvailableSlots(ctx context.Context, doctorID string) (*dto.AvailableTimes, bool, error)
}

// ScheduleHandler exposes doctor schedule endpoints.
type ScheduleHandler struct {
	service scheduleService
}

// NewScheduleHandler builds a new handler.
func NewScheduleHandler(service scheduleService) *ScheduleHandler {
	return &ScheduleHandler{service: service}
}

// Upsert godoc
// @Summary Create or replace the caller's weekly schedule
// @Tags Schedules
// @Accept json
// @Produce json
// @Param payload body dto.UpsertScheduleRequest true "Seven days with their time ranges"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /schedules [post]
func (h *ScheduleHandler) Upsert(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var req dto.UpsertScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid schedule payload"))
		return
	}
	result, err := h.service.UpsertSchedule(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Created {
		response.Created(c, result.Schedule)
		return
	}
	response.JSON(c, http.StatusOK, result.Schedule, nil)
}

// Get godoc
// @Summary Get a doctor's schedule
// @Description Psychologists read their own schedule; patients pass doctorId.
// @Tags Schedules
// @Produce json
// @Param doctorId query string false "Doctor ID (required for patients)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /schedules [get]
func (h *ScheduleHandler) Get(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	doctorID := c.Query("doctorId")
	if claims.Role == models.RolePsychologist {
		doctorID = claims.UserID
	}
	if doctorID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "doctorId is required"))
		return
	}
	schedule, err := h.service.GetSchedule(c.Request.Context(), doctorID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedule, nil)
}

// AvailableTimes godoc
// @Summary List a doctor's currently bookable time ranges
// @Tags Schedules
// @Produce json
// @Param doctorId path string true "Doctor ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /schedules/available-times/{doctorId} [get]
func (h *ScheduleHandler) AvailableTimes(c *gin.Context) {
	result, hit, err := h.service.GetAvailableSlots(c.Request.Context(), c.Param("doctorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, result, nil, middleware.ExtractMeta(c))
}
