package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/befree-health/scheduling-api/internal/dto"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
	"github.com/befree-health/scheduling-api/pkg/response"
)

type bookingService interface {
	CreateSession(ctx context.Context, patientID, doctorID string, req dto.CreateSessionRequest) (*dto.SessionCreated, error)
	CancelSession(ctx context.Context, requesterID, sessionID string) (*models.Session, error)
	CompleteSession(ctx context.Context, requesterID, sessionID string) (*models.Session, error)
	RescheduleSession(ctx context.Context, requesterID, sessionID string, req dto.RescheduleSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, claims *models.JWTClaims, sessionID string) (*dto.SessionDetail, error)
	ListForDoctor(ctx context.Context, doctorID string, query dto.SessionListQuery) (*dto.SessionPage, error)
	ListForPatient(ctx context.Context, patientID string, query dto.SessionListQuery) (*dto.SessionPage, error)
	NextUpcomingForDoctor(ctx context.Context, doctorID string) (*models.Session, error)
	RequireCompleted(ctx context.Context, sessionID string) (*models.Session, error)
}

// SessionHandler exposes booking and session lifecycle endpoints.
type SessionHandler struct {
	service bookingService
}

// NewSessionHandler builds a new handler.
func NewSessionHandler(service bookingService) *SessionHandler {
	return &SessionHandler{service: service}
}

// Create godoc
// @Summary Book a session with a doctor
// @Tags Sessions
// @Accept json
// @Produce json
// @Param doctorId path string true "Doctor ID"
// @Param payload body dto.CreateSessionRequest true "Slot to book"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{doctorId} [post]
func (h *SessionHandler) Create(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}
	result, err := h.service.CreateSession(c.Request.Context(), claims.UserID, c.Param("doctorId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Get godoc
// @Summary Get a session
// @Tags Sessions
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{sessionId} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	detail, err := h.service.GetSession(c.Request.Context(), claims, c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Cancel godoc
// @Summary Cancel a session
// @Tags Sessions
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{sessionId}/cancel [patch]
func (h *SessionHandler) Cancel(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	session, err := h.service.CancelSession(c.Request.Context(), claims.UserID, c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Complete godoc
// @Summary Mark a session as completed
// @Tags Sessions
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /sessions/{sessionId}/complete [patch]
func (h *SessionHandler) Complete(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	session, err := h.service.CompleteSession(c.Request.Context(), claims.UserID, c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Reschedule godoc
// @Summary Move a session to another slot of the same doctor
// @Tags Sessions
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body dto.RescheduleSessionRequest true "New slot"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/patient/session/{sessionId} [patch]
func (h *SessionHandler) Reschedule(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var req dto.RescheduleSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid reschedule payload"))
		return
	}
	session, err := h.service.RescheduleSession(c.Request.Context(), claims.UserID, c.Param("sessionId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// ListForDoctor godoc
// @Summary List the calling doctor's sessions
// @Tags Sessions
// @Produce json
// @Param status query string false "current, completed or canceled"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions/doctor/all [get]
func (h *SessionHandler) ListForDoctor(c *gin.Context) {
	h.list(c, h.service.ListForDoctor)
}

// ListForPatient godoc
// @Summary List the calling patient's sessions
// @Tags Sessions
// @Produce json
// @Param status query string false "current, completed or canceled"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions/patient/all [get]
func (h *SessionHandler) ListForPatient(c *gin.Context) {
	h.list(c, h.service.ListForPatient)
}

func (h *SessionHandler) list(c *gin.Context, fetch func(context.Context, string, dto.SessionListQuery) (*dto.SessionPage, error)) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var query dto.SessionListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	page, err := fetch(c.Request.Context(), claims.UserID, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page.Items, response.NewPagination(page.Page, page.Limit, page.Total))
}

// Upcoming godoc
// @Summary Next current session of the calling doctor
// @Tags Sessions
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/doctor/upcoming [get]
func (h *SessionHandler) Upcoming(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	session, err := h.service.NextUpcomingForDoctor(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Completed godoc
// @Summary Assert a session is completed
// @Description Used by the review service before accepting feedback.
// @Tags Sessions
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{sessionId}/completed [get]
func (h *SessionHandler) Completed(c *gin.Context) {
	session, err := h.service.RequireCompleted(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}
