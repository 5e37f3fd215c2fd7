package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/dto"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

const (
	defaultSessionPageSize = 20
	maxSessionPageSize     = 100
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus) error
	UpdateSlot(ctx context.Context, id string, ref models.SlotRef, duration int64) error
	List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error)
	NextUpcomingForDoctor(ctx context.Context, doctorID string, now time.Time) (*models.Session, error)
	ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error)
}

type slotLedger interface {
	GetSchedule(ctx context.Context, doctorID string) (*models.Schedule, error)
	ClaimSlot(ctx context.Context, doctorID string, ref models.SlotRef) error
	ReleaseSlot(ctx context.Context, doctorID string, ref models.SlotRef) error
}

type roomProvisioner interface {
	CreateRoom(ctx context.Context, patientID, doctorID string) (string, error)
	DeleteRoom(ctx context.Context, patientID, doctorID string) error
	FindRoom(ctx context.Context, patientID, doctorID string) (*models.ChatRoom, error)
}

type reconcileScheduler interface {
	Schedule(jobType string, task ReconcileTask, cause error)
}

// BookingService is the only writer of sessions and of slot flags caused by bookings.
type BookingService struct {
	sessions   sessionStore
	slots      slotLedger
	rooms      roomProvisioner
	reconciler reconcileScheduler
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewBookingService constructs the booking engine. reconciler and metrics may be nil.
func NewBookingService(sessions sessionStore, slots slotLedger, rooms roomProvisioner, reconciler reconcileScheduler, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingService{
		sessions:   sessions,
		slots:      slots,
		rooms:      rooms,
		reconciler: reconciler,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession books a slot of doctorID for patientID. The slot is claimed with a
// conditional flip before the session row is written, so concurrent bookings of
// one slot produce exactly one session.
func (s *BookingService) CreateSession(ctx context.Context, patientID, doctorID string, req dto.CreateSessionRequest) (result *dto.SessionCreated, err error) {
	defer func() { s.observe("create", err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid session payload")
	}
	date, err := parseSessionDate(req.Date)
	if err != nil {
		return nil, err
	}

	schedule, err := s.slots.GetSchedule(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	day, tr, err := schedule.Locate(req.DayID, req.TimeRangeID)
	if err != nil {
		return nil, translateStoreError(err, "failed to locate time range")
	}
	if !tr.IsAvailable {
		s.metrics.RecordSlotConflict()
		return nil, appErrors.Clone(appErrors.ErrConflict, "Time range already taken")
	}

	ref := models.SlotRef{ScheduleID: schedule.ID, DayID: day.ID, TimeRangeID: tr.ID}
	if err := s.slots.ClaimSlot(ctx, doctorID, ref); err != nil {
		if appErrors.HasCode(err, appErrors.ErrConflict.Code) {
			s.metrics.RecordSlotConflict()
		}
		return nil, err
	}

	session := &models.Session{
		DoctorID:         doctorID,
		PatientID:        patientID,
		ScheduleID:       ref.ScheduleID,
		DayID:            ref.DayID,
		TimeRangeID:      ref.TimeRangeID,
		Date:             date,
		NumberOfSessions: req.NumberOfSessions,
		Duration:         tr.DurationMillis(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, models.ErrSlotTaken) {
			// Another Current session already holds the slot, so the flag stays down.
			s.metrics.RecordSlotConflict()
			return nil, translateStoreError(err, "")
		}
		s.releaseSlot(ctx, ReconcileTask{DoctorID: doctorID, PatientID: patientID, Slot: ref})
		return nil, translateStoreError(err, "failed to create session")
	}

	roomID, err := s.rooms.CreateRoom(ctx, patientID, doctorID)
	if err != nil {
		s.reconcile(JobRoomEnsure, ReconcileTask{DoctorID: doctorID, PatientID: patientID, SessionID: session.ID, Slot: ref}, err)
	}

	s.logger.Info("session booked",
		zap.String("session_id", session.ID),
		zap.String("doctor_id", doctorID),
		zap.String("patient_id", patientID),
		zap.String("day_id", ref.DayID),
		zap.String("time_range_id", ref.TimeRangeID),
	)
	return &dto.SessionCreated{SessionID: session.ID, RoomID: roomID}, nil
}

// CancelSession cancels a Current session on behalf of its patient and frees the slot.
func (s *BookingService) CancelSession(ctx context.Context, requesterID, sessionID string) (session *models.Session, err error) {
	defer func() { s.observe("cancel", err) }()

	session, err = s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PatientID != requesterID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the patient can cancel this session")
	}
	if session.Status != models.SessionCurrent {
		return nil, appErrors.Clone(appErrors.ErrConflict, "session is not in current status")
	}
	if err := s.sessions.UpdateStatus(ctx, session.ID, models.SessionCurrent, models.SessionCanceled); err != nil {
		if errors.Is(err, models.ErrSessionStatusChanged) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "session is not in current status")
		}
		return nil, translateStoreError(err, "failed to cancel session")
	}
	session.Status = models.SessionCanceled
	session.UpdatedAt = s.now()

	s.releaseSlot(ctx, taskFor(session))
	s.teardownRoomIfIdle(ctx, session)

	s.logger.Info("session canceled", zap.String("session_id", session.ID), zap.String("patient_id", requesterID))
	return session, nil
}

// CompleteSession marks a Current session completed and frees the recurring slot.
func (s *BookingService) CompleteSession(ctx context.Context, requesterID, sessionID string) (session *models.Session, err error) {
	defer func() { s.observe("complete", err) }()

	session, err = s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(requesterID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not a participant of this session")
	}
	if session.Status != models.SessionCurrent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session is not in current status")
	}
	if err := s.sessions.UpdateStatus(ctx, session.ID, models.SessionCurrent, models.SessionCompleted); err != nil {
		if errors.Is(err, models.ErrSessionStatusChanged) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "session is not in current status")
		}
		return nil, translateStoreError(err, "failed to complete session")
	}
	session.Status = models.SessionCompleted
	session.UpdatedAt = s.now()

	s.releaseSlot(ctx, taskFor(session))

	s.logger.Info("session completed", zap.String("session_id", session.ID), zap.String("requester_id", requesterID))
	return session, nil
}

// RescheduleSession moves a Current session to another slot of the same doctor.
// The new slot is claimed first and the old one released afterwards.
func (s *BookingService) RescheduleSession(ctx context.Context, requesterID, sessionID string, req dto.RescheduleSessionRequest) (session *models.Session, err error) {
	defer func() { s.observe("reschedule", err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid reschedule payload")
	}
	session, err = s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PatientID != requesterID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the patient can reschedule this session")
	}
	switch session.Status {
	case models.SessionCompleted:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session already completed")
	case models.SessionCanceled:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session is canceled")
	}
	if session.DayID == req.DayID && session.TimeRangeID == req.TimeRangeID {
		return session, nil
	}

	schedule, err := s.slots.GetSchedule(ctx, session.DoctorID)
	if err != nil {
		return nil, err
	}
	day, tr, err := schedule.Locate(req.DayID, req.TimeRangeID)
	if err != nil {
		return nil, translateStoreError(err, "failed to locate time range")
	}
	if !tr.IsAvailable {
		s.metrics.RecordSlotConflict()
		return nil, appErrors.Clone(appErrors.ErrConflict, "Time range already taken")
	}

	next := models.SlotRef{ScheduleID: schedule.ID, DayID: day.ID, TimeRangeID: tr.ID}
	if err := s.slots.ClaimSlot(ctx, session.DoctorID, next); err != nil {
		if appErrors.HasCode(err, appErrors.ErrConflict.Code) {
			s.metrics.RecordSlotConflict()
		}
		return nil, err
	}

	duration := tr.DurationMillis()
	if err := s.sessions.UpdateSlot(ctx, session.ID, next, duration); err != nil {
		switch {
		case errors.Is(err, models.ErrSlotTaken):
			s.metrics.RecordSlotConflict()
			return nil, translateStoreError(err, "")
		case errors.Is(err, models.ErrSessionStatusChanged):
			s.releaseSlot(ctx, ReconcileTask{DoctorID: session.DoctorID, PatientID: session.PatientID, SessionID: session.ID, Slot: next})
			return nil, appErrors.Clone(appErrors.ErrConflict, "session is not in current status")
		default:
			s.releaseSlot(ctx, ReconcileTask{DoctorID: session.DoctorID, PatientID: session.PatientID, SessionID: session.ID, Slot: next})
			return nil, translateStoreError(err, "failed to reschedule session")
		}
	}

	previous := taskFor(session)
	session.ScheduleID, session.DayID, session.TimeRangeID = next.ScheduleID, next.DayID, next.TimeRangeID
	session.Duration = duration
	session.UpdatedAt = s.now()

	s.releaseSlot(ctx, previous)

	s.logger.Info("session rescheduled",
		zap.String("session_id", session.ID),
		zap.String("from_time_range_id", previous.Slot.TimeRangeID),
		zap.String("to_time_range_id", next.TimeRangeID),
	)
	return session, nil
}

// GetSession returns a session to one of its participants, with room and slot details.
func (s *BookingService) GetSession(ctx context.Context, claims *models.JWTClaims, sessionID string) (*dto.SessionDetail, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing identity")
	}
	var owner string
	switch claims.Role {
	case models.RolePsychologist:
		owner = session.DoctorID
	case models.RolePatient:
		owner = session.PatientID
	}
	if owner == "" || owner != claims.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not a participant of this session")
	}

	detail := &dto.SessionDetail{Session: *session}
	room, err := s.rooms.FindRoom(ctx, session.PatientID, session.DoctorID)
	switch {
	case err == nil:
		detail.RoomID = room.ID
	case !errors.Is(err, models.ErrChatRoomNotFound):
		s.logger.Warn("failed to load chat room for session", zap.String("session_id", session.ID), zap.Error(err))
	}

	schedule, err := s.slots.GetSchedule(ctx, session.DoctorID)
	if err != nil {
		s.logger.Warn("failed to load schedule for session", zap.String("session_id", session.ID), zap.Error(err))
		return detail, nil
	}
	if day, tr, err := schedule.Locate(session.DayID, session.TimeRangeID); err == nil {
		detail.Day = day.Day
		booked := *tr
		detail.TimeRange = &booked
	}
	return detail, nil
}

// ListForDoctor pages through a doctor's sessions, most recent first.
func (s *BookingService) ListForDoctor(ctx context.Context, doctorID string, query dto.SessionListQuery) (*dto.SessionPage, error) {
	return s.list(ctx, models.SessionFilter{DoctorID: doctorID}, query)
}

// ListForPatient pages through a patient's sessions, most recent first.
func (s *BookingService) ListForPatient(ctx context.Context, patientID string, query dto.SessionListQuery) (*dto.SessionPage, error) {
	return s.list(ctx, models.SessionFilter{PatientID: patientID}, query)
}

func (s *BookingService) list(ctx context.Context, filter models.SessionFilter, query dto.SessionListQuery) (*dto.SessionPage, error) {
	if query.Status != "" {
		status := models.SessionStatus(query.Status)
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid status filter")
		}
		filter.Status = status
	}
	filter.Page = query.Page
	if filter.Page < 1 {
		filter.Page = 1
	}
	filter.PageSize = query.Limit
	if filter.PageSize < 1 {
		filter.PageSize = defaultSessionPageSize
	}
	if filter.PageSize > maxSessionPageSize {
		filter.PageSize = maxSessionPageSize
	}

	sessions, total, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, translateStoreError(err, "failed to list sessions")
	}
	return &dto.SessionPage{Items: sessions, Page: filter.Page, Limit: filter.PageSize, Total: total}, nil
}

// NextUpcomingForDoctor returns the doctor's earliest Current session from now on.
func (s *BookingService) NextUpcomingForDoctor(ctx context.Context, doctorID string) (*models.Session, error) {
	session, err := s.sessions.NextUpcomingForDoctor(ctx, doctorID, s.now())
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "No upcoming sessions found")
		}
		return nil, translateStoreError(err, "failed to load upcoming session")
	}
	return session, nil
}

// RequireCompleted returns the session only when it has been completed.
func (s *BookingService) RequireCompleted(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionCompleted {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session is not completed")
	}
	return session, nil
}

// ExistsActiveBetween reports whether a non-canceled session ties doctor and patient.
func (s *BookingService) ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error) {
	exists, err := s.sessions.ExistsActiveBetween(ctx, doctorID, patientID)
	if err != nil {
		return false, translateStoreError(err, "failed to check sessions")
	}
	return exists, nil
}

func (s *BookingService) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "session id is required")
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, translateStoreError(err, "failed to load session")
	}
	return session, nil
}

// releaseSlot frees a slot, handing failures to reconciliation. A slot that no
// longer exists has nothing to release.
func (s *BookingService) releaseSlot(ctx context.Context, task ReconcileTask) {
	err := s.slots.ReleaseSlot(ctx, task.DoctorID, task.Slot)
	if err == nil {
		return
	}
	if appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
		s.logger.Warn("released slot no longer exists", slotFields(task)...)
		return
	}
	s.reconcile(JobSlotRelease, task, err)
}

func (s *BookingService) teardownRoomIfIdle(ctx context.Context, session *models.Session) {
	active, err := s.sessions.ExistsActiveBetween(ctx, session.DoctorID, session.PatientID)
	if err != nil {
		s.reconcile(JobRoomTeardown, taskFor(session), err)
		return
	}
	if active {
		return
	}
	if err := s.rooms.DeleteRoom(ctx, session.PatientID, session.DoctorID); err != nil {
		s.reconcile(JobRoomTeardown, taskFor(session), err)
	}
}

func (s *BookingService) reconcile(jobType string, task ReconcileTask, cause error) {
	if s.reconciler != nil {
		s.reconciler.Schedule(jobType, task, cause)
		return
	}
	s.logger.Error("reconciliation candidate", append(slotFields(task), zap.Bool("reconcile", true), zap.String("job_type", jobType), zap.Error(cause))...)
}

func (s *BookingService) observe(operation string, err error) {
	s.metrics.RecordBooking(operation, outcomeOf(err))
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	switch appErrors.FromError(err).Code {
	case appErrors.ErrConflict.Code:
		return OutcomeConflict
	case appErrors.ErrNotFound.Code:
		return OutcomeNotFound
	case appErrors.ErrForbidden.Code, appErrors.ErrUnauthorized.Code:
		return OutcomeForbidden
	case appErrors.ErrValidation.Code:
		return OutcomeInvalid
	}
	return OutcomeError
}

func taskFor(session *models.Session) ReconcileTask {
	return ReconcileTask{DoctorID: session.DoctorID, PatientID: session.PatientID, SessionID: session.ID, Slot: session.Slot()}
}

func parseSessionDate(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "date must be an ISO-8601 date")
}
