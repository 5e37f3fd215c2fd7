package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/befree-health/scheduling-api/internal/dto"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

const (
	doctorID  = "doc-1"
	patientID = "pat-1"
)

type bookingFixture struct {
	schedules  *memoryScheduleStore
	sessions   *memorySessionStore
	rooms      *memoryRoomStore
	notifier   *recordingNotifier
	reconciler *recordingReconciler
	svc        *BookingService
	schedule   *models.Schedule
	monday     models.DaySchedule
}

func newBookingFixture(t *testing.T) *bookingFixture {
	t.Helper()
	f := &bookingFixture{
		schedules:  newMemoryScheduleStore(),
		sessions:   newMemorySessionStore(),
		rooms:      newMemoryRoomStore(),
		notifier:   &recordingNotifier{},
		reconciler: &recordingReconciler{},
	}
	availability := NewAvailabilityService(f.schedules, nil, 0, nil, nil)
	chat := NewChatRoomService(f.rooms, f.notifier, nil)
	f.svc = NewBookingService(f.sessions, availability, chat, f.reconciler, NewMetricsService(), nil, zap.NewNop())

	res, err := availability.UpsertSchedule(context.Background(), doctorID, weekRequest(map[models.Weekday][]dto.TimeRangeInput{
		models.Monday: {hours(9, 10), hours(10, 11), hours(11, 12)},
	}))
	require.NoError(t, err)
	f.schedule = res.Schedule
	f.monday = dayByName(t, res.Schedule, models.Monday)
	return f
}

func (f *bookingFixture) slot(i int) models.SlotRef {
	return models.SlotRef{ScheduleID: f.schedule.ID, DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[i].ID}
}

func (f *bookingFixture) request(i int) dto.CreateSessionRequest {
	return dto.CreateSessionRequest{
		DayID:            f.monday.ID,
		TimeRangeID:      f.monday.TimeRanges[i].ID,
		Date:             "2024-01-08",
		NumberOfSessions: 1,
	}
}

func (f *bookingFixture) book(t *testing.T, patient string, i int) string {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), patient, doctorID, f.request(i))
	require.NoError(t, err)
	return res.SessionID
}

func assertCode(t *testing.T, err error, template *appErrors.Error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, template.Code, appErrors.FromError(err).Code, err.Error())
}

func TestCreateSessionBooksSlot(t *testing.T) {
	f := newBookingFixture(t)
	legacyDuration := int64(45)
	req := f.request(0)
	req.Duration = &legacyDuration

	res, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.RoomID)

	session, err := f.sessions.FindByID(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCurrent, session.Status)
	assert.Equal(t, int64(3600000), session.Duration)
	assert.Equal(t, f.slot(0), session.Slot())
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), session.Date)
	assert.False(t, f.schedules.available(f.slot(0)))

	room, err := f.rooms.FindByPair(context.Background(), doctorID, patientID)
	require.NoError(t, err)
	assert.Equal(t, res.RoomID, room.ID)
	assert.Equal(t, "Room-doc-1-pat-1", room.Name)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, EventRoomCreated, f.notifier.events[0].event)
}

func TestCreateSessionConflictWhenSlotTaken(t *testing.T) {
	f := newBookingFixture(t)
	f.book(t, patientID, 0)

	_, err := f.svc.CreateSession(context.Background(), "pat-2", doctorID, f.request(0))
	assertCode(t, err, appErrors.ErrConflict)
	assert.Equal(t, "Time range already taken", appErrors.FromError(err).Message)
	assert.Equal(t, 1, f.sessions.count())
	_, err = f.rooms.FindByPair(context.Background(), doctorID, "pat-2")
	assert.ErrorIs(t, err, models.ErrChatRoomNotFound)
}

func TestCreateSessionUnknownDay(t *testing.T) {
	f := newBookingFixture(t)
	req := f.request(0)
	req.DayID = "not-a-day"

	_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "Day not found", appErrors.FromError(err).Message)
	assert.Zero(t, f.sessions.count())
	assert.Zero(t, f.schedules.claims)
	assert.True(t, f.schedules.available(f.slot(0)))
}

func TestCreateSessionUnknownTimeRangeAndSchedule(t *testing.T) {
	f := newBookingFixture(t)
	req := f.request(0)
	req.TimeRangeID = "not-a-range"

	_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "Time range not found", appErrors.FromError(err).Message)

	_, err = f.svc.CreateSession(context.Background(), patientID, "doc-unknown", f.request(0))
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "Schedule not found", appErrors.FromError(err).Message)
	assert.Zero(t, f.sessions.count())
}

func TestCreateSessionValidatesInput(t *testing.T) {
	f := newBookingFixture(t)

	noSessions := f.request(0)
	noSessions.NumberOfSessions = 0
	badDate := f.request(0)
	badDate.Date = "next monday"
	shortDuration := f.request(0)
	tooShort := int64(10)
	shortDuration.Duration = &tooShort

	for name, req := range map[string]dto.CreateSessionRequest{"sessions": noSessions, "date": badDate, "duration": shortDuration} {
		_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
		assertCode(t, err, appErrors.ErrValidation)
		assert.Zero(t, f.schedules.claims, name)
	}
	assert.Zero(t, f.sessions.count())
}

func TestCreateSessionAcceptsRFC3339Date(t *testing.T) {
	f := newBookingFixture(t)
	req := f.request(1)
	req.Date = "2024-01-08T10:00:00+07:00"

	res, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
	require.NoError(t, err)
	session, err := f.sessions.FindByID(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC), session.Date)
}

func TestCreateSessionReleasesSlotWhenInsertFails(t *testing.T) {
	f := newBookingFixture(t)
	f.sessions.failCreate = errors.New("pq: connection refused")

	_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, f.request(0))
	assertCode(t, err, appErrors.ErrInternal)
	assert.NotContains(t, appErrors.FromError(err).Message, "pq:")
	assert.True(t, f.schedules.available(f.slot(0)))
	assert.Empty(t, f.reconciler.jobs)
}

func TestCreateSessionSchedulesReleaseWhenCompensationFails(t *testing.T) {
	f := newBookingFixture(t)
	f.sessions.failCreate = errors.New("pq: connection refused")
	f.schedules.failRelease = errors.New("pq: connection refused")

	_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, f.request(0))
	assertCode(t, err, appErrors.ErrInternal)
	require.Len(t, f.reconciler.jobs, 1)
	assert.Equal(t, JobSlotRelease, f.reconciler.jobs[0].jobType)
	assert.Equal(t, f.slot(0), f.reconciler.jobs[0].task.Slot)
}

func TestCreateSessionLogsReconcileCandidateWithoutScheduler(t *testing.T) {
	f := newBookingFixture(t)
	core, logs := observer.New(zap.ErrorLevel)
	f.svc.reconciler = nil
	f.svc.logger = zap.New(core)
	f.sessions.failCreate = errors.New("pq: connection refused")
	f.schedules.failRelease = errors.New("pq: connection refused")

	_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, f.request(0))
	require.Error(t, err)
	entries := logs.FilterMessage("reconciliation candidate").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["reconcile"])
	assert.Equal(t, f.slot(0).TimeRangeID, entries[0].ContextMap()["time_range_id"])
}

func TestCreateSessionSucceedsWhenRoomProvisioningFails(t *testing.T) {
	f := newBookingFixture(t)
	f.svc.rooms = failingRooms{}

	res, err := f.svc.CreateSession(context.Background(), patientID, doctorID, f.request(0))
	require.NoError(t, err)
	assert.Empty(t, res.RoomID)
	require.Len(t, f.reconciler.jobs, 1)
	assert.Equal(t, JobRoomEnsure, f.reconciler.jobs[0].jobType)
	assert.Equal(t, res.SessionID, f.reconciler.jobs[0].task.SessionID)
}

type failingRooms struct{}

func (failingRooms) CreateRoom(ctx context.Context, patientID, doctorID string) (string, error) {
	return "", errors.New("rooms unavailable")
}

func (failingRooms) DeleteRoom(ctx context.Context, patientID, doctorID string) error {
	return errors.New("rooms unavailable")
}

func (failingRooms) FindRoom(ctx context.Context, patientID, doctorID string) (*models.ChatRoom, error) {
	return nil, errors.New("rooms unavailable")
}

func TestConcurrentBookingsOfOneSlotHaveOneWinner(t *testing.T) {
	f := newBookingFixture(t)
	const contenders = 24

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateSession(context.Background(), fmt.Sprintf("pat-%d", i), doctorID, f.request(0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case appErrors.HasCode(err, appErrors.ErrConflict.Code):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, conflicts)
	assert.Equal(t, 1, f.sessions.count())
	assert.False(t, f.schedules.available(f.slot(0)))
}

func TestCancelSessionFreesSlotAndRemovesRoom(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	session, err := f.svc.CancelSession(context.Background(), patientID, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCanceled, session.Status)

	stored, err := f.sessions.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCanceled, stored.Status)
	assert.True(t, f.schedules.available(f.slot(0)))

	_, err = f.rooms.FindByPair(context.Background(), doctorID, patientID)
	assert.ErrorIs(t, err, models.ErrChatRoomNotFound)
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, EventRoomDeleted, f.notifier.events[1].event)
}

func TestCancelSessionKeepsRoomWhileAnotherSessionIsActive(t *testing.T) {
	f := newBookingFixture(t)
	first := f.book(t, patientID, 0)
	f.book(t, patientID, 1)

	_, err := f.svc.CancelSession(context.Background(), patientID, first)
	require.NoError(t, err)

	_, err = f.rooms.FindByPair(context.Background(), doctorID, patientID)
	assert.NoError(t, err)
	assert.True(t, f.schedules.available(f.slot(0)))
	assert.False(t, f.schedules.available(f.slot(1)))
}

func TestCancelSessionRejectsOtherUsers(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	_, err := f.svc.CancelSession(context.Background(), "pat-2", id)
	assertCode(t, err, appErrors.ErrForbidden)
	_, err = f.svc.CancelSession(context.Background(), doctorID, id)
	assertCode(t, err, appErrors.ErrForbidden)

	stored, _ := f.sessions.FindByID(context.Background(), id)
	assert.Equal(t, models.SessionCurrent, stored.Status)
	assert.False(t, f.schedules.available(f.slot(0)))
}

func TestCancelSessionTwiceIsConflict(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)
	_, err := f.svc.CancelSession(context.Background(), patientID, id)
	require.NoError(t, err)

	// Another patient books the freed slot; a second cancel must not free it.
	f.book(t, "pat-2", 0)
	_, err = f.svc.CancelSession(context.Background(), patientID, id)
	assertCode(t, err, appErrors.ErrConflict)
	assert.False(t, f.schedules.available(f.slot(0)))
}

func TestCancelSessionNotFound(t *testing.T) {
	f := newBookingFixture(t)

	_, err := f.svc.CancelSession(context.Background(), patientID, "missing")
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "Session not found", appErrors.FromError(err).Message)
}

func TestCompleteSessionFreesSlot(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	session, err := f.svc.CompleteSession(context.Background(), doctorID, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.True(t, f.schedules.available(f.slot(0)))

	_, err = f.rooms.FindByPair(context.Background(), doctorID, patientID)
	assert.NoError(t, err)
}

func TestCompleteCanceledSessionIsForbidden(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)
	_, err := f.svc.CancelSession(context.Background(), patientID, id)
	require.NoError(t, err)

	_, err = f.svc.CompleteSession(context.Background(), patientID, id)
	assertCode(t, err, appErrors.ErrForbidden)
	assert.Equal(t, "session is not in current status", appErrors.FromError(err).Message)

	stored, _ := f.sessions.FindByID(context.Background(), id)
	assert.Equal(t, models.SessionCanceled, stored.Status)
}

func TestCompleteSessionRequiresParticipant(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	_, err := f.svc.CompleteSession(context.Background(), "stranger", id)
	assertCode(t, err, appErrors.ErrForbidden)
	assert.False(t, f.schedules.available(f.slot(0)))
}

// Rescheduling releases the slot the session held before, so the old range can be booked again.
func TestRescheduleReleasesOldSlot(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	session, err := f.svc.RescheduleSession(context.Background(), patientID, id, dto.RescheduleSessionRequest{
		DayID:       f.monday.ID,
		TimeRangeID: f.monday.TimeRanges[2].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.slot(2), session.Slot())
	assert.Equal(t, models.SessionCurrent, session.Status)

	assert.True(t, f.schedules.available(f.slot(0)))
	assert.False(t, f.schedules.available(f.slot(2)))

	stored, _ := f.sessions.FindByID(context.Background(), id)
	assert.Equal(t, f.slot(2), stored.Slot())
	assert.Equal(t, int64(3600000), stored.Duration)

	f.book(t, "pat-2", 0)
}

func TestRescheduleOntoSameSlotIsNoop(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)
	claims := f.schedules.claims

	session, err := f.svc.RescheduleSession(context.Background(), patientID, id, dto.RescheduleSessionRequest{DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[0].ID})
	require.NoError(t, err)
	assert.Equal(t, f.slot(0), session.Slot())
	assert.Equal(t, claims, f.schedules.claims)
	assert.False(t, f.schedules.available(f.slot(0)))
}

func TestRescheduleOntoTakenSlotIsConflict(t *testing.T) {
	f := newBookingFixture(t)
	mine := f.book(t, patientID, 0)
	f.book(t, "pat-2", 1)

	_, err := f.svc.RescheduleSession(context.Background(), patientID, mine, dto.RescheduleSessionRequest{DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[1].ID})
	assertCode(t, err, appErrors.ErrConflict)

	stored, _ := f.sessions.FindByID(context.Background(), mine)
	assert.Equal(t, f.slot(0), stored.Slot())
	assert.False(t, f.schedules.available(f.slot(0)))
}

func TestRescheduleTerminalSessionsForbidden(t *testing.T) {
	f := newBookingFixture(t)
	completed := f.book(t, patientID, 0)
	_, err := f.svc.CompleteSession(context.Background(), doctorID, completed)
	require.NoError(t, err)
	canceled := f.book(t, patientID, 1)
	_, err = f.svc.CancelSession(context.Background(), patientID, canceled)
	require.NoError(t, err)

	target := dto.RescheduleSessionRequest{DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[2].ID}
	_, err = f.svc.RescheduleSession(context.Background(), patientID, completed, target)
	assertCode(t, err, appErrors.ErrForbidden)
	_, err = f.svc.RescheduleSession(context.Background(), patientID, canceled, target)
	assertCode(t, err, appErrors.ErrForbidden)
	assert.True(t, f.schedules.available(f.slot(2)))
}

func TestRescheduleUnknownTargetAndOwner(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	_, err := f.svc.RescheduleSession(context.Background(), patientID, "missing", dto.RescheduleSessionRequest{DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[1].ID})
	assertCode(t, err, appErrors.ErrNotFound)

	_, err = f.svc.RescheduleSession(context.Background(), patientID, id, dto.RescheduleSessionRequest{DayID: "nope", TimeRangeID: f.monday.TimeRanges[1].ID})
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "Day not found", appErrors.FromError(err).Message)

	_, err = f.svc.RescheduleSession(context.Background(), "pat-2", id, dto.RescheduleSessionRequest{DayID: f.monday.ID, TimeRangeID: f.monday.TimeRanges[1].ID})
	assertCode(t, err, appErrors.ErrForbidden)

	_, err = f.svc.RescheduleSession(context.Background(), patientID, id, dto.RescheduleSessionRequest{})
	assertCode(t, err, appErrors.ErrValidation)
}

func TestGetSessionForParticipants(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 1)

	detail, err := f.svc.GetSession(context.Background(), &models.JWTClaims{UserID: patientID, Role: models.RolePatient}, id)
	require.NoError(t, err)
	assert.Equal(t, id, detail.ID)
	assert.NotEmpty(t, detail.RoomID)
	assert.Equal(t, models.Monday, detail.Day)
	require.NotNil(t, detail.TimeRange)
	assert.Equal(t, at(10), detail.TimeRange.From)

	_, err = f.svc.GetSession(context.Background(), &models.JWTClaims{UserID: doctorID, Role: models.RolePsychologist}, id)
	require.NoError(t, err)

	_, err = f.svc.GetSession(context.Background(), &models.JWTClaims{UserID: "pat-2", Role: models.RolePatient}, id)
	assertCode(t, err, appErrors.ErrForbidden)

	// A doctor id presented with the patient role is still not the session's patient.
	_, err = f.svc.GetSession(context.Background(), &models.JWTClaims{UserID: doctorID, Role: models.RolePatient}, id)
	assertCode(t, err, appErrors.ErrForbidden)
}

func TestListSessionsPaginatesMostRecentFirst(t *testing.T) {
	f := newBookingFixture(t)
	for i, date := range []string{"2024-01-08", "2024-01-22", "2024-01-15"} {
		req := f.request(i)
		req.Date = date
		_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
		require.NoError(t, err)
	}

	page, err := f.svc.ListForPatient(context.Background(), patientID, dto.SessionListQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2024-01-22", page.Items[0].Date.Format("2006-01-02"))
	assert.Equal(t, "2024-01-15", page.Items[1].Date.Format("2006-01-02"))

	page, err = f.svc.ListForDoctor(context.Background(), doctorID, dto.SessionListQuery{Status: "Completed", Limit: 500})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Equal(t, maxSessionPageSize, page.Limit)
	assert.Equal(t, 1, page.Page)

	_, err = f.svc.ListForDoctor(context.Background(), doctorID, dto.SessionListQuery{Status: "Pending"})
	assertCode(t, err, appErrors.ErrValidation)
}

func TestListSessionsHidesStoreFailure(t *testing.T) {
	f := newBookingFixture(t)
	f.sessions.failList = errors.New("pq: timeout")

	_, err := f.svc.ListForDoctor(context.Background(), doctorID, dto.SessionListQuery{})
	assertCode(t, err, appErrors.ErrInternal)
	assert.Equal(t, "failed to list sessions", appErrors.FromError(err).Message)
}

func TestNextUpcomingForDoctorUsesClock(t *testing.T) {
	f := newBookingFixture(t)
	f.svc.now = func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) }
	for i, date := range []string{"2024-01-08", "2024-01-22", "2024-01-15"} {
		req := f.request(i)
		req.Date = date
		_, err := f.svc.CreateSession(context.Background(), patientID, doctorID, req)
		require.NoError(t, err)
	}

	next, err := f.svc.NextUpcomingForDoctor(context.Background(), doctorID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", next.Date.Format("2006-01-02"))

	_, err = f.svc.NextUpcomingForDoctor(context.Background(), "doc-2")
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Equal(t, "No upcoming sessions found", appErrors.FromError(err).Message)
}

func TestRequireCompleted(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	_, err := f.svc.RequireCompleted(context.Background(), id)
	assertCode(t, err, appErrors.ErrForbidden)

	_, err = f.svc.CompleteSession(context.Background(), patientID, id)
	require.NoError(t, err)
	session, err := f.svc.RequireCompleted(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)

	_, err = f.svc.RequireCompleted(context.Background(), "missing")
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestExistsActiveBetween(t *testing.T) {
	f := newBookingFixture(t)
	id := f.book(t, patientID, 0)

	active, err := f.svc.ExistsActiveBetween(context.Background(), doctorID, patientID)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = f.svc.CancelSession(context.Background(), patientID, id)
	require.NoError(t, err)
	active, err = f.svc.ExistsActiveBetween(context.Background(), doctorID, patientID)
	require.NoError(t, err)
	assert.False(t, active)
}
