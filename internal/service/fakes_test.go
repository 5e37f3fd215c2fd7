package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
)

type memoryScheduleStore struct {
	mu          sync.Mutex
	byDoctor    map[string]*models.Schedule
	failRelease error
	failClaim   error
	claims      int
}

func newMemoryScheduleStore() *memoryScheduleStore {
	return &memoryScheduleStore{byDoctor: make(map[string]*models.Schedule)}
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	out := *s
	out.Days = make([]models.DaySchedule, len(s.Days))
	for i, d := range s.Days {
		out.Days[i] = models.DaySchedule{ID: d.ID, Day: d.Day, TimeRanges: append([]models.TimeRange(nil), d.TimeRanges...)}
	}
	return &out
}

func (m *memoryScheduleStore) FindByDoctorID(ctx context.Context, doctorID string) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDoctor[doctorID]
	if !ok {
		return nil, models.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

func (m *memoryScheduleStore) Upsert(ctx context.Context, doctorID string, days []models.DaySchedule) (*models.Schedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := m.byDoctor[doctorID]
	if !ok {
		existing = &models.Schedule{ID: uuid.NewString(), DoctorID: doctorID, CreatedAt: now}
		m.byDoctor[doctorID] = existing
	}
	existing.Days = models.MergeDays(existing.Days, days, uuid.NewString)
	existing.UpdatedAt = now
	return cloneSchedule(existing), !ok, nil
}

func (m *memoryScheduleStore) locate(ref models.SlotRef) (*models.TimeRange, error) {
	for _, s := range m.byDoctor {
		if s.ID != ref.ScheduleID {
			continue
		}
		_, tr, err := s.Locate(ref.DayID, ref.TimeRangeID)
		return tr, err
	}
	return nil, models.ErrScheduleNotFound
}

func (m *memoryScheduleStore) SetSlotAvailability(ctx context.Context, ref models.SlotRef, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if available && m.failRelease != nil {
		return m.failRelease
	}
	tr, err := m.locate(ref)
	if err != nil {
		return err
	}
	tr.IsAvailable = available
	return nil
}

func (m *memoryScheduleStore) ClaimSlot(ctx context.Context, ref models.SlotRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++
	if m.failClaim != nil {
		return m.failClaim
	}
	tr, err := m.locate(ref)
	if err != nil {
		return err
	}
	if !tr.IsAvailable {
		return models.ErrSlotTaken
	}
	tr.IsAvailable = false
	return nil
}

func (m *memoryScheduleStore) available(ref models.SlotRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, err := m.locate(ref)
	return err == nil && tr.IsAvailable
}

type memorySessionStore struct {
	mu         sync.Mutex
	sessions   map[string]models.Session
	failCreate error
	failList   error
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]models.Session)}
}

func (m *memorySessionStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	for _, s := range m.sessions {
		if s.Status == models.SessionCurrent && s.Slot() == session.Slot() {
			return models.ErrSlotTaken
		}
	}
	session.ID = uuid.NewString()
	session.Status = models.SessionCurrent
	session.CreatedAt = time.Now().UTC()
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = *session
	return nil
}

func (m *memorySessionStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &s, nil
}

func (m *memorySessionStore) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return models.ErrSessionStatusChanged
	}
	s.Status = to
	m.sessions[id] = s
	return nil
}

func (m *memorySessionStore) UpdateSlot(ctx context.Context, id string, ref models.SlotRef, duration int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionCurrent {
		return models.ErrSessionStatusChanged
	}
	for otherID, other := range m.sessions {
		if otherID != id && other.Status == models.SessionCurrent && other.Slot() == ref {
			return models.ErrSlotTaken
		}
	}
	s.ScheduleID, s.DayID, s.TimeRangeID, s.Duration = ref.ScheduleID, ref.DayID, ref.TimeRangeID, duration
	m.sessions[id] = s
	return nil
}

func (m *memorySessionStore) List(ctx context.Context, filter models.SessionFilter) ([]models.Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, 0, m.failList
	}
	var matched []models.Session
	for _, s := range m.sessions {
		if filter.DoctorID != "" && s.DoctorID != filter.DoctorID {
			continue
		}
		if filter.PatientID != "" && s.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Date.After(matched[j].Date) })
	start := (filter.Page - 1) * filter.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *memorySessionStore) NextUpcomingForDoctor(ctx context.Context, doctorID string, now time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.Session
	for _, s := range m.sessions {
		if s.DoctorID != doctorID || s.Status != models.SessionCurrent || s.Date.Before(now) {
			continue
		}
		if next == nil || s.Date.Before(next.Date) {
			candidate := s
			next = &candidate
		}
	}
	if next == nil {
		return nil, models.ErrSessionNotFound
	}
	return next, nil
}

func (m *memorySessionStore) ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.DoctorID == doctorID && s.PatientID == patientID && s.Status != models.SessionCanceled {
			return true, nil
		}
	}
	return false, nil
}

func (m *memorySessionStore) ListCurrentAfter(ctx context.Context, afterID string, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current []models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionCurrent && s.ID > afterID {
			current = append(current, s)
		}
	}
	sort.Slice(current, func(i, j int) bool { return current[i].ID < current[j].ID })
	if len(current) > limit {
		current = current[:limit]
	}
	return current, nil
}

func (m *memorySessionStore) put(s models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memorySessionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type memoryRoomStore struct {
	mu    sync.Mutex
	rooms map[[2]string]models.ChatRoom
}

func newMemoryRoomStore() *memoryRoomStore {
	return &memoryRoomStore{rooms: make(map[[2]string]models.ChatRoom)}
}

func (m *memoryRoomStore) GetOrCreate(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{doctorID, patientID}
	if room, ok := m.rooms[key]; ok {
		return &room, false, nil
	}
	room := models.ChatRoom{ID: uuid.NewString(), Name: models.RoomName(doctorID, patientID), DoctorID: doctorID, PatientID: patientID}
	m.rooms[key] = room
	return &room, true, nil
}

func (m *memoryRoomStore) FindByPair(ctx context.Context, doctorID, patientID string) (*models.ChatRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[[2]string{doctorID, patientID}]
	if !ok {
		return nil, models.ErrChatRoomNotFound
	}
	return &room, nil
}

func (m *memoryRoomStore) DeleteByPair(ctx context.Context, doctorID, patientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{doctorID, patientID}
	_, ok := m.rooms[key]
	delete(m.rooms, key)
	return ok, nil
}

type notification struct {
	users []string
	event string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(userIDs []string, eventType string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{users: userIDs, event: eventType})
}

type scheduledJob struct {
	jobType string
	task    ReconcileTask
}

type recordingReconciler struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

func (r *recordingReconciler) Schedule(jobType string, task ReconcileTask, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, scheduledJob{jobType: jobType, task: task})
}

type memoryCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
	deleted []string
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memoryCacheRepo) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
		m.deleted = append(m.deleted, key)
	}
	return nil
}
