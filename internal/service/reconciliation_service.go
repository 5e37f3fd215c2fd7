package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
	"github.com/befree-health/scheduling-api/pkg/jobs"
)

// Reconciliation job types.
const (
	JobSlotRelease  = "slot.release"
	JobSlotClaim    = "slot.claim"
	JobRoomEnsure   = "room.ensure"
	JobRoomTeardown = "room.teardown"
)

// ReconcileTask carries everything a compensation job needs to repeat a side effect.
type ReconcileTask struct {
	DoctorID  string         `json:"doctorId"`
	PatientID string         `json:"patientId"`
	SessionID string         `json:"sessionId,omitempty"`
	Slot      models.SlotRef `json:"slot"`
}

// SweepReport summarises one consistency sweep.
type SweepReport struct {
	Scanned    int `json:"scanned"`
	Consistent int `json:"consistent"`
	Repaired   int `json:"repaired"`
	Orphaned   int `json:"orphaned"`
	Failed     int `json:"failed"`
}

type reconcileSlots interface {
	ClaimSlot(ctx context.Context, doctorID string, ref models.SlotRef) error
	ReleaseSlot(ctx context.Context, doctorID string, ref models.SlotRef) error
}

type reconcileRooms interface {
	CreateRoom(ctx context.Context, patientID, doctorID string) (string, error)
	DeleteRoom(ctx context.Context, patientID, doctorID string) error
}

type reconcileSessions interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error)
	ListCurrentAfter(ctx context.Context, afterID string, limit int) ([]models.Session, error)
}

// ReconciliationConfig tunes retries and the periodic sweep.
type ReconciliationConfig struct {
	Cron       string
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
}

// ReconciliationService retries failed side effects and periodically re-aligns
// slot flags with Current sessions.
type ReconciliationService struct {
	slots    reconcileSlots
	rooms    reconcileRooms
	sessions reconcileSessions
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      ReconciliationConfig
	queue    *jobs.Queue
	cron     *cron.Cron
}

// NewReconciliationService wires the retry queue and the sweep scheduler.
func NewReconciliationService(slots reconcileSlots, rooms reconcileRooms, sessions reconcileSessions, metrics *MetricsService, logger *zap.Logger, cfg ReconciliationConfig) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	s := &ReconciliationService{
		slots:    slots,
		rooms:    rooms,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger))))),
	}
	s.queue = jobs.NewQueue("reconciliation", s.handle, jobs.QueueConfig{
		Workers:     cfg.Workers,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		OnExhausted: s.exhausted,
		Logger:      logger,
	})
	return s
}

// Start begins consuming jobs and schedules the sweep when a cron spec is set.
func (s *ReconciliationService) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	if s.cfg.Cron == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.runSweep(ctx) }); err != nil {
		s.queue.Stop()
		return fmt.Errorf("schedule reconciliation sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reconciliation sweep scheduled", zap.String("cron", s.cfg.Cron))
	return nil
}

// Stop halts the sweep scheduler and drains workers.
func (s *ReconciliationService) Stop() {
	<-s.cron.Stop().Done()
	s.queue.Stop()
}

// Stats exposes queue counters.
func (s *ReconciliationService) Stats() jobs.Stats {
	return s.queue.Stats()
}

// Schedule records a reconciliation candidate and enqueues it for retry.
func (s *ReconciliationService) Schedule(jobType string, task ReconcileTask, cause error) {
	fields := append(slotFields(task), zap.Bool("reconcile", true), zap.String("job_type", jobType), zap.Error(cause))
	s.logger.Error("reconciliation candidate", fields...)
	if err := s.queue.Enqueue(jobs.Job{Type: jobType, Payload: task}); err != nil {
		s.logger.Error("reconciliation job dropped", append(fields, zap.NamedError("enqueue_error", err))...)
	}
}

func (s *ReconciliationService) handle(ctx context.Context, job jobs.Job) error {
	task, ok := job.Payload.(ReconcileTask)
	if !ok {
		s.logger.Error("unexpected reconciliation payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	err := s.apply(ctx, job.Type, task)
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	s.metrics.RecordReconciliation(job.Type, outcome)
	return err
}

func (s *ReconciliationService) apply(ctx context.Context, jobType string, task ReconcileTask) error {
	switch jobType {
	case JobSlotRelease:
		err := s.slots.ReleaseSlot(ctx, task.DoctorID, task.Slot)
		if appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			return nil
		}
		return err
	case JobSlotClaim:
		if task.SessionID != "" {
			current, err := s.sessions.FindByID(ctx, task.SessionID)
			if errors.Is(err, models.ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if current.Status != models.SessionCurrent || current.Slot() != task.Slot {
				return nil
			}
		}
		err := s.slots.ClaimSlot(ctx, task.DoctorID, task.Slot)
		if appErrors.HasCode(err, appErrors.ErrConflict.Code) || appErrors.HasCode(err, appErrors.ErrNotFound.Code) {
			return nil
		}
		return err
	case JobRoomEnsure:
		active, err := s.sessions.ExistsActiveBetween(ctx, task.DoctorID, task.PatientID)
		if err != nil || !active {
			return err
		}
		_, err = s.rooms.CreateRoom(ctx, task.PatientID, task.DoctorID)
		return err
	case JobRoomTeardown:
		active, err := s.sessions.ExistsActiveBetween(ctx, task.DoctorID, task.PatientID)
		if err != nil || active {
			return err
		}
		return s.rooms.DeleteRoom(ctx, task.PatientID, task.DoctorID)
	}
	s.logger.Warn("unknown reconciliation job type", zap.String("type", jobType))
	return nil
}

func (s *ReconciliationService) exhausted(job jobs.Job, err error) {
	task, _ := job.Payload.(ReconcileTask)
	s.metrics.RecordReconciliation(job.Type, "exhausted")
	s.logger.Error("reconciliation gave up", append(slotFields(task),
		zap.Bool("reconcile", true),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempt),
		zap.Error(err),
	)...)
}

func (s *ReconciliationService) runSweep(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("reconciliation sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("repaired", report.Repaired),
		zap.Int("orphaned", report.Orphaned),
		zap.Int("failed", report.Failed),
	)
}

// Sweep walks every Current session and re-claims slots left flagged available.
func (s *ReconciliationService) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	after := ""
	for {
		batch, err := s.sessions.ListCurrentAfter(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		for i := range batch {
			s.sweepOne(ctx, &batch[i], report)
		}
		if len(batch) < s.cfg.BatchSize {
			return report, nil
		}
		after = batch[len(batch)-1].ID
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
}

func (s *ReconciliationService) sweepOne(ctx context.Context, session *models.Session, report *SweepReport) {
	report.Scanned++
	task := taskFor(session)
	err := s.slots.ClaimSlot(ctx, session.DoctorID, task.Slot)
	switch {
	case err == nil:
		// The session may have ended or moved after it was listed.
		current, findErr := s.sessions.FindByID(ctx, session.ID)
		if findErr == nil && (current.Status != models.SessionCurrent || current.Slot() != task.Slot) {
			if relErr := s.slots.ReleaseSlot(ctx, session.DoctorID, task.Slot); relErr != nil {
				s.Schedule(JobSlotRelease, task, relErr)
			}
			report.Consistent++
			return
		}
		report.Repaired++
		s.metrics.RecordReconciliation("sweep", "repaired")
		s.logger.Warn("slot flag repaired for current session", slotFields(task)...)
	case appErrors.HasCode(err, appErrors.ErrConflict.Code):
		report.Consistent++
	case appErrors.HasCode(err, appErrors.ErrNotFound.Code):
		report.Orphaned++
		s.logger.Warn("current session references a missing slot", append(slotFields(task), zap.Error(err))...)
	default:
		report.Failed++
		s.Schedule(JobSlotClaim, task, err)
	}
}

func slotFields(task ReconcileTask) []zap.Field {
	return []zap.Field{
		zap.String("doctor_id", task.DoctorID),
		zap.String("patient_id", task.PatientID),
		zap.String("session_id", task.SessionID),
		zap.String("schedule_id", task.Slot.ScheduleID),
		zap.String("day_id", task.Slot.DayID),
		zap.String("time_range_id", task.Slot.TimeRangeID),
	}
}
