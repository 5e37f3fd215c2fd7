package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/befree-health/scheduling-api/internal/models"
)

const maxUpsertAttempts = 5

var errScheduleVersionConflict = errors.New("schedule modified concurrently")

type scheduleDocument struct {
	ID        string               `bson:"_id"`
	DoctorID  string               `bson:"doctorId"`
	Days      []models.DaySchedule `bson:"days"`
	Version   int64                `bson:"version"`
	CreatedAt time.Time            `bson:"createdAt"`
	UpdatedAt time.Time            `bson:"updatedAt"`
}

func (d scheduleDocument) toModel() *models.Schedule {
	days := d.Days
	for i := range days {
		if days[i].TimeRanges == nil {
			days[i].TimeRanges = []models.TimeRange{}
		}
	}
	return &models.Schedule{ID: d.ID, DoctorID: d.DoctorID, Days: days, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

// ScheduleMongoRepository keeps each schedule as one document with embedded days.
// Slot flips use array filters so sibling ranges are never rewritten.
type ScheduleMongoRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewScheduleMongoRepository constructs the document-backed schedule store.
func NewScheduleMongoRepository(coll *mongo.Collection) *ScheduleMongoRepository {
	return &ScheduleMongoRepository{coll: coll, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureIndexes enforces one schedule per doctor.
func (r *ScheduleMongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "doctorId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_doctor"),
	})
	if err != nil {
		return fmt.Errorf("create schedule indexes: %w", err)
	}
	return nil
}

func (r *ScheduleMongoRepository) findDocument(ctx context.Context, filter bson.M) (*scheduleDocument, error) {
	var doc scheduleDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("find schedule document: %w", err)
	}
	return &doc, nil
}

// FindByDoctorID loads the full schedule of a doctor.
func (r *ScheduleMongoRepository) FindByDoctorID(ctx context.Context, doctorID string) (*models.Schedule, error) {
	doc, err := r.findDocument(ctx, bson.M{"doctorId": doctorID})
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// Upsert creates or replaces the doctor's week using optimistic versioning.
func (r *ScheduleMongoRepository) Upsert(ctx context.Context, doctorID string, days []models.DaySchedule) (*models.Schedule, bool, error) {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		schedule, created, err := r.tryUpsert(ctx, doctorID, days)
		if errors.Is(err, errScheduleVersionConflict) {
			continue
		}
		return schedule, created, err
	}
	return nil, false, fmt.Errorf("upsert schedule for %s: %w", doctorID, errScheduleVersionConflict)
}

func (r *ScheduleMongoRepository) tryUpsert(ctx context.Context, doctorID string, days []models.DaySchedule) (*models.Schedule, bool, error) {
	now := r.now()
	current, err := r.findDocument(ctx, bson.M{"doctorId": doctorID})
	if errors.Is(err, models.ErrScheduleNotFound) {
		doc := scheduleDocument{
			ID:        uuid.NewString(),
			DoctorID:  doctorID,
			Days:      models.MergeDays(nil, days, uuid.NewString),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := r.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, false, errScheduleVersionConflict
			}
			return nil, false, fmt.Errorf("insert schedule: %w", err)
		}
		return doc.toModel(), true, nil
	}
	if err != nil {
		return nil, false, err
	}

	next := *current
	next.Days = models.MergeDays(current.Days, days, uuid.NewString)
	next.Version = current.Version + 1
	next.UpdatedAt = now

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": current.ID, "version": current.Version}, next)
	if err != nil {
		return nil, false, fmt.Errorf("replace schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, false, errScheduleVersionConflict
	}
	return next.toModel(), false, nil
}

func slotArrayFilters(ref models.SlotRef) *options.UpdateOptions {
	return options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{
			bson.M{"d.id": ref.DayID},
			bson.M{"t.id": ref.TimeRangeID},
		},
	})
}

func slotUpdate(available bool) bson.M {
	return bson.M{
		"$set": bson.M{"days.$[d].timeRanges.$[t].isAvailable": available},
		"$inc": bson.M{"version": 1},
	}
}

// SetSlotAvailability sets the flag of one embedded range.
func (r *ScheduleMongoRepository) SetSlotAvailability(ctx context.Context, ref models.SlotRef, available bool) error {
	filter := bson.M{
		"_id": ref.ScheduleID,
		"days": bson.M{"$elemMatch": bson.M{
			"id":            ref.DayID,
			"timeRanges.id": ref.TimeRangeID,
		}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, slotUpdate(available), slotArrayFilters(ref))
	if err != nil {
		return fmt.Errorf("set slot availability: %w", err)
	}
	if res.MatchedCount == 0 {
		_, err := r.probeSlot(ctx, ref)
		return err
	}
	return nil
}

// ClaimSlot flips an available range to unavailable; the availability test is
// part of the update filter, so only one concurrent claimant can match.
func (r *ScheduleMongoRepository) ClaimSlot(ctx context.Context, ref models.SlotRef) error {
	filter := bson.M{
		"_id": ref.ScheduleID,
		"days": bson.M{"$elemMatch": bson.M{
			"id": ref.DayID,
			"timeRanges": bson.M{"$elemMatch": bson.M{
				"id":          ref.TimeRangeID,
				"isAvailable": true,
			}},
		}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, slotUpdate(false), slotArrayFilters(ref))
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := r.probeSlot(ctx, ref); err != nil {
		return err
	}
	return models.ErrSlotTaken
}

func (r *ScheduleMongoRepository) probeSlot(ctx context.Context, ref models.SlotRef) (bool, error) {
	doc, err := r.findDocument(ctx, bson.M{"_id": ref.ScheduleID})
	if err != nil {
		return false, err
	}
	schedule := doc.toModel()
	_, tr, err := schedule.Locate(ref.DayID, ref.TimeRangeID)
	if err != nil {
		return false, err
	}
	return tr.IsAvailable, nil
}
