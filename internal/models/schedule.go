package models

import (
	"sort"
	"time"
)

// Weekday names a day of a doctor's recurring week.
type Weekday string

const (
	Sunday    Weekday = "Sunday"
	Monday    Weekday = "Monday"
	Tuesday   Weekday = "Tuesday"
	Wednesday Weekday = "Wednesday"
	Thursday  Weekday = "Thursday"
	Friday    Weekday = "Friday"
	Saturday  Weekday = "Saturday"
)

// Weekdays lists every day in calendar order.
var Weekdays = []Weekday{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

// DaysPerSchedule is the number of entries every schedule carries.
const DaysPerSchedule = 7

// Index returns the position of the day in the week, or -1 when unknown.
func (d Weekday) Index() int {
	for i, w := range Weekdays {
		if w == d {
			return i
		}
	}
	return -1
}

// Valid reports whether d is one of the seven weekday names.
func (d Weekday) Valid() bool {
	return d.Index() >= 0
}

// TimeRange is one bookable slot within a day.
type TimeRange struct {
	ID          string    `db:"id" json:"id" bson:"id"`
	From        time.Time `db:"from_at" json:"from" bson:"from"`
	To          time.Time `db:"to_at" json:"to" bson:"to"`
	IsAvailable bool      `db:"is_available" json:"isAvailable" bson:"isAvailable"`
}

// DurationMillis is the slot length in milliseconds.
// Rows written before from<to was enforced may be inverted, hence the absolute value.
func (r TimeRange) DurationMillis() int64 {
	d := r.To.Sub(r.From).Milliseconds()
	if d < 0 {
		return -d
	}
	return d
}

func (r TimeRange) key() [2]int64 {
	return [2]int64{r.From.UnixMilli(), r.To.UnixMilli()}
}

// DaySchedule holds the ordered time ranges of one weekday.
type DaySchedule struct {
	ID         string      `db:"id" json:"id" bson:"id"`
	Day        Weekday     `db:"day" json:"day" bson:"day"`
	TimeRanges []TimeRange `db:"-" json:"timeRanges" bson:"timeRanges"`
}

// FindTimeRange looks up a range by id.
func (d *DaySchedule) FindTimeRange(id string) (*TimeRange, bool) {
	for i := range d.TimeRanges {
		if d.TimeRanges[i].ID == id {
			return &d.TimeRanges[i], true
		}
	}
	return nil, false
}

// Schedule is a doctor's weekly recurring availability.
type Schedule struct {
	ID        string        `db:"id" json:"id"`
	DoctorID  string        `db:"doctor_id" json:"doctorId"`
	Days      []DaySchedule `db:"-" json:"days"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `db:"updated_at" json:"updatedAt"`
}

// FindDay looks up a day by id. Position is never used since upserts reorder days.
func (s *Schedule) FindDay(id string) (*DaySchedule, bool) {
	for i := range s.Days {
		if s.Days[i].ID == id {
			return &s.Days[i], true
		}
	}
	return nil, false
}

// Locate resolves a day and time range inside the schedule.
func (s *Schedule) Locate(dayID, timeRangeID string) (*DaySchedule, *TimeRange, error) {
	day, ok := s.FindDay(dayID)
	if !ok {
		return nil, nil, ErrDayNotFound
	}
	tr, ok := day.FindTimeRange(timeRangeID)
	if !ok {
		return nil, nil, ErrTimeRangeNotFound
	}
	return day, tr, nil
}

// AvailableDays returns each day with only its available ranges. Days left empty are omitted.
func (s *Schedule) AvailableDays() []DaySchedule {
	result := make([]DaySchedule, 0, len(s.Days))
	for _, day := range s.Days {
		var free []TimeRange
		for _, tr := range day.TimeRanges {
			if tr.IsAvailable {
				free = append(free, tr)
			}
		}
		if len(free) == 0 {
			continue
		}
		result = append(result, DaySchedule{ID: day.ID, Day: day.Day, TimeRanges: free})
	}
	return result
}

// SlotRef identifies one time range of one schedule.
type SlotRef struct {
	ScheduleID  string `json:"scheduleId"`
	DayID       string `json:"dayId"`
	TimeRangeID string `json:"timeRangeId"`
}

// MergeDays replaces existing with incoming while keeping identities stable.
// Days keep their id when matched by name; ranges keep their id and availability
// when matched by exact from/to. Everything unmatched gets a fresh id from newID
// and starts available. The result is sorted Sunday..Saturday with ranges by start.
func MergeDays(existing, incoming []DaySchedule, newID func() string) []DaySchedule {
	byName := make(map[Weekday]DaySchedule, len(existing))
	for _, d := range existing {
		byName[d.Day] = d
	}

	merged := make([]DaySchedule, 0, len(incoming))
	for _, in := range incoming {
		out := DaySchedule{Day: in.Day}
		prev, matched := byName[in.Day]
		if matched {
			out.ID = prev.ID
		} else {
			out.ID = newID()
		}

		prevRanges := make(map[[2]int64]TimeRange, len(prev.TimeRanges))
		for _, tr := range prev.TimeRanges {
			prevRanges[tr.key()] = tr
		}

		out.TimeRanges = make([]TimeRange, 0, len(in.TimeRanges))
		for _, tr := range in.TimeRanges {
			next := TimeRange{From: tr.From, To: tr.To, IsAvailable: true}
			if old, ok := prevRanges[tr.key()]; ok {
				next.ID = old.ID
				next.IsAvailable = old.IsAvailable
				delete(prevRanges, tr.key())
			} else {
				next.ID = newID()
			}
			out.TimeRanges = append(out.TimeRanges, next)
		}
		sort.SliceStable(out.TimeRanges, func(i, j int) bool {
			return out.TimeRanges[i].From.Before(out.TimeRanges[j].From)
		})
		merged = append(merged, out)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Day.Index() < merged[j].Day.Index()
	})
	return merged
}
