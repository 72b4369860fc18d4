package schedule

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/tutora/core"
)

// Slot statuses
const (
	StatusOpen      = "open"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

var Statuses = []string{StatusOpen, StatusCancelled, StatusCompleted}

// Slot is a tutoring session offered by a professor to up to Capacity students.
type Slot struct {
	ID          string    `json:"id"`
	ProfessorID string    `json:"professor_id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	StartsAt    time.Time `json:"starts_at"` // UTC
	EndsAt      time.Time `json:"ends_at"`   // UTC
	Capacity    int       `json:"capacity"`
	Booked      int       `json:"booked"`
	TokenCost   int64     `json:"token_cost"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`   // UTC
	UpdatedAt   time.Time `json:"updated_at"`   // UTC
	CancelledAt time.Time `json:"cancelled_at"` // UTC
}

// Available is the number of seats left.
func (s Slot) Available() int {
	if s.Booked >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Booked
}

func (s Slot) Duration() time.Duration       { return s.EndsAt.Sub(s.StartsAt) }
func (s Slot) IsOpen() bool                  { return s.Status == StatusOpen }
func (s Slot) HasStarted(now time.Time) bool { return !now.Before(s.StartsAt) }
func (s Slot) HasEnded(now time.Time) bool   { return !now.Before(s.EndsAt) }

// Overlaps reports whether [start, end) intersects the slot.
func (s Slot) Overlaps(start, end time.Time) bool {
	return s.StartsAt.Before(end) && start.Before(s.EndsAt)
}

// NewSlot contains information needed to create a new Slot.
// ProfessorID is only read when an admin creates the slot.
type NewSlot struct {
	ProfessorID string    `json:"professor_id"`
	Subject     string    `json:"subject" validate:"required,max=128"`
	Description string    `json:"description" validate:"max=2000"`
	StartsAt    time.Time `json:"starts_at" validate:"required"`
	EndsAt      time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
	Capacity    int       `json:"capacity" validate:"required,gt=0"`
	TokenCost   int64     `json:"token_cost" validate:"omitempty,gt=0"`
}

func (ns *NewSlot) Validate(validate *validator.Validate) error {
	ns.ProfessorID = core.CleanString(ns.ProfessorID)
	ns.Subject = core.CleanString(ns.Subject)
	ns.Description = core.CleanString(ns.Description)
	ns.StartsAt = ns.StartsAt.UTC().Truncate(time.Microsecond)
	ns.EndsAt = ns.EndsAt.UTC().Truncate(time.Microsecond)
	return validate.Struct(ns)
}

// UpdateSlot defines what information may be provided to modify an existing Slot. Nil fields are left unchanged.
type UpdateSlot struct {
	Subject     *string    `json:"subject" validate:"omitempty,min=1,max=128"`
	Description *string    `json:"description" validate:"omitempty,max=2000"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
	Capacity    *int       `json:"capacity" validate:"omitempty,gt=0"`
	TokenCost   *int64     `json:"token_cost" validate:"omitempty,gt=0"`
}

func (us *UpdateSlot) Validate(validate *validator.Validate) error {
	if us.Subject != nil {
		subj := core.CleanString(*us.Subject)
		us.Subject = &subj
	}
	if us.Description != nil {
		desc := core.CleanString(*us.Description)
		us.Description = &desc
	}
	if us.StartsAt != nil {
		t := us.StartsAt.UTC().Truncate(time.Microsecond)
		us.StartsAt = &t
	}
	if us.EndsAt != nil {
		t := us.EndsAt.UTC().Truncate(time.Microsecond)
		us.EndsAt = &t
	}
	return validate.Struct(us)
}

// changesTerms reports whether the update changes what students paid for.
func (us UpdateSlot) changesTerms(slot Slot) bool {
	return (us.StartsAt != nil && !us.StartsAt.Equal(slot.StartsAt)) ||
		(us.EndsAt != nil && !us.EndsAt.Equal(slot.EndsAt)) ||
		(us.TokenCost != nil && *us.TokenCost != slot.TokenCost)
}

type QueryFilter struct {
	ProfessorID   string
	Subject       string
	From          time.Time // starts_at >= From
	To            time.Time // starts_at < To
	Statuses      []string
	OnlyAvailable bool
	Limit         int
}

func (qf *QueryFilter) Clean() {
	qf.ProfessorID = core.CleanString(qf.ProfessorID)
	qf.Subject = core.CleanString(qf.Subject)
}

// OrderingFields are the fields slots can be ordered by.
var OrderingFields = []string{"starts_at", "ends_at", "subject", "capacity", "booked", "token_cost", "created_at"}
