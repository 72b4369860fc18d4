package booking

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/tutora/core"
)

// Reservation statuses
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
)

var Statuses = []string{StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow}

// Reservation is the seat of one student on a slot, paid with TokenCost tokens.
// Every non-cancelled reservation counts in the Booked seats of its slot.
type Reservation struct {
	ID        string `json:"id"`
	SlotID    string `json:"slot_id"`
	StudentID string `json:"student_id"`
	// BookedBy is the student, one of their parents or an admin.
	BookedBy  string `json:"booked_by"`
	Status    string `json:"status"`
	TokenCost int64  `json:"token_cost"`
	// Refunded is set on cancelled reservations whose tokens went back to the wallet.
	Refunded     bool      `json:"refunded"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	CancelledAt  time.Time `json:"cancelled_at"`
	RebookedFrom string    `json:"rebooked_from,omitempty"`
	RemindedAt   time.Time `json:"reminded_at"`
	CompletedAt  time.Time `json:"completed_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r Reservation) IsConfirmed() bool { return r.Status == StatusConfirmed }

// NewReservation contains information needed to book a slot. StudentID defaults to the booking user.
type NewReservation struct {
	SlotID    string `json:"slot_id" validate:"required,uuid"`
	StudentID string `json:"student_id" validate:"omitempty,uuid"`
}

func (nr *NewReservation) Validate(validate *validator.Validate) error {
	nr.SlotID = core.CleanString(nr.SlotID, true /* lower */)
	nr.StudentID = core.CleanString(nr.StudentID, true /* lower */)
	return validate.Struct(nr)
}

type CancelReservation struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (cr *CancelReservation) Validate(validate *validator.Validate) error {
	cr.Reason = core.CleanString(cr.Reason)
	return validate.Struct(cr)
}

type RebookReservation struct {
	SlotID string `json:"slot_id" validate:"required,uuid"`
}

func (rr *RebookReservation) Validate(validate *validator.Validate) error {
	rr.SlotID = core.CleanString(rr.SlotID, true /* lower */)
	return validate.Struct(rr)
}

type QueryFilter struct {
	StudentIDs  []string
	SlotID      string
	ProfessorID string
	Statuses    []string
	From        time.Time // slot starts_at >= From
	To          time.Time // slot starts_at < To
	Limit       int
}

// OrderingFields are the fields reservations can be ordered by.
var OrderingFields = []string{"created_at", "updated_at", "status", "token_cost"}
