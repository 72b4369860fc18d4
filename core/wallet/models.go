package wallet

import (
	"time"

	"github.com/trezcool/tutora/core"
)

// Entry kinds
const (
	KindCredit  = "credit"  // tokens bought or granted
	KindDebit   = "debit"   // tokens removed by an admin
	KindReserve = "reserve" // tokens put on hold for a reservation
	KindRelease = "release" // held tokens given back
	KindConsume = "consume" // held tokens spent
)

// Hold statuses
const (
	HoldOpen     = "open"
	HoldConsumed = "consumed"
	HoldReleased = "released"
)

// Wallet is the token balance of a student.
// Reserved is the sum of the open holds; Available is what can still be reserved.
type Wallet struct {
	StudentID string    `json:"student_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is Available + Reserved.
func (w Wallet) Total() int64 { return w.Available + w.Reserved }

// Entry is one immutable line of the ledger.
type Entry struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"student_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Hold is the amount reserved for a single reservation.
type Hold struct {
	ReservationID string    `json:"reservation_id"`
	StudentID     string    `json:"student_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	SettledAt     time.Time `json:"settled_at"`
}

// NewCredit contains information needed to credit a wallet.
type NewCredit struct {
	StudentID string `json:"-"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	// Reference makes the credit idempotent (e.g. a payment id).
	Reference string `json:"reference" validate:"required,max=128"`
	Note      string `json:"note" validate:"max=512"`
	CreatedBy string `json:"-"`
}

func (nc *NewCredit) Clean() {
	nc.Reference = core.CleanString(nc.Reference)
	nc.Note = core.CleanString(nc.Note)
}

// NewDebit contains information needed to remove tokens from a wallet.
type NewDebit struct {
	StudentID string `json:"-"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Note      string `json:"note" validate:"required,max=512"`
	CreatedBy string `json:"-"`
}

func (nd *NewDebit) Clean() {
	nd.Note = core.CleanString(nd.Note)
}

type EntryFilter struct {
	StudentID     string
	Kinds         []string
	ReservationID string
	From          time.Time
	To            time.Time
	Limit         int
}
