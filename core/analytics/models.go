package analytics

import (
	"time"

	"github.com/trezcool/tutora/core"
)

// Period bounds the aggregations on slot start time: From <= starts_at < To.
// A zero bound is open.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) Clean() Period {
	if !p.From.IsZero() {
		p.From = p.From.UTC()
	}
	if !p.To.IsZero() {
		p.To = p.To.UTC()
	}
	return p
}

func (p Period) Valid() bool {
	return p.From.IsZero() || p.To.IsZero() || p.From.Before(p.To)
}

type ProfessorStats struct {
	ProfessorID      string  `json:"professor_id" boil:"professor_id"`
	Slots            int     `json:"slots" boil:"slots"`
	CancelledSlots   int     `json:"cancelled_slots" boil:"cancelled_slots"`
	SeatsOffered     int     `json:"seats_offered" boil:"seats_offered"`
	SeatsBooked      int     `json:"seats_booked" boil:"seats_booked"`
	FillRate         float64 `json:"fill_rate" boil:"-"`
	CompletedLessons int     `json:"completed_lessons" boil:"completed_lessons"`
	NoShows          int     `json:"no_shows" boil:"no_shows"`
	TokensEarned     int64   `json:"tokens_earned" boil:"tokens_earned"`
}

// computeFillRate sets FillRate to SeatsBooked / SeatsOffered.
func (ps *ProfessorStats) computeFillRate() {
	if ps.SeatsOffered > 0 {
		ps.FillRate = float64(ps.SeatsBooked) / float64(ps.SeatsOffered)
	}
}

type StudentStats struct {
	StudentID         string `json:"student_id" boil:"student_id"`
	Reservations      int    `json:"reservations" boil:"reservations"`
	Completed         int    `json:"completed" boil:"completed"`
	Cancelled         int    `json:"cancelled" boil:"cancelled"`
	LateCancellations int    `json:"late_cancellations" boil:"late_cancellations"`
	NoShows           int    `json:"no_shows" boil:"no_shows"`
	TokensSpent       int64  `json:"tokens_spent" boil:"tokens_spent"`
	TokensRefunded    int64  `json:"tokens_refunded" boil:"tokens_refunded"`
}

type Overview struct {
	ActiveProfessors int `json:"active_professors" boil:"active_professors"`
	ActiveStudents   int `json:"active_students" boil:"active_students"`
	Reservations     int `json:"reservations" boil:"reservations"`
	// TokensInCirculation is the sum of every wallet total (available + reserved), whatever the period.
	TokensInCirculation int64 `json:"tokens_in_circulation" boil:"tokens_in_circulation"`
	TokensConsumed      int64 `json:"tokens_consumed" boil:"tokens_consumed"`
}

type Month struct {
	Month          time.Time `json:"month" boil:"month"` // first day of the month, UTC
	Bookings       int       `json:"bookings" boil:"bookings"`
	Cancellations  int       `json:"cancellations" boil:"cancellations"`
	TokensConsumed int64     `json:"tokens_consumed" boil:"tokens_consumed"`
}

// MonthOf returns the first instant of the month of t, in UTC.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// maxMonthlyRange caps the number of months returned by Monthly.
const maxMonthlyRange = 36

var errPeriod = core.NewValidationError(nil, core.FieldError{Field: "from", Error: "from must be before to"})
