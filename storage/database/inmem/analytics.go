package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

type analyticsRepository struct {
	db *DB
}

var _ analytics.Repository = (*analyticsRepository)(nil)

func NewAnalyticsRepository(db *DB) analytics.Repository {
	return &analyticsRepository{db: db}
}

// spent reports whether the tokens of r were consumed.
func spent(r booking.Reservation) bool {
	switch r.Status {
	case booking.StatusCompleted, booking.StatusNoShow:
		return true
	case booking.StatusCancelled:
		return !r.Refunded
	}
	return false
}

// reservationsIn calls fn with every reservation whose slot starts in p.
func (repo *analyticsRepository) reservationsIn(p analytics.Period, fn func(r booking.Reservation, s schedule.Slot)) {
	for _, r := range repo.db.reservations {
		s, ok := repo.db.slots[r.SlotID]
		if ok && inPeriod(s.StartsAt, p.From, p.To) {
			fn(r, s)
		}
	}
}

func (repo *analyticsRepository) ProfessorStats(_ context.Context, professorID string, p analytics.Period, exec ...core.DBExecutor) (analytics.ProfessorStats, error) {
	stats := analytics.ProfessorStats{ProfessorID: professorID}
	_ = repo.db.do(exec, func() error {
		for _, s := range repo.db.slots {
			if s.ProfessorID != professorID || !inPeriod(s.StartsAt, p.From, p.To) {
				continue
			}
			stats.Slots++
			if s.Status == schedule.StatusCancelled {
				stats.CancelledSlots++
				continue
			}
			stats.SeatsOffered += s.Capacity
			stats.SeatsBooked += s.Booked
		}
		repo.reservationsIn(p, func(r booking.Reservation, s schedule.Slot) {
			if s.ProfessorID != professorID {
				return
			}
			switch r.Status {
			case booking.StatusCompleted:
				stats.CompletedLessons++
			case booking.StatusNoShow:
				stats.NoShows++
			}
			if spent(r) {
				stats.TokensEarned += r.TokenCost
			}
		})
		return nil
	})
	return stats, nil
}

func (repo *analyticsRepository) StudentStats(_ context.Context, studentID string, p analytics.Period, exec ...core.DBExecutor) (analytics.StudentStats, error) {
	stats := analytics.StudentStats{StudentID: studentID}
	_ = repo.db.do(exec, func() error {
		repo.reservationsIn(p, func(r booking.Reservation, _ schedule.Slot) {
			if r.StudentID != studentID {
				return
			}
			stats.Reservations++
			switch r.Status {
			case booking.StatusCompleted:
				stats.Completed++
			case booking.StatusNoShow:
				stats.NoShows++
			case booking.StatusCancelled:
				stats.Cancelled++
				if r.Refunded {
					stats.TokensRefunded += r.TokenCost
				} else {
					stats.LateCancellations++
				}
			}
			if spent(r) {
				stats.TokensSpent += r.TokenCost
			}
		})
		return nil
	})
	return stats, nil
}

func (repo *analyticsRepository) Overview(_ context.Context, p analytics.Period, exec ...core.DBExecutor) (analytics.Overview, error) {
	var ov analytics.Overview
	_ = repo.db.do(exec, func() error {
		for _, usr := range repo.db.users {
			if !usr.Active() {
				continue
			}
			if usr.RoleStartsWith(user.RoleProfessor) {
				ov.ActiveProfessors++
			}
			if usr.RoleStartsWith(user.RoleStudent) {
				ov.ActiveStudents++
			}
		}
		repo.reservationsIn(p, func(booking.Reservation, schedule.Slot) {
			ov.Reservations++
		})
		for _, w := range repo.db.wallets {
			ov.TokensInCirculation += w.Total()
		}
		for _, e := range repo.db.entries {
			if e.Kind == wallet.KindConsume && inPeriod(e.CreatedAt, p.From, p.To) {
				ov.TokensConsumed += e.Amount
			}
		}
		return nil
	})
	return ov, nil
}

func (repo *analyticsRepository) Monthly(_ context.Context, p analytics.Period, exec ...core.DBExecutor) ([]analytics.Month, error) {
	byMonth := make(map[time.Time]*analytics.Month)
	_ = repo.db.do(exec, func() error {
		repo.reservationsIn(p, func(r booking.Reservation, s schedule.Slot) {
			key := analytics.MonthOf(s.StartsAt)
			m, ok := byMonth[key]
			if !ok {
				m = &analytics.Month{Month: key}
				byMonth[key] = m
			}
			m.Bookings++
			if r.Status == booking.StatusCancelled {
				m.Cancellations++
			}
			if spent(r) {
				m.TokensConsumed += r.TokenCost
			}
		})
		return nil
	})

	months := make([]analytics.Month, 0, len(byMonth))
	for _, m := range byMonth {
		months = append(months, *m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Month.Before(months[j].Month) })
	return months, nil
}
