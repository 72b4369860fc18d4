package inmemdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
)

type reservationRepository struct {
	db *DB
}

var _ booking.Repository = (*reservationRepository)(nil)

func NewReservationRepository(db *DB) booking.Repository {
	return &reservationRepository{db: db}
}

func reservationField(r booking.Reservation, name string) interface{} {
	switch name {
	case "created_at":
		return r.CreatedAt
	case "updated_at":
		return r.UpdatedAt
	case "status":
		return r.Status
	case "token_cost":
		return r.TokenCost
	case "student_id":
		return r.StudentID
	}
	return nil
}

func (repo *reservationRepository) confirmed(slotID, studentID string) bool {
	for _, r := range repo.db.reservations {
		if r.SlotID == slotID && r.StudentID == studentID && r.IsConfirmed() {
			return true
		}
	}
	return false
}

func (repo *reservationRepository) CreateReservation(_ context.Context, r booking.Reservation, exec ...core.DBExecutor) (booking.Reservation, error) {
	err := repo.db.do(exec, func() error {
		if _, ok := repo.db.slots[r.SlotID]; !ok {
			return schedule.ErrNotFound
		}
		if r.IsConfirmed() && repo.confirmed(r.SlotID, r.StudentID) {
			return booking.ErrAlreadyBooked
		}
		r.ID = uuid.NewString()
		repo.db.reservations[r.ID] = r
		return nil
	})
	if err != nil {
		return booking.Reservation{}, err
	}
	return r, nil
}

func (repo *reservationRepository) GetReservation(_ context.Context, id string, _ bool, exec ...core.DBExecutor) (booking.Reservation, error) {
	var res booking.Reservation
	err := repo.db.do(exec, func() error {
		r, ok := repo.db.reservations[id]
		if !ok {
			return booking.ErrNotFound
		}
		res = r
		return nil
	})
	return res, err
}

func (repo *reservationRepository) UpdateReservation(_ context.Context, r booking.Reservation, exec ...core.DBExecutor) (booking.Reservation, error) {
	err := repo.db.do(exec, func() error {
		if _, ok := repo.db.reservations[r.ID]; !ok {
			return booking.ErrNotFound
		}
		repo.db.reservations[r.ID] = r
		return nil
	})
	if err != nil {
		return booking.Reservation{}, err
	}
	return r, nil
}

func (repo *reservationRepository) QueryReservations(_ context.Context, filter *booking.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	var rs []booking.Reservation
	_ = repo.db.do(exec, func() error {
		rs = make([]booking.Reservation, 0)
		for _, r := range repo.db.reservations {
			if filter == nil || repo.match(r, filter) {
				rs = append(rs, r)
			}
		}
		return nil
	})

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: false}}
	}
	sortRows(rs, ordering, reservationField)
	if filter != nil && filter.Limit > 0 && len(rs) > filter.Limit {
		rs = rs[:filter.Limit]
	}
	return rs, nil
}

func (repo *reservationRepository) match(r booking.Reservation, filter *booking.QueryFilter) bool {
	switch {
	case len(filter.StudentIDs) > 0 && !contains(filter.StudentIDs, r.StudentID):
		return false
	case filter.SlotID != "" && r.SlotID != filter.SlotID:
		return false
	case len(filter.Statuses) > 0 && !contains(filter.Statuses, r.Status):
		return false
	}
	if filter.ProfessorID == "" && filter.From.IsZero() && filter.To.IsZero() {
		return true
	}
	slot, ok := repo.db.slots[r.SlotID]
	if !ok {
		return false
	}
	if filter.ProfessorID != "" && slot.ProfessorID != filter.ProfessorID {
		return false
	}
	return inPeriod(slot.StartsAt, filter.From, filter.To)
}

func (repo *reservationRepository) HasConfirmed(_ context.Context, slotID, studentID string, exec ...core.DBExecutor) (bool, error) {
	var ok bool
	_ = repo.db.do(exec, func() error {
		ok = repo.confirmed(slotID, studentID)
		return nil
	})
	return ok, nil
}

func (repo *reservationRepository) HasConflict(_ context.Context, studentID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error) {
	var conflict bool
	_ = repo.db.do(exec, func() error {
		for _, r := range repo.db.reservations {
			if r.StudentID != studentID || r.ID == excludeID || !r.IsConfirmed() {
				continue
			}
			slot, ok := repo.db.slots[r.SlotID]
			if ok && slot.Status != schedule.StatusCancelled && slot.Overlaps(start, end) {
				conflict = true
				break
			}
		}
		return nil
	})
	return conflict, nil
}

func (repo *reservationRepository) QueryConfirmedBySlot(_ context.Context, slotID string, _ bool, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	var rs []booking.Reservation
	_ = repo.db.do(exec, func() error {
		for _, r := range repo.db.reservations {
			if r.SlotID == slotID && r.IsConfirmed() {
				rs = append(rs, r)
			}
		}
		return nil
	})
	sortRows(rs, []core.DBOrdering{{Field: "student_id", Ascending: true}}, reservationField)
	return rs, nil
}

func (repo *reservationRepository) QueryDueReminders(_ context.Context, from, to time.Time, limit int, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	var rs []booking.Reservation
	_ = repo.db.do(exec, func() error {
		for _, r := range repo.db.reservations {
			if !r.IsConfirmed() || !r.RemindedAt.IsZero() {
				continue
			}
			slot, ok := repo.db.slots[r.SlotID]
			if ok && slot.IsOpen() && inPeriod(slot.StartsAt, from, to) {
				rs = append(rs, r)
			}
		}
		return nil
	})
	sortRows(rs, []core.DBOrdering{{Field: "created_at", Ascending: true}}, reservationField)
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}
