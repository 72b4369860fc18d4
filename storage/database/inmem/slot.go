package inmemdb

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/schedule"
)

type slotRepository struct {
	db *DB
}

var _ schedule.Repository = (*slotRepository)(nil)

func NewSlotRepository(db *DB) schedule.Repository {
	return &slotRepository{db: db}
}

func slotField(s schedule.Slot, name string) interface{} {
	switch name {
	case "starts_at":
		return s.StartsAt
	case "ends_at":
		return s.EndsAt
	case "subject":
		return s.Subject
	case "capacity":
		return s.Capacity
	case "booked":
		return s.Booked
	case "token_cost":
		return s.TokenCost
	case "created_at":
		return s.CreatedAt
	}
	return nil
}

func (repo *slotRepository) CreateSlot(_ context.Context, s schedule.Slot, exec ...core.DBExecutor) (schedule.Slot, error) {
	_ = repo.db.do(exec, func() error {
		s.ID = uuid.NewString()
		repo.db.slots[s.ID] = s
		return nil
	})
	return s, nil
}

// GetSlot ignores forUpdate: the store lock is held by the caller's transaction.
func (repo *slotRepository) GetSlot(_ context.Context, id string, _ bool, exec ...core.DBExecutor) (schedule.Slot, error) {
	var slot schedule.Slot
	err := repo.db.do(exec, func() error {
		s, ok := repo.db.slots[id]
		if !ok {
			return schedule.ErrNotFound
		}
		slot = s
		return nil
	})
	return slot, err
}

func (repo *slotRepository) UpdateSlot(_ context.Context, s schedule.Slot, exec ...core.DBExecutor) (schedule.Slot, error) {
	err := repo.db.do(exec, func() error {
		if _, ok := repo.db.slots[s.ID]; !ok {
			return schedule.ErrNotFound
		}
		if s.Booked < 0 || s.Booked > s.Capacity {
			return errors.Errorf("slot %s: booked %d out of [0, %d]", s.ID, s.Booked, s.Capacity)
		}
		repo.db.slots[s.ID] = s
		return nil
	})
	if err != nil {
		return schedule.Slot{}, err
	}
	return s, nil
}

func (repo *slotRepository) QuerySlots(_ context.Context, filter *schedule.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]schedule.Slot, error) {
	var slots []schedule.Slot
	_ = repo.db.do(exec, func() error {
		slots = make([]schedule.Slot, 0, len(repo.db.slots))
		for _, s := range repo.db.slots {
			if filter == nil || matchSlot(s, filter) {
				slots = append(slots, s)
			}
		}
		return nil
	})

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "starts_at", Ascending: true}}
	}
	sortRows(slots, ordering, slotField)
	if filter != nil && filter.Limit > 0 && len(slots) > filter.Limit {
		slots = slots[:filter.Limit]
	}
	return slots, nil
}

func matchSlot(s schedule.Slot, filter *schedule.QueryFilter) bool {
	switch {
	case filter.ProfessorID != "" && s.ProfessorID != filter.ProfessorID:
		return false
	case filter.Subject != "" && !strings.Contains(strings.ToLower(s.Subject), strings.ToLower(filter.Subject)):
		return false
	case len(filter.Statuses) > 0 && !contains(filter.Statuses, s.Status):
		return false
	case filter.OnlyAvailable && (!s.IsOpen() || s.Available() == 0):
		return false
	}
	return inPeriod(s.StartsAt, filter.From, filter.To)
}

func (repo *slotRepository) HasOverlap(_ context.Context, professorID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error) {
	var overlap bool
	_ = repo.db.do(exec, func() error {
		for _, s := range repo.db.slots {
			if s.ProfessorID == professorID && s.ID != excludeID && s.Status != schedule.StatusCancelled && s.Overlaps(start, end) {
				overlap = true
				break
			}
		}
		return nil
	})
	return overlap, nil
}

// LockProfessorSchedule is a no-op: transactions hold the store lock.
func (repo *slotRepository) LockProfessorSchedule(context.Context, string, ...core.DBExecutor) error {
	return nil
}

func (repo *slotRepository) QueryEndedSlots(_ context.Context, endedBefore time.Time, limit int, exec ...core.DBExecutor) ([]schedule.Slot, error) {
	var slots []schedule.Slot
	_ = repo.db.do(exec, func() error {
		for _, s := range repo.db.slots {
			if s.IsOpen() && s.EndsAt.Before(endedBefore) {
				slots = append(slots, s)
			}
		}
		return nil
	})
	sortRows(slots, []core.DBOrdering{{Field: "ends_at", Ascending: true}}, slotField)
	if limit > 0 && len(slots) > limit {
		slots = slots[:limit]
	}
	return slots, nil
}
