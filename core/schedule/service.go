package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
)

var (
	// errors
	ErrNotFound            = core.NewNotFoundError("slot not found")
	ErrNotAllowed          = core.NewPermissionError("only the professor of the slot or an admin can manage it")
	ErrNotAProfessor       = core.NewRuleError("user is not a professor")
	ErrOverlap             = core.NewRuleError("the professor already has a slot at this time")
	ErrNotEditable         = core.NewRuleError("only open slots that have not started can change")
	ErrTermsFrozen         = core.NewRuleError("the time and token cost of a booked slot cannot change")
	ErrCapacityBelowBooked = core.NewRuleError("capacity cannot be lower than the number of booked seats")
)

type (
	Repository interface {
		CreateSlot(ctx context.Context, s Slot, exec ...core.DBExecutor) (Slot, error)
		// GetSlot finds a slot by ID. forUpdate locks the slot row until the end of the transaction.
		GetSlot(ctx context.Context, id string, forUpdate bool, exec ...core.DBExecutor) (Slot, error)
		UpdateSlot(ctx context.Context, s Slot, exec ...core.DBExecutor) (Slot, error)
		QuerySlots(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Slot, error)
		// HasOverlap reports whether the professor has a non-cancelled slot intersecting [start, end), other than excludeID.
		HasOverlap(ctx context.Context, professorID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error)
		// LockProfessorSchedule serializes the slot changes of a professor until the end of the transaction.
		LockProfessorSchedule(ctx context.Context, professorID string, exec ...core.DBExecutor) error
		// QueryEndedSlots returns open slots that ended before endedBefore, oldest first.
		QueryEndedSlots(ctx context.Context, endedBefore time.Time, limit int, exec ...core.DBExecutor) ([]Slot, error)
	}

	Service interface {
		// Create creates a slot for actor (a professor) or, when actor is an admin, for NewSlot.ProfessorID.
		Create(ctx context.Context, actor user.User, ns NewSlot) (Slot, error)
		Update(ctx context.Context, actor user.User, id string, us UpdateSlot) (Slot, error)
		Get(ctx context.Context, id string) (Slot, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Slot, error)
	}

	service struct {
		db      core.Transactor
		repo    Repository
		usrRepo user.Repository
		conf    core.BookingConfig
	}
)

var _ Service = (*service)(nil)

func NewService(db core.Transactor, repo Repository, usrRepo user.Repository, conf *core.Config) Service {
	return &service{
		db:      db,
		repo:    repo,
		usrRepo: usrRepo,
		conf:    conf.Booking,
	}
}

// CanManage reports whether actor may change or settle the slot.
func CanManage(actor user.User, s Slot) bool {
	return actor.IsAdmin() || (actor.IsProfessor() && actor.ID == s.ProfessorID)
}

func fieldErr(field, msg string) error {
	return core.NewValidationError(nil, core.FieldError{Field: field, Error: msg})
}

// checkTerms applies the time, capacity and cost rules shared by creation and update.
func (svc *service) checkTerms(now, start, end time.Time, capacity int, cost int64) error {
	if !start.After(now) {
		return fieldErr("starts_at", "starts_at must be in the future")
	}
	if !end.After(start) {
		return fieldErr("ends_at", "ends_at must be after starts_at")
	}
	if d := end.Sub(start); d < svc.conf.MinSlotDuration || d > svc.conf.MaxSlotDuration {
		return fieldErr("ends_at", fmt.Sprintf("a slot must last between %s and %s", svc.conf.MinSlotDuration, svc.conf.MaxSlotDuration))
	}
	if capacity < 1 || capacity > svc.conf.MaxCapacity {
		return fieldErr("capacity", fmt.Sprintf("capacity must be between 1 and %d", svc.conf.MaxCapacity))
	}
	if cost < 1 {
		return fieldErr("token_cost", "token_cost must be greater than 0")
	}
	return nil
}

func (svc *service) Create(ctx context.Context, actor user.User, ns NewSlot) (Slot, error) {
	professorID := actor.ID
	switch {
	case actor.IsAdmin():
		if ns.ProfessorID != "" {
			professorID = ns.ProfessorID
		}
	case actor.IsProfessor():
	default:
		return Slot{}, ErrNotAProfessor
	}

	if ns.TokenCost == 0 {
		ns.TokenCost = svc.conf.DefaultTokenCost
	}
	now := core.Now()
	if err := svc.checkTerms(now, ns.StartsAt, ns.EndsAt, ns.Capacity, ns.TokenCost); err != nil {
		return Slot{}, err
	}

	var slot Slot
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		if professorID != actor.ID {
			prof, err := svc.usrRepo.GetUser(ctx, user.GetFilter{ID: professorID}, tx)
			if err != nil {
				if core.IsNotFound(err) {
					return fieldErr("professor_id", "professor not found")
				}
				return errors.Wrap(err, "finding professor")
			}
			if !prof.IsProfessor() {
				return ErrNotAProfessor
			}
		}

		if err := svc.repo.LockProfessorSchedule(ctx, professorID, tx); err != nil {
			return errors.Wrap(err, "locking professor schedule")
		}
		overlap, err := svc.repo.HasOverlap(ctx, professorID, ns.StartsAt, ns.EndsAt, "", tx)
		if err != nil {
			return errors.Wrap(err, "checking overlap")
		}
		if overlap {
			return ErrOverlap
		}

		slot, err = svc.repo.CreateSlot(ctx, Slot{
			ProfessorID: professorID,
			Subject:     ns.Subject,
			Description: ns.Description,
			StartsAt:    ns.StartsAt,
			EndsAt:      ns.EndsAt,
			Capacity:    ns.Capacity,
			TokenCost:   ns.TokenCost,
			Status:      StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, tx)
		return errors.Wrap(err, "creating slot")
	})
	if err != nil {
		return Slot{}, err
	}
	return slot, nil
}

func (svc *service) Update(ctx context.Context, actor user.User, id string, us UpdateSlot) (Slot, error) {
	var slot Slot
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		var err error
		if slot, err = svc.repo.GetSlot(ctx, id, false, tx); err != nil {
			return err
		}
		if !CanManage(actor, slot) {
			return ErrNotAllowed
		}
		if err = svc.repo.LockProfessorSchedule(ctx, slot.ProfessorID, tx); err != nil {
			return errors.Wrap(err, "locking professor schedule")
		}
		if slot, err = svc.repo.GetSlot(ctx, id, true, tx); err != nil {
			return err
		}

		now := core.Now()
		if !slot.IsOpen() || slot.HasStarted(now) {
			return ErrNotEditable
		}
		if slot.Booked > 0 && us.changesTerms(slot) {
			return ErrTermsFrozen
		}

		if us.Subject != nil {
			slot.Subject = *us.Subject
		}
		if us.Description != nil {
			slot.Description = *us.Description
		}
		if us.Capacity != nil {
			if *us.Capacity < slot.Booked {
				return ErrCapacityBelowBooked
			}
			slot.Capacity = *us.Capacity
		}
		if us.TokenCost != nil {
			slot.TokenCost = *us.TokenCost
		}
		moved := false
		if us.StartsAt != nil {
			slot.StartsAt = *us.StartsAt
			moved = true
		}
		if us.EndsAt != nil {
			slot.EndsAt = *us.EndsAt
			moved = true
		}
		if err = svc.checkTerms(now, slot.StartsAt, slot.EndsAt, slot.Capacity, slot.TokenCost); err != nil {
			return err
		}
		if moved {
			overlap, err := svc.repo.HasOverlap(ctx, slot.ProfessorID, slot.StartsAt, slot.EndsAt, slot.ID, tx)
			if err != nil {
				return errors.Wrap(err, "checking overlap")
			}
			if overlap {
				return ErrOverlap
			}
		}

		slot.UpdatedAt = now
		slot, err = svc.repo.UpdateSlot(ctx, slot, tx)
		return errors.Wrap(err, "updating slot")
	})
	if err != nil {
		return Slot{}, err
	}
	return slot, nil
}

func (svc *service) Get(ctx context.Context, id string) (Slot, error) {
	return svc.repo.GetSlot(ctx, id, false)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Slot, error) {
	if filter != nil {
		filter.Clean()
	}
	ordering = core.CleanOrdering(ordering, OrderingFields...)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "starts_at", Ascending: true}}
	}
	return svc.repo.QuerySlots(ctx, filter, ordering)
}
