package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

var (
	// errors
	ErrNotFound         = core.NewNotFoundError("reservation not found")
	ErrNotAllowed       = core.NewPermissionError("you cannot manage the reservations of this student")
	ErrNotAStudent      = core.NewRuleError("only students can hold reservations")
	ErrInactiveStudent  = core.NewRuleError("the student account is deactivated")
	ErrSlotNotOpen      = core.NewRuleError("the slot is not open for booking")
	ErrBookingClosed    = core.NewRuleError("bookings for this slot are closed")
	ErrOwnSlot          = core.NewRuleError("professors cannot book their own slots")
	ErrAlreadyBooked    = core.NewRuleError("the student already booked this slot")
	ErrScheduleConflict = core.NewRuleError("the student has another lesson at this time")
	ErrSlotFull         = core.NewRuleError("the slot is full")
	ErrNotCancellable   = core.NewRuleError("only confirmed reservations of lessons that have not started can be cancelled")
	ErrNotConfirmed     = core.NewRuleError("the reservation is not confirmed")
	ErrRebookTooLate    = core.NewRuleError("the cancellation window is over, the reservation cannot be moved")
	ErrSameSlot         = core.NewRuleError("the reservation is already on this slot")
	ErrNotStarted       = core.NewRuleError("the lesson has not started yet")
	ErrNotEnded         = core.NewRuleError("the lesson has not ended yet")
	ErrSlotClosed       = core.NewRuleError("the slot is already cancelled or completed")
	ErrSlotEnded        = core.NewRuleError("the lesson has ended, complete the slot instead")
)

// rejection reasons reported to Metrics.BookingRejected
var rejectReasons = map[error]string{
	ErrNotAllowed:                "not_allowed",
	ErrNotAStudent:               "not_a_student",
	ErrInactiveStudent:           "inactive_student",
	ErrSlotNotOpen:               "slot_not_open",
	ErrBookingClosed:             "booking_closed",
	ErrOwnSlot:                   "own_slot",
	ErrAlreadyBooked:             "already_booked",
	ErrScheduleConflict:          "schedule_conflict",
	ErrSlotFull:                  "slot_full",
	ErrRebookTooLate:             "rebook_too_late",
	ErrSameSlot:                  "same_slot",
	ErrNotCancellable:            "not_cancellable",
	wallet.ErrInsufficientTokens: "insufficient_tokens",
	schedule.ErrNotFound:         "slot_not_found",
}

const cancelReasonRebooked = "rebooked"

type (
	Repository interface {
		// CreateReservation returns ErrAlreadyBooked when the student already holds a confirmed reservation on the slot.
		CreateReservation(ctx context.Context, r Reservation, exec ...core.DBExecutor) (Reservation, error)
		// GetReservation finds a reservation by ID. forUpdate locks the row until the end of the transaction.
		GetReservation(ctx context.Context, id string, forUpdate bool, exec ...core.DBExecutor) (Reservation, error)
		UpdateReservation(ctx context.Context, r Reservation, exec ...core.DBExecutor) (Reservation, error)
		QueryReservations(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Reservation, error)
		HasConfirmed(ctx context.Context, slotID, studentID string, exec ...core.DBExecutor) (bool, error)
		// HasConflict reports whether the student holds a confirmed reservation, other than excludeID,
		// on a non-cancelled slot intersecting [start, end).
		HasConflict(ctx context.Context, studentID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error)
		// QueryConfirmedBySlot returns the confirmed reservations of a slot ordered by student.
		QueryConfirmedBySlot(ctx context.Context, slotID string, forUpdate bool, exec ...core.DBExecutor) ([]Reservation, error)
		// QueryDueReminders returns confirmed, not yet reminded reservations on open slots starting in [from, to).
		QueryDueReminders(ctx context.Context, from, to time.Time, limit int, exec ...core.DBExecutor) ([]Reservation, error)
	}

	// TokenLedger holds and settles the tokens paying for reservations, inside the caller's transaction.
	TokenLedger interface {
		Lock(ctx context.Context, tx core.DBExecutor, studentID string) (wallet.Wallet, error)
		Reserve(ctx context.Context, tx core.DBExecutor, studentID, reservationID string, amount int64) error
		Consume(ctx context.Context, tx core.DBExecutor, reservationID string) (wallet.Hold, error)
		Release(ctx context.Context, tx core.DBExecutor, reservationID string) (wallet.Hold, error)
	}

	Service interface {
		// Book reserves a seat on a slot for a student. actor is the student, one of their parents or an admin.
		Book(ctx context.Context, actor user.User, nr NewReservation) (Reservation, error)
		// Cancel cancels a confirmed reservation. Tokens are refunded when the lesson starts after the
		// cancellation window, or when the professor of the slot or an admin cancels; otherwise they are consumed.
		Cancel(ctx context.Context, actor user.User, id string, cr CancelReservation) (Reservation, error)
		// Rebook moves a confirmed reservation to another slot, atomically. It returns the new reservation.
		Rebook(ctx context.Context, actor user.User, id string, rr RebookReservation) (Reservation, error)
		// MarkNoShow settles a confirmed reservation of a started lesson as a no-show.
		MarkNoShow(ctx context.Context, actor user.User, id string) (Reservation, error)
		// CompleteSlot marks an ended slot completed and consumes the tokens of its confirmed reservations.
		CompleteSlot(ctx context.Context, actor user.User, slotID string) (schedule.Slot, int, error)
		// CancelSlot cancels a slot and refunds all its confirmed reservations.
		CancelSlot(ctx context.Context, actor user.User, slotID, reason string) (schedule.Slot, int, error)
		Get(ctx context.Context, actor user.User, id string) (Reservation, error)
		// Query returns the reservations matching filter among the ones actor can see.
		Query(ctx context.Context, actor user.User, filter *QueryFilter, ordering []core.DBOrdering) ([]Reservation, error)

		// CompleteEndedSlots completes the open slots that ended some time ago. It returns the number of completed slots.
		CompleteEndedSlots(ctx context.Context) (int, error)
		// SendReminders notifies about lessons starting soon. It returns the number of reminded reservations.
		SendReminders(ctx context.Context) (int, error)
	}

	Deps struct {
		DB       core.Transactor
		Repo     Repository
		SlotRepo schedule.Repository
		UserRepo user.Repository
		Ledger   TokenLedger
		MailSvc  core.EmailService
		SMSSvc   core.SMSService
		Logger   core.Logger
		Metrics  core.Metrics
		Conf     *core.Config
	}

	service struct {
		db       core.Transactor
		repo     Repository
		slotRepo schedule.Repository
		usrRepo  user.Repository
		ledger   TokenLedger
		notifier *notifier
		logger   core.Logger
		metrics  core.Metrics
		conf     core.BookingConfig
	}
)

var _ Service = (*service)(nil)

func NewService(deps Deps) Service {
	if deps.Metrics == nil {
		deps.Metrics = core.NoopMetrics{}
	}
	return &service{
		db:       deps.DB,
		repo:     deps.Repo,
		slotRepo: deps.SlotRepo,
		usrRepo:  deps.UserRepo,
		ledger:   deps.Ledger,
		notifier: &notifier{
			usrRepo: deps.UserRepo,
			mailSvc: deps.MailSvc,
			smsSvc:  deps.SMSSvc,
			logger:  deps.Logger,
		},
		logger:  deps.Logger,
		metrics: deps.Metrics,
		conf:    deps.Conf.Booking,
	}
}

func (svc *service) rejected(err error) {
	if reason, ok := rejectReasons[errors.Cause(err)]; ok {
		svc.metrics.BookingRejected(reason)
	}
}

// actsFor reports whether actor may book or cancel on behalf of the student.
func (svc *service) actsFor(ctx context.Context, actor user.User, studentID string, exec ...core.DBExecutor) (bool, error) {
	switch {
	case actor.IsAdmin():
		return true, nil
	case actor.ID == studentID:
		return true, nil
	case actor.IsParent():
		ok, err := svc.usrRepo.IsParentOf(ctx, actor.ID, studentID, exec...)
		return ok, errors.Wrap(err, "checking parent link")
	}
	return false, nil
}

func (svc *service) canSee(ctx context.Context, actor user.User, r Reservation, slot schedule.Slot, exec ...core.DBExecutor) (bool, error) {
	if schedule.CanManage(actor, slot) {
		return true, nil
	}
	return svc.actsFor(ctx, actor, r.StudentID, exec...)
}

func (svc *service) getStudent(ctx context.Context, id string, tx core.DBExecutor) (user.User, error) {
	student, err := svc.usrRepo.GetUser(ctx, user.GetFilter{ID: id}, tx)
	if err != nil {
		if core.IsNotFound(err) {
			return user.User{}, core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: "student not found"})
		}
		return user.User{}, errors.Wrap(err, "finding student")
	}
	if !student.IsStudent() {
		return user.User{}, ErrNotAStudent
	}
	if !student.Active() {
		return user.User{}, ErrInactiveStudent
	}
	return student, nil
}

// lockSlots locks slots in ascending ID order.
func (svc *service) lockSlots(ctx context.Context, tx core.DBExecutor, ids ...string) (map[string]schedule.Slot, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	slots := make(map[string]schedule.Slot, len(sorted))
	for _, id := range sorted {
		slot, err := svc.slotRepo.GetSlot(ctx, id, true, tx)
		if err != nil {
			return nil, err
		}
		slots[id] = slot
	}
	return slots, nil
}

// lockReservation locks the slot of a reservation, then the reservation itself.
func (svc *service) lockReservation(ctx context.Context, tx core.DBExecutor, id string) (Reservation, schedule.Slot, error) {
	r, err := svc.repo.GetReservation(ctx, id, false, tx)
	if err != nil {
		return Reservation{}, schedule.Slot{}, err
	}
	slot, err := svc.slotRepo.GetSlot(ctx, r.SlotID, true, tx)
	if err != nil {
		return Reservation{}, schedule.Slot{}, err
	}
	if r, err = svc.repo.GetReservation(ctx, id, true, tx); err != nil {
		return Reservation{}, schedule.Slot{}, err
	}
	return r, slot, nil
}

// book creates a confirmed reservation of student on slot, holding its tokens.
// slot and the student wallet must be locked by tx.
func (svc *service) book(ctx context.Context, tx core.DBExecutor, actor, student user.User, slot schedule.Slot, rebookedFrom string) (Reservation, schedule.Slot, error) {
	now := core.Now()
	switch {
	case !slot.IsOpen():
		return Reservation{}, slot, ErrSlotNotOpen
	case slot.StartsAt.Sub(now) < svc.conf.BookingCutoff:
		return Reservation{}, slot, ErrBookingClosed
	case slot.ProfessorID == student.ID:
		return Reservation{}, slot, ErrOwnSlot
	}

	booked, err := svc.repo.HasConfirmed(ctx, slot.ID, student.ID, tx)
	if err != nil {
		return Reservation{}, slot, errors.Wrap(err, "checking existing reservation")
	}
	if booked {
		return Reservation{}, slot, ErrAlreadyBooked
	}
	conflict, err := svc.repo.HasConflict(ctx, student.ID, slot.StartsAt, slot.EndsAt, rebookedFrom, tx)
	if err != nil {
		return Reservation{}, slot, errors.Wrap(err, "checking schedule conflict")
	}
	if conflict {
		return Reservation{}, slot, ErrScheduleConflict
	}
	if slot.Booked >= slot.Capacity {
		return Reservation{}, slot, ErrSlotFull
	}

	r, err := svc.repo.CreateReservation(ctx, Reservation{
		SlotID:       slot.ID,
		StudentID:    student.ID,
		BookedBy:     actor.ID,
		Status:       StatusConfirmed,
		TokenCost:    slot.TokenCost,
		RebookedFrom: rebookedFrom,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, tx)
	if err != nil {
		return Reservation{}, slot, errors.Wrap(err, "creating reservation")
	}
	if err = svc.ledger.Reserve(ctx, tx, student.ID, r.ID, r.TokenCost); err != nil {
		return Reservation{}, slot, err
	}

	slot.Booked++
	slot.UpdatedAt = now
	if slot, err = svc.slotRepo.UpdateSlot(ctx, slot, tx); err != nil {
		return Reservation{}, slot, errors.Wrap(err, "updating slot")
	}
	return r, slot, nil
}

func (svc *service) Book(ctx context.Context, actor user.User, nr NewReservation) (Reservation, error) {
	if nr.StudentID == "" {
		nr.StudentID = actor.ID
	}

	var (
		res  Reservation
		slot schedule.Slot
	)
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		ok, err := svc.actsFor(ctx, actor, nr.StudentID, tx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAllowed
		}
		student, err := svc.getStudent(ctx, nr.StudentID, tx)
		if err != nil {
			return err
		}

		if slot, err = svc.slotRepo.GetSlot(ctx, nr.SlotID, true, tx); err != nil {
			return err
		}
		if _, err = svc.ledger.Lock(ctx, tx, student.ID); err != nil {
			return err
		}
		res, slot, err = svc.book(ctx, tx, actor, student, slot, "")
		return err
	})
	if err != nil {
		svc.rejected(err)
		return Reservation{}, err
	}

	svc.metrics.ReservationBooked()
	svc.metrics.TokensMoved(wallet.KindReserve, res.TokenCost)
	svc.notifier.confirmed(ctx, slot, res)
	return res, nil
}

func (svc *service) Cancel(ctx context.Context, actor user.User, id string, cr CancelReservation) (Reservation, error) {
	var (
		res  Reservation
		slot schedule.Slot
	)
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		var err error
		if res, slot, err = svc.lockReservation(ctx, tx, id); err != nil {
			return err
		}
		staff := schedule.CanManage(actor, slot)
		if !staff {
			ok, err := svc.actsFor(ctx, actor, res.StudentID, tx)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotFound
			}
		}

		now := core.Now()
		if !res.IsConfirmed() || (!actor.IsAdmin() && slot.HasStarted(now)) {
			return ErrNotCancellable
		}

		refund := staff || slot.StartsAt.Sub(now) >= svc.conf.CancellationWindow
		if refund {
			_, err = svc.ledger.Release(ctx, tx, res.ID)
		} else {
			_, err = svc.ledger.Consume(ctx, tx, res.ID)
		}
		if err != nil {
			return err
		}

		res.Status = StatusCancelled
		res.Refunded = refund
		res.CancelReason = cr.Reason
		res.CancelledBy = actor.ID
		res.CancelledAt = now
		res.UpdatedAt = now
		if res, err = svc.repo.UpdateReservation(ctx, res, tx); err != nil {
			return errors.Wrap(err, "updating reservation")
		}

		slot.Booked--
		slot.UpdatedAt = now
		slot, err = svc.slotRepo.UpdateSlot(ctx, slot, tx)
		return errors.Wrap(err, "updating slot")
	})
	if err != nil {
		return Reservation{}, err
	}

	svc.metrics.ReservationCancelled(res.Refunded)
	kind := wallet.KindConsume
	if res.Refunded {
		kind = wallet.KindRelease
	}
	svc.metrics.TokensMoved(kind, res.TokenCost)
	svc.notifier.cancelled(ctx, slot, res)
	return res, nil
}

func (svc *service) Rebook(ctx context.Context, actor user.User, id string, rr RebookReservation) (Reservation, error) {
	var (
		old, res Reservation
		newSlot  schedule.Slot
	)
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		var err error
		if old, err = svc.repo.GetReservation(ctx, id, false, tx); err != nil {
			return err
		}
		if old.SlotID == rr.SlotID {
			return ErrSameSlot
		}
		slots, err := svc.lockSlots(ctx, tx, old.SlotID, rr.SlotID)
		if err != nil {
			return err
		}
		oldSlot := slots[old.SlotID]
		if old, err = svc.repo.GetReservation(ctx, id, true, tx); err != nil {
			return err
		}

		ok, err := svc.actsFor(ctx, actor, old.StudentID, tx)
		if err != nil {
			return err
		}
		if !ok {
			if schedule.CanManage(actor, oldSlot) {
				return ErrNotAllowed
			}
			return ErrNotFound
		}

		now := core.Now()
		if !old.IsConfirmed() || oldSlot.HasStarted(now) {
			return ErrNotCancellable
		}
		if oldSlot.StartsAt.Sub(now) < svc.conf.CancellationWindow {
			return ErrRebookTooLate
		}

		student, err := svc.getStudent(ctx, old.StudentID, tx)
		if err != nil {
			return err
		}
		if _, err = svc.ledger.Lock(ctx, tx, student.ID); err != nil {
			return err
		}
		if _, err = svc.ledger.Release(ctx, tx, old.ID); err != nil {
			return err
		}

		old.Status = StatusCancelled
		old.Refunded = true
		old.CancelReason = cancelReasonRebooked
		old.CancelledBy = actor.ID
		old.CancelledAt = now
		old.UpdatedAt = now
		if old, err = svc.repo.UpdateReservation(ctx, old, tx); err != nil {
			return errors.Wrap(err, "updating reservation")
		}
		oldSlot.Booked--
		oldSlot.UpdatedAt = now
		if _, err = svc.slotRepo.UpdateSlot(ctx, oldSlot, tx); err != nil {
			return errors.Wrap(err, "updating slot")
		}

		res, newSlot, err = svc.book(ctx, tx, actor, student, slots[rr.SlotID], old.ID)
		return err
	})
	if err != nil {
		svc.rejected(err)
		return Reservation{}, err
	}

	svc.metrics.ReservationRebooked()
	svc.metrics.TokensMoved(wallet.KindRelease, old.TokenCost)
	svc.metrics.TokensMoved(wallet.KindReserve, res.TokenCost)
	svc.notifier.confirmed(ctx, newSlot, res)
	return res, nil
}

func (svc *service) MarkNoShow(ctx context.Context, actor user.User, id string) (Reservation, error) {
	var res Reservation
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		r, slot, err := svc.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !schedule.CanManage(actor, slot) {
			ok, err := svc.actsFor(ctx, actor, r.StudentID, tx)
			if err != nil {
				return err
			}
			if ok {
				return schedule.ErrNotAllowed
			}
			return ErrNotFound
		}

		now := core.Now()
		if !r.IsConfirmed() {
			return ErrNotConfirmed
		}
		if !slot.HasStarted(now) {
			return ErrNotStarted
		}
		if _, err = svc.ledger.Consume(ctx, tx, r.ID); err != nil {
			return err
		}

		r.Status = StatusNoShow
		r.CompletedAt = now
		r.UpdatedAt = now
		res, err = svc.repo.UpdateReservation(ctx, r, tx)
		return errors.Wrap(err, "updating reservation")
	})
	if err != nil {
		return Reservation{}, err
	}

	svc.metrics.ReservationsSettled(StatusNoShow, 1)
	svc.metrics.TokensMoved(wallet.KindConsume, res.TokenCost)
	return res, nil
}

// settleSlot consumes (complete) or releases (cancel) the holds of every confirmed reservation of a locked slot.
func (svc *service) settleSlot(ctx context.Context, tx core.DBExecutor, slot schedule.Slot, status string, actor user.User, reason string, now time.Time) ([]Reservation, error) {
	rs, err := svc.repo.QueryConfirmedBySlot(ctx, slot.ID, true, tx)
	if err != nil {
		return nil, errors.Wrap(err, "listing reservations")
	}
	// wallets are locked in student order
	sort.Slice(rs, func(i, j int) bool { return rs[i].StudentID < rs[j].StudentID })

	for i, r := range rs {
		if status == StatusCancelled {
			_, err = svc.ledger.Release(ctx, tx, r.ID)
			r.Refunded = true
			r.CancelReason = reason
			r.CancelledBy = actor.ID
			r.CancelledAt = now
		} else {
			_, err = svc.ledger.Consume(ctx, tx, r.ID)
			r.CompletedAt = now
		}
		if err != nil {
			return nil, errors.Wrapf(err, "settling reservation %s", r.ID)
		}
		r.Status = status
		r.UpdatedAt = now
		if rs[i], err = svc.repo.UpdateReservation(ctx, r, tx); err != nil {
			return nil, errors.Wrap(err, "updating reservation")
		}
	}
	return rs, nil
}

func (svc *service) completeSlot(ctx context.Context, tx core.DBExecutor, slot schedule.Slot) (schedule.Slot, []Reservation, error) {
	now := core.Now()
	if !slot.IsOpen() {
		return slot, nil, ErrSlotClosed
	}
	if !slot.HasEnded(now) {
		return slot, nil, ErrNotEnded
	}
	rs, err := svc.settleSlot(ctx, tx, slot, StatusCompleted, user.User{}, "", now)
	if err != nil {
		return slot, nil, err
	}
	slot.Status = schedule.StatusCompleted
	slot.UpdatedAt = now
	slot, err = svc.slotRepo.UpdateSlot(ctx, slot, tx)
	return slot, rs, errors.Wrap(err, "updating slot")
}

func (svc *service) CompleteSlot(ctx context.Context, actor user.User, slotID string) (schedule.Slot, int, error) {
	var (
		slot schedule.Slot
		rs   []Reservation
	)
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		var err error
		if slot, err = svc.slotRepo.GetSlot(ctx, slotID, true, tx); err != nil {
			return err
		}
		if !schedule.CanManage(actor, slot) {
			return schedule.ErrNotAllowed
		}
		slot, rs, err = svc.completeSlot(ctx, tx, slot)
		return err
	})
	if err != nil {
		return schedule.Slot{}, 0, err
	}
	svc.slotSettled(rs)
	return slot, len(rs), nil
}

func (svc *service) slotSettled(rs []Reservation) {
	var tokens int64
	for _, r := range rs {
		tokens += r.TokenCost
	}
	svc.metrics.ReservationsSettled(StatusCompleted, len(rs))
	if tokens > 0 {
		svc.metrics.TokensMoved(wallet.KindConsume, tokens)
	}
}

func (svc *service) CancelSlot(ctx context.Context, actor user.User, slotID, reason string) (schedule.Slot, int, error) {
	reason = core.CleanString(reason)
	var (
		slot schedule.Slot
		rs   []Reservation
	)
	err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		var err error
		if slot, err = svc.slotRepo.GetSlot(ctx, slotID, true, tx); err != nil {
			return err
		}
		if !schedule.CanManage(actor, slot) {
			return schedule.ErrNotAllowed
		}
		now := core.Now()
		if !slot.IsOpen() {
			return ErrSlotClosed
		}
		if slot.HasEnded(now) {
			return ErrSlotEnded
		}

		if rs, err = svc.settleSlot(ctx, tx, slot, StatusCancelled, actor, reason, now); err != nil {
			return err
		}
		slot.Booked -= len(rs)
		slot.Status = schedule.StatusCancelled
		slot.CancelledAt = now
		slot.UpdatedAt = now
		slot, err = svc.slotRepo.UpdateSlot(ctx, slot, tx)
		return errors.Wrap(err, "updating slot")
	})
	if err != nil {
		return schedule.Slot{}, 0, err
	}

	svc.metrics.SlotCancelled()
	var tokens int64
	for _, r := range rs {
		svc.metrics.ReservationCancelled(true)
		tokens += r.TokenCost
	}
	if tokens > 0 {
		svc.metrics.TokensMoved(wallet.KindRelease, tokens)
	}
	svc.notifier.slotCancelled(ctx, slot, rs, reason)
	return slot, len(rs), nil
}

func (svc *service) Get(ctx context.Context, actor user.User, id string) (Reservation, error) {
	r, err := svc.repo.GetReservation(ctx, id, false)
	if err != nil {
		return Reservation{}, err
	}
	slot, err := svc.slotRepo.GetSlot(ctx, r.SlotID, false)
	if err != nil {
		return Reservation{}, errors.Wrap(err, "finding slot")
	}
	ok, err := svc.canSee(ctx, actor, r, slot)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (svc *service) Query(ctx context.Context, actor user.User, filter *QueryFilter, ordering []core.DBOrdering) ([]Reservation, error) {
	if filter == nil {
		filter = &QueryFilter{}
	}
	ordering = core.CleanOrdering(ordering, OrderingFields...)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: false}}
	}

	switch {
	case actor.IsAdmin():
	case actor.IsProfessor():
		filter.ProfessorID = actor.ID
	case actor.IsParent():
		children, err := svc.usrRepo.QueryChildren(ctx, actor.ID)
		if err != nil {
			return nil, errors.Wrap(err, "listing children")
		}
		ids := visibleIDs(children, filter.StudentIDs)
		if len(ids) == 0 {
			return []Reservation{}, nil
		}
		filter.StudentIDs = ids
	default:
		filter.StudentIDs = []string{actor.ID}
	}
	return svc.repo.QueryReservations(ctx, filter, ordering)
}

// visibleIDs returns the IDs of children, restricted to wanted when it is not empty.
func visibleIDs(children []user.User, wanted []string) []string {
	ids := make([]string, 0, len(children))
	for _, child := range children {
		if len(wanted) == 0 || containsString(wanted, child.ID) {
			ids = append(ids, child.ID)
		}
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const sweepBatchSize = 100

func (svc *service) CompleteEndedSlots(ctx context.Context) (int, error) {
	slots, err := svc.slotRepo.QueryEndedSlots(ctx, core.Now().Add(-svc.conf.AutoCompleteDelay), sweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "listing ended slots")
	}

	var (
		completed int
		firstErr  error
	)
	for _, s := range slots {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		var rs []Reservation
		err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
			slot, err := svc.slotRepo.GetSlot(ctx, s.ID, true, tx)
			if err != nil {
				return err
			}
			_, rs, err = svc.completeSlot(ctx, tx, slot)
			return err
		})
		switch {
		case err == nil:
			completed++
			svc.slotSettled(rs)
		case errors.Cause(err) == ErrSlotClosed:
			// settled concurrently
		default:
			svc.logger.Error(fmt.Sprintf("completing slot %s", s.ID), err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "completing slot %s", s.ID)
			}
		}
	}
	return completed, firstErr
}

func (svc *service) SendReminders(ctx context.Context) (int, error) {
	now := core.Now()
	rs, err := svc.repo.QueryDueReminders(ctx, now, now.Add(svc.conf.ReminderLeadTime), sweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "listing due reminders")
	}

	var (
		sent     int
		firstErr error
	)
	for _, due := range rs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		var (
			r     Reservation
			slot  schedule.Slot
			fresh bool
		)
		err := svc.db.Transact(ctx, func(tx core.DBExecutor) error {
			var err error
			if r, slot, err = svc.lockReservation(ctx, tx, due.ID); err != nil {
				return err
			}
			if !r.IsConfirmed() || !r.RemindedAt.IsZero() || !slot.IsOpen() {
				return nil
			}
			r.RemindedAt = core.Now()
			r.UpdatedAt = r.RemindedAt
			r, err = svc.repo.UpdateReservation(ctx, r, tx)
			fresh = err == nil
			return errors.Wrap(err, "marking reservation reminded")
		})
		if err != nil {
			svc.logger.Error(fmt.Sprintf("reminding reservation %s", due.ID), err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "reminding reservation %s", due.ID)
			}
			continue
		}
		if fresh {
			sent++
			svc.notifier.reminder(ctx, slot, r)
		}
	}
	return sent, firstErr
}
