package booking_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	emailsvc "github.com/trezcool/tutora/services/email"
	logsvc "github.com/trezcool/tutora/services/logger"
	smssvc "github.com/trezcool/tutora/services/sms"
	inmemdb "github.com/trezcool/tutora/storage/database/inmem"
	testutil "github.com/trezcool/tutora/tests"
)

var (
	conf   *core.Config
	logger core.Logger
)

func TestMain(m *testing.M) {
	conf = testutil.NewConfig()
	logger = logsvc.NewLogger("TEST ", conf)
	core.ParseEmailTemplates(conf, logger)
	os.Exit(m.Run())
}

type metricsRecorder struct {
	core.NoopMetrics
	mu       sync.Mutex
	booked   int
	rejected map[string]int
	settled  map[string]int
}

func (m *metricsRecorder) ReservationBooked() {
	m.mu.Lock()
	m.booked++
	m.mu.Unlock()
}

func (m *metricsRecorder) BookingRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *metricsRecorder) ReservationsSettled(status string, n int) {
	m.mu.Lock()
	m.settled[status] += n
	m.mu.Unlock()
}

type fixture struct {
	db       *inmemdb.DB
	usrRepo  user.Repository
	slotRepo schedule.Repository
	resRepo  booking.Repository
	ledger   *wallet.Ledger
	mail     *emailsvc.ConsoleServiceMock
	sms      *smssvc.ConsoleServiceMock
	metrics  *metricsRecorder
	svc      booking.Service

	admin, prof, prof2, parent, student, student2 user.User
}

func setup(t *testing.T) *fixture {
	db := inmemdb.Open()
	f := &fixture{
		db:       db,
		usrRepo:  inmemdb.NewUserRepository(db),
		slotRepo: inmemdb.NewSlotRepository(db),
		resRepo:  inmemdb.NewReservationRepository(db),
		mail:     emailsvc.NewConsoleServiceMock(conf, logger),
		sms:      smssvc.NewConsoleServiceMock(),
		metrics:  &metricsRecorder{rejected: map[string]int{}, settled: map[string]int{}},
	}
	f.ledger = wallet.NewLedger(db, inmemdb.NewWalletRepository(db), f.metrics)
	f.svc = booking.NewService(booking.Deps{
		DB:       db,
		Repo:     f.resRepo,
		SlotRepo: f.slotRepo,
		UserRepo: f.usrRepo,
		Ledger:   f.ledger,
		MailSvc:  f.mail,
		SMSSvc:   f.sms,
		Logger:   logger,
		Metrics:  f.metrics,
		Conf:     conf,
	})

	f.admin = testutil.CreateUser(t, f.usrRepo, "Admin", "admin", "admin@test.test", "", []string{user.RoleAdmin}, true)
	f.prof = testutil.CreateUser(t, f.usrRepo, "Prof", "prof", "prof@test.test", "", []string{user.RoleProfessor}, true)
	f.prof2 = testutil.CreateUser(t, f.usrRepo, "Prof Two", "prof2", "prof2@test.test", "", []string{user.RoleProfessor}, true)
	f.parent = testutil.CreateUser(t, f.usrRepo, "Parent", "parent", "parent@test.test", "", []string{user.RoleParent}, true)
	f.student = testutil.CreateUser(t, f.usrRepo, "Student", "student", "student@test.test", "", []string{user.RoleStudent}, true)
	f.student2 = testutil.CreateUser(t, f.usrRepo, "Student Two", "student2", "student2@test.test", "", []string{user.RoleStudent}, true)
	require.NoError(t, f.usrRepo.LinkChild(context.Background(), f.parent.ID, f.student.ID))

	f.credit(t, f.student, 10)
	f.credit(t, f.student2, 10)
	return f
}

func (f *fixture) credit(t *testing.T, student user.User, amount int64) {
	_, _, err := f.ledger.Credit(context.Background(), wallet.NewCredit{
		StudentID: student.ID,
		Amount:    amount,
		Reference: fmt.Sprintf("seed-%s-%d", student.ID, time.Now().UnixNano()),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, student user.User) wallet.Wallet {
	w, err := f.ledger.Balance(context.Background(), student.ID)
	require.NoError(t, err)
	return w
}

func (f *fixture) slot(t *testing.T, id string) schedule.Slot {
	s, err := f.slotRepo.GetSlot(context.Background(), id, false)
	require.NoError(t, err)
	return s
}

func (f *fixture) reservation(t *testing.T, id string) booking.Reservation {
	r, err := f.resRepo.GetReservation(context.Background(), id, false)
	require.NoError(t, err)
	return r
}

func (f *fixture) book(t *testing.T, actor user.User, slot schedule.Slot, student user.User) booking.Reservation {
	r, err := f.svc.Book(context.Background(), actor, booking.NewReservation{SlotID: slot.ID, StudentID: student.ID})
	require.NoError(t, err)
	return r
}

func (f *fixture) hold(t *testing.T, resID string) wallet.Hold {
	h, err := f.ledger.Hold(context.Background(), resID)
	require.NoError(t, err)
	return h
}

func TestService_Book(t *testing.T) {
	f := setup(t)
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 3)

	res := f.book(t, f.student, slot, user.User{})
	assert.Equal(t, booking.StatusConfirmed, res.Status)
	assert.Equal(t, f.student.ID, res.StudentID)
	assert.Equal(t, f.student.ID, res.BookedBy)
	assert.Equal(t, int64(3), res.TokenCost)

	w := f.balance(t, f.student)
	assert.Equal(t, int64(7), w.Available)
	assert.Equal(t, int64(3), w.Reserved)
	assert.Equal(t, 1, f.slot(t, slot.ID).Booked)
	assert.Equal(t, wallet.HoldOpen, f.hold(t, res.ID).Status)
	assert.Equal(t, 1, f.metrics.booked)

	// the linked parent is notified too
	for _, to := range []string{f.student.Email, f.parent.Email, f.prof.Email} {
		msgs := f.mail.SentTo(to)
		if assert.Len(t, msgs, 1, to) {
			assert.Equal(t, "Reservation confirmed", msgs[0].Subject)
			assert.Contains(t, msgs[0].TextContent, res.ID)
		}
	}
	assert.Empty(t, f.mail.SentTo(f.student2.Email))
}

func TestService_Book_Actors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stranger := testutil.CreateUser(t, f.usrRepo, "Other Parent", "oparent", "oparent@test.test", "", []string{user.RoleParent}, true)

	tests := []struct {
		name    string
		actor   user.User
		student user.User
		wantErr error
	}{
		{"student for self", f.student, f.student, nil},
		{"linked parent", f.parent, f.student, nil},
		{"admin", f.admin, f.student2, nil},
		{"unlinked parent", stranger, f.student, booking.ErrNotAllowed},
		{"other student", f.student2, f.student, booking.ErrNotAllowed},
		{"professor", f.prof, f.student, booking.ErrNotAllowed},
		{"admin for a professor", f.admin, f.prof2, booking.ErrNotAStudent},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, time.Duration(48+2*i)*time.Hour, time.Hour, 5, 1)
			res, err := f.svc.Book(ctx, tt.actor, booking.NewReservation{SlotID: slot.ID, StudentID: tt.student.ID})
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, errors.Cause(err))
				assert.Equal(t, 0, f.slot(t, slot.ID).Booked)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.actor.ID, res.BookedBy)
			assert.Equal(t, tt.student.ID, res.StudentID)
		})
	}
}

func TestService_Book_Rules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	full := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 1, 1)
	f.book(t, f.student2, full, user.User{})

	booked := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 52*time.Hour, time.Hour, 5, 1)
	f.book(t, f.student, booked, user.User{})
	overlapping := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 52*time.Hour+30*time.Minute, time.Hour, 5, 1)

	closing := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 30*time.Minute, time.Hour, 5, 1)
	expensive := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 60*time.Hour, time.Hour, 5, 100)

	cancelled := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 70*time.Hour, time.Hour, 5, 1)
	cancelled.Status = schedule.StatusCancelled
	_, err := f.slotRepo.UpdateSlot(ctx, cancelled)
	require.NoError(t, err)

	inactive := testutil.CreateUser(t, f.usrRepo, "Gone", "gone", "gone@test.test", "", []string{user.RoleStudent}, false)
	free := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 80*time.Hour, time.Hour, 5, 1)

	tutor := testutil.CreateUser(t, f.usrRepo, "Tutor", "tutor", "tutor@test.test", "", []string{user.RoleProfessor, user.RoleStudent}, true)
	f.credit(t, tutor, 5)
	own := testutil.CreateSlot(t, f.slotRepo, tutor.ID, 90*time.Hour, time.Hour, 5, 1)

	tests := []struct {
		name    string
		actor   user.User
		slotID  string
		wantErr error
		reason  string
	}{
		{"slot full", f.student, full.ID, booking.ErrSlotFull, "slot_full"},
		{"already booked", f.student, booked.ID, booking.ErrAlreadyBooked, "already_booked"},
		{"schedule conflict", f.student, overlapping.ID, booking.ErrScheduleConflict, "schedule_conflict"},
		{"booking closed", f.student, closing.ID, booking.ErrBookingClosed, "booking_closed"},
		{"not enough tokens", f.student, expensive.ID, wallet.ErrInsufficientTokens, "insufficient_tokens"},
		{"slot cancelled", f.student, cancelled.ID, booking.ErrSlotNotOpen, "slot_not_open"},
		{"inactive student", inactive, free.ID, booking.ErrInactiveStudent, "inactive_student"},
		{"own slot", tutor, own.ID, booking.ErrOwnSlot, "own_slot"},
		{"unknown slot", f.student, "3b8e6f7e-4f7a-4b3e-9a51-2f4a0d6c1e99", schedule.ErrNotFound, "slot_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.balance(t, tt.actor)
			_, err := f.svc.Book(ctx, tt.actor, booking.NewReservation{SlotID: tt.slotID})
			assert.Equal(t, tt.wantErr, errors.Cause(err))
			assert.Equal(t, before, f.balance(t, tt.actor), "wallet must be untouched")
			assert.Equal(t, 1, f.metrics.rejected[tt.reason])
		})
	}

	// a rejected booking leaves no reservation behind
	rs, err := f.svc.Query(ctx, f.admin, &booking.QueryFilter{SlotID: expensive.ID}, nil)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("early cancellation is refunded", func(t *testing.T) {
		f := setup(t)
		slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		res := f.book(t, f.student, slot, user.User{})

		res, err := f.svc.Cancel(ctx, f.parent, res.ID, booking.CancelReservation{Reason: "sick"})
		require.NoError(t, err)
		assert.Equal(t, booking.StatusCancelled, res.Status)
		assert.True(t, res.Refunded)
		assert.Equal(t, "sick", res.CancelReason)
		assert.Equal(t, f.parent.ID, res.CancelledBy)
		assert.Equal(t, int64(10), f.balance(t, f.student).Available)
		assert.Equal(t, int64(0), f.balance(t, f.student).Reserved)
		assert.Equal(t, 0, f.slot(t, slot.ID).Booked)
		assert.Equal(t, wallet.HoldReleased, f.hold(t, res.ID).Status)
		assert.Len(t, f.mail.SentTo(f.student.Email), 2) // confirmed + cancelled

		_, err = f.svc.Cancel(ctx, f.student, res.ID, booking.CancelReservation{})
		assert.Equal(t, booking.ErrNotCancellable, errors.Cause(err))
	})

	t.Run("late cancellation consumes the tokens", func(t *testing.T) {
		f := setup(t)
		slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 2, 2)
		res := f.book(t, f.student, slot, user.User{})

		res, err := f.svc.Cancel(ctx, f.student, res.ID, booking.CancelReservation{})
		require.NoError(t, err)
		assert.False(t, res.Refunded)
		w := f.balance(t, f.student)
		assert.Equal(t, int64(8), w.Available)
		assert.Equal(t, int64(0), w.Reserved)
		assert.Equal(t, wallet.HoldConsumed, f.hold(t, res.ID).Status)
		assert.Equal(t, 0, f.slot(t, slot.ID).Booked, "the seat is freed")
	})

	t.Run("late cancellation by the professor is refunded", func(t *testing.T) {
		f := setup(t)
		slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 2, 2)
		res := f.book(t, f.student, slot, user.User{})

		res, err := f.svc.Cancel(ctx, f.prof, res.ID, booking.CancelReservation{})
		require.NoError(t, err)
		assert.True(t, res.Refunded)
		assert.Equal(t, int64(10), f.balance(t, f.student).Available)
	})

	t.Run("after start only admins can cancel", func(t *testing.T) {
		f := setup(t)
		slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 2, 2)
		res := f.book(t, f.student, slot, user.User{})
		testutil.Travel(t, 2*time.Hour+10*time.Minute)

		for _, actor := range []user.User{f.student, f.parent, f.prof} {
			_, err := f.svc.Cancel(ctx, actor, res.ID, booking.CancelReservation{})
			assert.Equal(t, booking.ErrNotCancellable, errors.Cause(err), actor.Username)
		}
		res, err := f.svc.Cancel(ctx, f.admin, res.ID, booking.CancelReservation{Reason: "professor absent"})
		require.NoError(t, err)
		assert.True(t, res.Refunded)
	})

	t.Run("strangers do not see the reservation", func(t *testing.T) {
		f := setup(t)
		slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		res := f.book(t, f.student, slot, user.User{})

		for _, actor := range []user.User{f.student2, f.prof2} {
			_, err := f.svc.Cancel(ctx, actor, res.ID, booking.CancelReservation{})
			assert.Equal(t, booking.ErrNotFound, errors.Cause(err))
		}
		assert.True(t, f.reservation(t, res.ID).IsConfirmed())
	})
}

func TestService_Rebook(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the reservation", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		to := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 72*time.Hour, time.Hour, 2, 3)
		old := f.book(t, f.student, from, user.User{})

		res, err := f.svc.Rebook(ctx, f.parent, old.ID, booking.RebookReservation{SlotID: to.ID})
		require.NoError(t, err)
		assert.Equal(t, to.ID, res.SlotID)
		assert.Equal(t, old.ID, res.RebookedFrom)
		assert.Equal(t, int64(3), res.TokenCost)

		old = f.reservation(t, old.ID)
		assert.Equal(t, booking.StatusCancelled, old.Status)
		assert.True(t, old.Refunded)
		assert.Equal(t, 0, f.slot(t, from.ID).Booked)
		assert.Equal(t, 1, f.slot(t, to.ID).Booked)

		w := f.balance(t, f.student)
		assert.Equal(t, int64(7), w.Available)
		assert.Equal(t, int64(3), w.Reserved)
	})

	t.Run("overlapping target ignores the moved reservation", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 1)
		to := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 48*time.Hour+30*time.Minute, time.Hour, 2, 1)
		old := f.book(t, f.student, from, user.User{})

		_, err := f.svc.Rebook(ctx, f.student, old.ID, booking.RebookReservation{SlotID: to.ID})
		require.NoError(t, err)
	})

	t.Run("failure leaves the original untouched", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		full := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 72*time.Hour, time.Hour, 1, 1)
		f.book(t, f.student2, full, user.User{})
		old := f.book(t, f.student, from, user.User{})
		before := f.balance(t, f.student)

		_, err := f.svc.Rebook(ctx, f.student, old.ID, booking.RebookReservation{SlotID: full.ID})
		assert.Equal(t, booking.ErrSlotFull, errors.Cause(err))

		assert.True(t, f.reservation(t, old.ID).IsConfirmed())
		assert.Equal(t, 1, f.slot(t, from.ID).Booked)
		assert.Equal(t, before, f.balance(t, f.student))
		assert.Equal(t, wallet.HoldOpen, f.hold(t, old.ID).Status)
	})

	t.Run("too late", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 3*time.Hour, time.Hour, 2, 2)
		to := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 72*time.Hour, time.Hour, 2, 2)
		old := f.book(t, f.student, from, user.User{})

		_, err := f.svc.Rebook(ctx, f.student, old.ID, booking.RebookReservation{SlotID: to.ID})
		assert.Equal(t, booking.ErrRebookTooLate, errors.Cause(err))
	})

	t.Run("same slot", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		old := f.book(t, f.student, from, user.User{})

		_, err := f.svc.Rebook(ctx, f.student, old.ID, booking.RebookReservation{SlotID: from.ID})
		assert.Equal(t, booking.ErrSameSlot, errors.Cause(err))
	})

	t.Run("professors cannot move reservations", func(t *testing.T) {
		f := setup(t)
		from := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 2, 2)
		to := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 72*time.Hour, time.Hour, 2, 2)
		old := f.book(t, f.student, from, user.User{})

		_, err := f.svc.Rebook(ctx, f.prof, old.ID, booking.RebookReservation{SlotID: to.ID})
		assert.Equal(t, booking.ErrNotAllowed, errors.Cause(err))
	})
}

func TestService_MarkNoShow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 2, 2)
	res := f.book(t, f.student, slot, user.User{})

	_, err := f.svc.MarkNoShow(ctx, f.prof, res.ID)
	assert.Equal(t, booking.ErrNotStarted, errors.Cause(err))

	testutil.Travel(t, 2*time.Hour+15*time.Minute)

	_, err = f.svc.MarkNoShow(ctx, f.student, res.ID)
	assert.Equal(t, schedule.ErrNotAllowed, errors.Cause(err))
	_, err = f.svc.MarkNoShow(ctx, f.prof2, res.ID)
	assert.Equal(t, booking.ErrNotFound, errors.Cause(err))

	res, err = f.svc.MarkNoShow(ctx, f.prof, res.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusNoShow, res.Status)
	assert.Equal(t, int64(8), f.balance(t, f.student).Available)
	assert.Equal(t, int64(0), f.balance(t, f.student).Reserved)
	assert.Equal(t, 1, f.metrics.settled[booking.StatusNoShow])

	_, err = f.svc.MarkNoShow(ctx, f.prof, res.ID)
	assert.Equal(t, booking.ErrNotConfirmed, errors.Cause(err))
}

type failingLinks struct {
	user.Repository
}

var errLinks = errors.New("links unavailable")

func (failingLinks) IsParentOf(context.Context, string, string, ...core.DBExecutor) (bool, error) {
	return false, errLinks
}

func TestService_MarkNoShow_repositoryError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 2, 2)
	res := f.book(t, f.student, slot, user.User{})
	testutil.Travel(t, 2*time.Hour+15*time.Minute)

	svc := booking.NewService(booking.Deps{
		DB:       f.db,
		Repo:     f.resRepo,
		SlotRepo: f.slotRepo,
		UserRepo: failingLinks{f.usrRepo},
		Ledger:   f.ledger,
		MailSvc:  f.mail,
		SMSSvc:   f.sms,
		Logger:   logger,
		Conf:     conf,
	})
	_, err := svc.MarkNoShow(ctx, f.parent, res.ID)
	assert.Equal(t, errLinks, errors.Cause(err))
	assert.Equal(t, booking.StatusConfirmed, f.reservation(t, res.ID).Status)
}

func TestService_CompleteSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 3, 2)
	r1 := f.book(t, f.student, slot, user.User{})
	r2 := f.book(t, f.student2, slot, user.User{})
	_, err := f.svc.Cancel(ctx, f.student2, r2.ID, booking.CancelReservation{}) // late: consumed
	require.NoError(t, err)

	_, _, err = f.svc.CompleteSlot(ctx, f.prof, slot.ID)
	assert.Equal(t, booking.ErrNotEnded, errors.Cause(err))

	testutil.Travel(t, 3*time.Hour+time.Minute)

	_, _, err = f.svc.CompleteSlot(ctx, f.prof2, slot.ID)
	assert.Equal(t, schedule.ErrNotAllowed, errors.Cause(err))

	done, n, err := f.svc.CompleteSlot(ctx, f.prof, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, schedule.StatusCompleted, done.Status)
	assert.Equal(t, booking.StatusCompleted, f.reservation(t, r1.ID).Status)
	assert.Equal(t, booking.StatusCancelled, f.reservation(t, r2.ID).Status)
	assert.Equal(t, wallet.HoldConsumed, f.hold(t, r1.ID).Status)
	assert.Equal(t, int64(8), f.balance(t, f.student).Available)
	assert.Equal(t, int64(0), f.balance(t, f.student).Reserved)

	_, _, err = f.svc.CompleteSlot(ctx, f.admin, slot.ID)
	assert.Equal(t, booking.ErrSlotClosed, errors.Cause(err))
}

func TestService_CancelSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 3, 2)
	f.book(t, f.student, slot, user.User{})
	f.book(t, f.student2, slot, user.User{})
	f.mail.Reset()

	_, _, err := f.svc.CancelSlot(ctx, f.prof2, slot.ID, "")
	assert.Equal(t, schedule.ErrNotAllowed, errors.Cause(err))

	cancelled, n, err := f.svc.CancelSlot(ctx, f.prof, slot.ID, "  flu  ")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, schedule.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.Booked)
	assert.False(t, cancelled.CancelledAt.IsZero())

	for _, s := range []user.User{f.student, f.student2} {
		w := f.balance(t, s)
		assert.Equal(t, int64(10), w.Available)
		assert.Equal(t, int64(0), w.Reserved)
	}
	rs, err := f.svc.Query(ctx, f.admin, &booking.QueryFilter{SlotID: slot.ID}, nil)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, booking.StatusCancelled, r.Status)
		assert.True(t, r.Refunded)
		assert.Equal(t, "flu", r.CancelReason)
	}

	msgs := f.mail.SentTo(f.parent.Email)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Lesson cancelled", msgs[0].Subject)
	assert.Contains(t, msgs[0].TextContent, "flu")
	assert.Empty(t, f.mail.SentTo(f.prof.Email))

	_, _, err = f.svc.CancelSlot(ctx, f.prof, slot.ID, "")
	assert.Equal(t, booking.ErrSlotClosed, errors.Cause(err))
}

func TestService_Query(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s1 := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 3, 1)
	s2 := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 72*time.Hour, time.Hour, 3, 1)
	f.book(t, f.student, s1, user.User{})
	f.book(t, f.student, s2, user.User{})
	f.book(t, f.student2, s1, user.User{})

	tests := []struct {
		name   string
		actor  user.User
		filter *booking.QueryFilter
		want   int
	}{
		{"admin sees all", f.admin, nil, 3},
		{"student sees own", f.student, nil, 2},
		{"student cannot widen the filter", f.student2, &booking.QueryFilter{StudentIDs: []string{f.student.ID}}, 1},
		{"parent sees children", f.parent, nil, 2},
		{"parent filtered on a stranger", f.parent, &booking.QueryFilter{StudentIDs: []string{f.student2.ID}}, 0},
		{"professor sees own slots", f.prof, nil, 2},
		{"professor filtered by status", f.prof2, &booking.QueryFilter{Statuses: []string{booking.StatusCancelled}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := f.svc.Query(ctx, tt.actor, tt.filter, nil)
			require.NoError(t, err)
			assert.Len(t, rs, tt.want)
		})
	}
}

func TestService_Get(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 3, 1)
	res := f.book(t, f.student, slot, user.User{})

	for _, actor := range []user.User{f.student, f.parent, f.prof, f.admin} {
		got, err := f.svc.Get(ctx, actor, res.ID)
		require.NoError(t, err, actor.Username)
		assert.Equal(t, res.ID, got.ID)
	}
	for _, actor := range []user.User{f.student2, f.prof2} {
		_, err := f.svc.Get(ctx, actor, res.ID)
		assert.Equal(t, booking.ErrNotFound, errors.Cause(err), actor.Username)
	}
}

func TestService_Jobs(t *testing.T) {
	ctx := context.Background()

	t.Run("complete ended slots", func(t *testing.T) {
		f := setup(t)
		ended := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 2*time.Hour, time.Hour, 3, 2)
		recent := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 5*time.Hour, time.Hour, 3, 2)
		upcoming := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, 3, 2)
		r := f.book(t, f.student, ended, user.User{})
		f.book(t, f.student, upcoming, user.User{})

		// ended is over by more than AutoCompleteDelay, recent by less
		testutil.Travel(t, 3*time.Hour+conf.Booking.AutoCompleteDelay+time.Minute)

		n, err := f.svc.CompleteEndedSlots(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, schedule.StatusCompleted, f.slot(t, ended.ID).Status)
		assert.Equal(t, schedule.StatusOpen, f.slot(t, recent.ID).Status)
		assert.Equal(t, schedule.StatusOpen, f.slot(t, upcoming.ID).Status)
		assert.Equal(t, booking.StatusCompleted, f.reservation(t, r.ID).Status)

		n, err = f.svc.CompleteEndedSlots(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("send reminders once", func(t *testing.T) {
		f := setup(t)
		phone := "+243810000000"
		student := f.student
		student.Phone = phone
		_, err := f.usrRepo.UpdateUser(ctx, student)
		require.NoError(t, err)

		soon := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 12*time.Hour, time.Hour, 3, 1)
		later := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 96*time.Hour, time.Hour, 3, 1)
		r := f.book(t, f.student, soon, user.User{})
		f.book(t, f.student, later, user.User{})
		f.mail.Reset()
		f.sms.Reset()

		n, err := f.svc.SendReminders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, f.reservation(t, r.ID).RemindedAt.IsZero())

		msgs := f.mail.SentTo(f.student.Email)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Upcoming lesson", msgs[0].Subject)
		assert.Len(t, f.mail.SentTo(f.parent.Email), 1)
		texts := f.sms.SentMessages()
		require.Len(t, texts, 1)
		assert.Equal(t, phone, texts[0].To)

		n, err = f.svc.SendReminders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestService_ConcurrentBooking(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const capacity, students = 3, 12

	slot := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 48*time.Hour, time.Hour, capacity, 2)
	group := make([]user.User, students)
	for i := range group {
		group[i] = testutil.CreateUser(t, f.usrRepo, fmt.Sprintf("S%d", i), fmt.Sprintf("s%d", i), fmt.Sprintf("s%d@test.test", i), "", []string{user.RoleStudent}, true)
		f.credit(t, group[i], 2)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[error]int)
	)
	for _, s := range group {
		wg.Add(1)
		go func(s user.User) {
			defer wg.Done()
			_, err := f.svc.Book(ctx, s, booking.NewReservation{SlotID: slot.ID})
			mu.Lock()
			errs[errors.Cause(err)]++
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	assert.Equal(t, map[error]int{nil: capacity, booking.ErrSlotFull: students - capacity}, errs)
	assert.Equal(t, capacity, f.slot(t, slot.ID).Booked)

	var reserved int64
	for _, s := range group {
		w := f.balance(t, s)
		assert.Equal(t, int64(2), w.Total())
		reserved += w.Reserved
	}
	assert.Equal(t, int64(capacity*2), reserved)

	t.Run("same student on overlapping slots", func(t *testing.T) {
		a := testutil.CreateSlot(t, f.slotRepo, f.prof.ID, 96*time.Hour, time.Hour, 5, 1)
		b := testutil.CreateSlot(t, f.slotRepo, f.prof2.ID, 96*time.Hour+15*time.Minute, time.Hour, 5, 1)

		var (
			wg  sync.WaitGroup
			ok  int
			bad int
			mu  sync.Mutex
		)
		for _, id := range []string{a.ID, b.ID, a.ID, b.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.svc.Book(ctx, f.student, booking.NewReservation{SlotID: id})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ok++
				} else {
					bad++
				}
			}(id)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, 3, bad)
	})
}
