package database_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	logsvc "github.com/trezcool/tutora/services/logger"
	"github.com/trezcool/tutora/storage/database"
	boiledrepos "github.com/trezcool/tutora/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/tutora/storage/database/sqlx"
	testutil "github.com/trezcool/tutora/tests"
)

type pgFixture struct {
	db       *database.DB
	usrRepo  user.Repository
	slotRepo schedule.Repository
	ledger   *wallet.Ledger
	bookings booking.Service
	stats    analytics.Service
}

// setup connects to the test database. Run with ENV=TEST and a reachable PostgreSQL.
func setup(t *testing.T) pgFixture {
	t.Helper()
	conf := testutil.NewConfig()
	if conf.Env != "TEST" {
		t.Skip("set ENV=TEST to run the PostgreSQL tests")
	}
	require.NoError(t, database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db, "up"))
	require.NoError(t, database.Truncate(context.Background(), db))

	usrRepo := boiledrepos.NewUserRepository(db)
	slotRepo := sqlxrepos.NewSlotRepository(db)
	ledger := wallet.NewLedger(db, sqlxrepos.NewWalletRepository(db), nil)
	return pgFixture{
		db:       db,
		usrRepo:  usrRepo,
		slotRepo: slotRepo,
		ledger:   ledger,
		bookings: booking.NewService(booking.Deps{
			DB:       db,
			Repo:     sqlxrepos.NewReservationRepository(db),
			SlotRepo: slotRepo,
			UserRepo: usrRepo,
			Ledger:   ledger,
			Logger:   logsvc.NewLogger("TEST ", conf),
			Conf:     conf,
		}),
		stats: analytics.NewService(boiledrepos.NewAnalyticsRepository(db), usrRepo),
	}
}

func (f pgFixture) student(t *testing.T, uname string, tokens int64) user.User {
	t.Helper()
	usr := testutil.CreateUser(t, f.usrRepo, uname, uname, uname+"@test.test", "", []string{user.RoleStudent}, true)
	if tokens > 0 {
		_, _, err := f.ledger.Credit(context.Background(), wallet.NewCredit{StudentID: usr.ID, Amount: tokens, Reference: "seed-" + uname})
		require.NoError(t, err)
	}
	return usr
}

func TestUserRepository(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	parent := testutil.CreateUser(t, f.usrRepo, "Parent", "parent", "parent@test.test", "pwd", []string{user.RoleParent}, true)
	kid := f.student(t, "kid", 0)

	_, err := f.usrRepo.CreateUser(ctx, user.User{Name: "Dup", Username: "parent", CreatedAt: core.Now(), UpdatedAt: core.Now()})
	assert.Equal(t, user.ErrUsernameExists, err)
	assert.Equal(t, user.ErrEmailExists, f.usrRepo.CheckUsernameUniqueness(ctx, "other", "kid@test.test", nil))
	assert.NoError(t, f.usrRepo.CheckUsernameUniqueness(ctx, "kid", "kid@test.test", []user.User{kid}))

	got, err := f.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{"", "parent@test.test"}})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.ID)
	assert.NoError(t, got.CheckPassword("pwd"))
	assert.Equal(t, []string{user.RoleParent}, got.Roles)

	_, err = f.usrRepo.GetUser(ctx, user.GetFilter{ID: "not-a-uuid"})
	assert.Equal(t, user.ErrNotFound, err)

	require.NoError(t, f.usrRepo.LinkChild(ctx, parent.ID, kid.ID))
	require.NoError(t, f.usrRepo.LinkChild(ctx, parent.ID, kid.ID))
	ok, err := f.usrRepo.IsParentOf(ctx, parent.ID, kid.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	children, err := f.usrRepo.QueryChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, kid.ID, children[0].ID)

	users, err := f.usrRepo.QueryUsers(ctx, &user.QueryFilter{Roles: []string{user.RoleStudent}}, nil)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, kid.ID, users[0].ID)
}

func TestBookingOnPostgres(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	prof := testutil.CreateUser(t, f.usrRepo, "Prof", "prof", "prof@test.test", "", []string{user.RoleProfessor}, true)
	student := f.student(t, "student", 5)
	slot := testutil.CreateSlot(t, f.slotRepo, prof.ID, 48*time.Hour, time.Hour, 2, 2)

	res, err := f.bookings.Book(ctx, student, booking.NewReservation{SlotID: slot.ID})
	require.NoError(t, err)
	_, err = f.bookings.Book(ctx, student, booking.NewReservation{SlotID: slot.ID})
	assert.Equal(t, booking.ErrAlreadyBooked, errors.Cause(err))

	w, err := f.ledger.Balance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), w.Available)
	assert.Equal(t, int64(2), w.Reserved)

	res, err = f.bookings.Cancel(ctx, student, res.ID, booking.CancelReservation{Reason: "sick"})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	w, err = f.ledger.Balance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.Available)
	assert.Zero(t, w.Reserved)

	stats, err := f.stats.StudentStats(ctx, student, student.ID, analytics.Period{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reservations)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, int64(2), stats.TokensRefunded)

	fresh := testutil.CreateUser(t, f.usrRepo, "Fresh", "fresh", "fresh@test.test", "", []string{user.RoleStudent}, true)
	w, err = f.ledger.Balance(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Zero(t, w.Total())
	n, err := f.usrRepo.DeleteUsersByID(ctx, []string{fresh.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentBookingOnPostgres(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	prof := testutil.CreateUser(t, f.usrRepo, "Prof", "prof", "prof@test.test", "", []string{user.RoleProfessor}, true)
	slot := testutil.CreateSlot(t, f.slotRepo, prof.ID, 48*time.Hour, time.Hour, 3, 1)

	students := make([]user.User, 0, 12)
	for i := 0; i < 12; i++ {
		students = append(students, f.student(t, fmt.Sprintf("student%d", i), 1))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		booked int
		full   int
	)
	for _, s := range students {
		wg.Add(1)
		go func(s user.User) {
			defer wg.Done()
			_, err := f.bookings.Book(ctx, s, booking.NewReservation{SlotID: slot.ID})
			mu.Lock()
			defer mu.Unlock()
			switch errors.Cause(err) {
			case nil:
				booked++
			case booking.ErrSlotFull:
				full++
			default:
				t.Errorf("unexpected booking error: %v", err)
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 3, booked)
	assert.Equal(t, 9, full)
	slot, err := f.slotRepo.GetSlot(ctx, slot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, slot.Booked)
}
