package echoapi_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/tutora/apps/api/echo"
	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	testutil "github.com/trezcool/tutora/tests"
)

func Test_slotApi(t *testing.T) {
	a := setup(t)
	prof := a.user(t, "prof", user.RoleProfessor)
	student := a.user(t, "student", user.RoleStudent)
	profToken := a.token(t, prof)

	start := core.Now().Add(72 * time.Hour).Truncate(time.Second)
	newSlot := func(start time.Time, capacity int) []byte {
		return marchallObj(t, schedule.NewSlot{
			Subject: "Algebra", StartsAt: start, EndsAt: start.Add(time.Hour), Capacity: capacity, TokenCost: 2,
		})
	}

	runHTTPTests(t, a, []httpTest{
		{name: "auth required", path: "/api/slots", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "students cannot teach", method: http.MethodPost, path: "/api/slots", token: a.token(t, student),
			body: newSlot(start, 2), wantCode: http.StatusConflict,
		},
		{
			name: "past slot", method: http.MethodPost, path: "/api/slots", token: profToken,
			body: newSlot(core.Now().Add(-time.Hour), 2), wantCode: http.StatusBadRequest,
		},
		{
			name: "missing subject", method: http.MethodPost, path: "/api/slots", token: profToken,
			body: []byte(`{"capacity":1}`), wantCode: http.StatusBadRequest,
		},
	})

	rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/slots", token: profToken, body: newSlot(start, 2)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var slot schedule.Slot
	decode(t, rec, &slot)
	assert.Equal(t, prof.ID, slot.ProfessorID)
	assert.Equal(t, schedule.StatusOpen, slot.Status)
	assert.Equal(t, 2, slot.Capacity)

	t.Run("overlap", func(t *testing.T) {
		rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/slots", token: profToken, body: newSlot(start.Add(30*time.Minute), 1)})
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})

	t.Run("query", func(t *testing.T) {
		v := url.Values{"professor_id": {prof.ID}, "available": {"true"}, "status": {schedule.StatusOpen}}
		runHTTPTests(t, a, []httpTest{
			{name: "filtered", path: "/api/slots?" + v.Encode(), token: a.token(t, student), wantData: marchallList(t, slot)},
			{name: "other professor", path: "/api/slots?professor_id=nobody", token: a.token(t, student), wantData: marchallList(t)},
			{name: "bad limit", path: "/api/slots?limit=-1", token: a.token(t, student), wantCode: http.StatusBadRequest},
			{name: "detail", path: "/api/slots/" + slot.ID, token: a.token(t, student), wantData: marchallObj(t, slot)},
			{name: "unknown", path: "/api/slots/" + slot.ProfessorID, token: a.token(t, student), wantCode: http.StatusNotFound},
		})
	})

	t.Run("update", func(t *testing.T) {
		rec := a.do(t, httpTest{method: http.MethodPut, path: "/api/slots/" + slot.ID, token: a.token(t, student), body: []byte(`{"subject":"Hacked"}`)})
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

		rec = a.do(t, httpTest{method: http.MethodPut, path: "/api/slots/" + slot.ID, token: profToken, body: []byte(`{"subject":"Geometry","capacity":3}`)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var updated schedule.Slot
		decode(t, rec, &updated)
		assert.Equal(t, "Geometry", updated.Subject)
		assert.Equal(t, 3, updated.Capacity)
	})

	t.Run("complete too early", func(t *testing.T) {
		rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/slots/" + slot.ID + "/complete", token: profToken})
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})
}

func Test_reservationApi(t *testing.T) {
	a := setup(t)
	admin := a.user(t, "admin", user.RoleAdmin)
	prof := a.user(t, "prof", user.RoleProfessor)
	parent := a.user(t, "parent", user.RoleParent)
	student := a.user(t, "student", user.RoleStudent)
	other := a.user(t, "other", user.RoleStudent)
	require.NoError(t, a.usrRepo.LinkChild(context.Background(), parent.ID, student.ID))
	a.credit(t, student, 5)

	slot := testutil.CreateSlot(t, a.slotRepo, prof.ID, 72*time.Hour, time.Hour, 2, 3)
	slot2 := testutil.CreateSlot(t, a.slotRepo, prof.ID, 96*time.Hour, time.Hour, 1, 2)
	studentToken := a.token(t, student)

	book := func(token, slotID, studentID string) *booking.Reservation {
		t.Helper()
		rec := a.do(t, httpTest{
			method: http.MethodPost, path: "/api/reservations", token: token,
			body: marchallObj(t, booking.NewReservation{SlotID: slotID, StudentID: studentID}),
		})
		if rec.Code != http.StatusCreated {
			t.Logf("book: %d %s", rec.Code, rec.Body.String())
			return nil
		}
		var res booking.Reservation
		decode(t, rec, &res)
		return &res
	}
	balance := func() wallet.Wallet {
		w, err := a.ledger.Balance(context.Background(), student.ID)
		require.NoError(t, err)
		return w
	}

	// a parent books for their child
	res := book(a.token(t, parent), slot.ID, student.ID)
	require.NotNil(t, res)
	assert.Equal(t, booking.StatusConfirmed, res.Status)
	assert.Equal(t, parent.ID, res.BookedBy)
	assert.Equal(t, int64(2), balance().Available)
	assert.Equal(t, int64(3), balance().Reserved)

	t.Run("rejections", func(t *testing.T) {
		runHTTPTests(t, a, []httpTest{
			{
				name: "already booked", method: http.MethodPost, path: "/api/reservations", token: studentToken,
				body: marchallObj(t, booking.NewReservation{SlotID: slot.ID}), wantCode: http.StatusConflict,
			},
			{
				name: "insufficient tokens", method: http.MethodPost, path: "/api/reservations", token: studentToken,
				body:     marchallObj(t, booking.NewReservation{SlotID: testutil.CreateSlot(t, a.slotRepo, prof.ID, 120*time.Hour, time.Hour, 1, 3).ID}),
				wantCode: http.StatusConflict, wantData: marchallObj(t, httpErr{Error: wallet.ErrInsufficientTokens.Error()}),
			},
			{
				name: "not their child", method: http.MethodPost, path: "/api/reservations", token: a.token(t, parent),
				body: marchallObj(t, booking.NewReservation{SlotID: slot.ID, StudentID: other.ID}), wantCode: http.StatusForbidden,
			},
			{
				name: "invalid slot id", method: http.MethodPost, path: "/api/reservations", token: studentToken,
				body: []byte(`{"slot_id":"nope"}`), wantCode: http.StatusBadRequest,
			},
			{
				name: "unknown slot", method: http.MethodPost, path: "/api/reservations", token: studentToken,
				body: marchallObj(t, booking.NewReservation{SlotID: student.ID}), wantCode: http.StatusNotFound,
			},
		})
	})

	t.Run("visibility", func(t *testing.T) {
		runHTTPTests(t, a, []httpTest{
			{name: "student", path: "/api/reservations", token: studentToken, wantData: marchallList(t, res)},
			{name: "parent", path: "/api/reservations", token: a.token(t, parent), wantData: marchallList(t, res)},
			{name: "professor", path: "/api/reservations?slot_id=" + slot.ID, token: a.token(t, prof), wantData: marchallList(t, res)},
			{name: "slot reservations", path: "/api/slots/" + slot.ID + "/reservations", token: a.token(t, prof), wantData: marchallList(t, res)},
			{name: "other student", path: "/api/reservations", token: a.token(t, other), wantData: marchallList(t)},
			{name: "detail", path: "/api/reservations/" + res.ID, token: studentToken, wantData: marchallObj(t, res)},
			{name: "hidden detail", path: "/api/reservations/" + res.ID, token: a.token(t, other), wantCode: http.StatusNotFound},
		})
	})

	t.Run("rebook", func(t *testing.T) {
		rec := a.do(t, httpTest{
			method: http.MethodPost, path: "/api/reservations/" + res.ID + "/rebook", token: studentToken,
			body: marchallObj(t, booking.RebookReservation{SlotID: slot2.ID}),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var moved booking.Reservation
		decode(t, rec, &moved)
		assert.Equal(t, slot2.ID, moved.SlotID)
		assert.Equal(t, res.ID, moved.RebookedFrom)
		// 3 refunded, 2 reserved
		assert.Equal(t, int64(3), balance().Available)
		assert.Equal(t, int64(2), balance().Reserved)

		// refunded cancellation, before the window
		rec = a.do(t, httpTest{
			method: http.MethodPost, path: "/api/reservations/" + moved.ID + "/cancel", token: studentToken,
			body: []byte(`{"reason":"sick"}`),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var cancelled booking.Reservation
		decode(t, rec, &cancelled)
		assert.Equal(t, booking.StatusCancelled, cancelled.Status)
		assert.True(t, cancelled.Refunded)
		assert.Equal(t, "sick", cancelled.CancelReason)
		assert.Equal(t, int64(5), balance().Available)
		assert.Zero(t, balance().Reserved)

		rec = a.do(t, httpTest{method: http.MethodPost, path: "/api/reservations/" + moved.ID + "/cancel", token: studentToken})
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})

	t.Run("cancel slot refunds", func(t *testing.T) {
		again := book(studentToken, slot.ID, "")
		require.NotNil(t, again)
		assert.Equal(t, int64(2), balance().Available)

		rec := a.do(t, httpTest{
			method: http.MethodPost, path: "/api/slots/" + slot.ID + "/cancel", token: a.token(t, student),
			body: []byte(`{"reason":"sick"}`),
		})
		assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

		rec = a.do(t, httpTest{
			method: http.MethodPost, path: "/api/slots/" + slot.ID + "/cancel", token: a.token(t, admin),
			body: []byte(`{"reason":"professor sick"}`),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp echoapi.SettledSlotResponse
		decode(t, rec, &resp)
		assert.Equal(t, schedule.StatusCancelled, resp.Slot.Status)
		assert.Equal(t, 1, resp.Reservations)
		assert.Equal(t, int64(5), balance().Available)
	})

	t.Run("no-show too early", func(t *testing.T) {
		s := testutil.CreateSlot(t, a.slotRepo, prof.ID, 48*time.Hour, time.Hour, 1, 1)
		r := book(studentToken, s.ID, "")
		require.NotNil(t, r)
		rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/reservations/" + r.ID + "/no-show", token: a.token(t, prof)})
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})
}

func Test_walletApi(t *testing.T) {
	a := setup(t)
	admin := a.user(t, "admin", user.RoleAdmin)
	parent := a.user(t, "parent", user.RoleParent)
	student := a.user(t, "student", user.RoleStudent)
	other := a.user(t, "other", user.RoleStudent)
	prof := a.user(t, "prof", user.RoleProfessor)
	require.NoError(t, a.usrRepo.LinkChild(context.Background(), parent.ID, student.ID))
	adminToken := a.token(t, admin)

	path := "/api/wallets/" + student.ID
	credit := marchallObj(t, wallet.NewCredit{Amount: 10, Reference: "pay-1", Note: "pack of 10"})

	rec := a.do(t, httpTest{method: http.MethodPost, path: path + "/credits", token: adminToken, body: credit})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry wallet.Entry
	decode(t, rec, &entry)
	assert.Equal(t, wallet.KindCredit, entry.Kind)
	assert.Equal(t, admin.ID, entry.CreatedBy)

	// replays are idempotent
	rec = a.do(t, httpTest{method: http.MethodPost, path: path + "/credits", token: adminToken, body: credit})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replayed wallet.Entry
	decode(t, rec, &replayed)
	assert.Equal(t, entry.ID, replayed.ID)

	rec = a.do(t, httpTest{method: http.MethodPost, path: path + "/debits", token: adminToken, body: []byte(`{"amount":4,"note":"refund"}`)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	w, err := a.ledger.Balance(context.Background(), student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), w.Available)

	runHTTPTests(t, a, []httpTest{
		{name: "auth required", path: path, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "self", path: path, token: a.token(t, student)},
		{name: "parent", path: path, token: a.token(t, parent)},
		{name: "other student", path: path, token: a.token(t, other), wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)},
		{name: "professor", path: path, token: a.token(t, prof), wantCode: http.StatusNotFound},
		{name: "not a student", path: "/api/wallets/" + prof.ID, token: adminToken, wantCode: http.StatusNotFound},
		{name: "entries", path: path + "/entries?kind=credit", token: a.token(t, parent), wantData: marchallList(t, entry)},
		{
			name: "credit requires admin", method: http.MethodPost, path: path + "/credits", token: a.token(t, parent),
			body: marchallObj(t, wallet.NewCredit{Amount: 10, Reference: "pay-2"}), wantCode: http.StatusForbidden,
		},
		{
			name: "invalid credit", method: http.MethodPost, path: path + "/credits", token: adminToken,
			body: []byte(`{"amount":0}`), wantCode: http.StatusBadRequest,
		},
		{
			name: "overdraft", method: http.MethodPost, path: path + "/debits", token: adminToken,
			body: []byte(`{"amount":100,"note":"oops"}`), wantCode: http.StatusConflict,
		},
	})
}

func Test_statsApi(t *testing.T) {
	a := setup(t)
	admin := a.user(t, "admin", user.RoleAdmin)
	prof := a.user(t, "prof", user.RoleProfessor)
	student := a.user(t, "student", user.RoleStudent)
	testutil.CreateSlot(t, a.slotRepo, prof.ID, 72*time.Hour, time.Hour, 4, 1)

	from := analytics.MonthOf(core.Now()).Format("2006-01-02")
	to := analytics.MonthOf(core.Now()).AddDate(0, 2, 0).Format("2006-01-02")
	period := "?from=" + from + "&to=" + to

	runHTTPTests(t, a, []httpTest{
		{name: "own professor stats", path: "/api/stats/professors/" + prof.ID, token: a.token(t, prof)},
		{name: "other professor stats", path: "/api/stats/professors/" + prof.ID, token: a.token(t, student), wantCode: http.StatusForbidden},
		{name: "own student stats", path: "/api/stats/students/" + student.ID + period, token: a.token(t, student)},
		{name: "inverted period", path: "/api/stats/students/" + student.ID + "?from=" + to + "&to=" + from, token: a.token(t, student), wantCode: http.StatusBadRequest},
		{name: "overview requires admin", path: "/api/stats/overview", token: a.token(t, prof), wantCode: http.StatusForbidden},
		{name: "overview", path: "/api/stats/overview", token: a.token(t, admin)},
		{name: "monthly requires a range", path: "/api/stats/monthly", token: a.token(t, admin), wantCode: http.StatusBadRequest},
	})

	rec := a.do(t, httpTest{path: "/api/stats/professors/" + prof.ID, token: a.token(t, admin)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats analytics.ProfessorStats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Slots)
	assert.Equal(t, 4, stats.SeatsOffered)

	rec = a.do(t, httpTest{path: "/api/stats/monthly" + period, token: a.token(t, admin)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var months []analytics.Month
	decode(t, rec, &months)
	assert.Len(t, months, 2)
}
