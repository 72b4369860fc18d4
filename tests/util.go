package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
)

// NewConfig returns the default configuration in test mode.
func NewConfig() *core.Config {
	conf := core.NewConfig()
	conf.TestMode = true
	return conf
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := core.Now()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// CreateSlot saves an open slot of professorID starting startsIn from now.
func CreateSlot(
	t *testing.T,
	repo schedule.Repository,
	professorID string,
	startsIn, duration time.Duration,
	capacity int,
	tokenCost int64,
) schedule.Slot {
	t.Helper()
	now := core.Now()
	slot, err := repo.CreateSlot(context.Background(), schedule.Slot{
		ProfessorID: professorID,
		Subject:     "Maths",
		StartsAt:    now.Add(startsIn),
		EndsAt:      now.Add(startsIn + duration),
		Capacity:    capacity,
		TokenCost:   tokenCost,
		Status:      schedule.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("createSlot() failed: %v", err)
	}
	return slot
}

// FreezeTime makes core.Now return now until the test ends.
func FreezeTime(t *testing.T, now time.Time) {
	t.Helper()
	orig := core.NowFunc
	core.NowFunc = func() time.Time { return now }
	t.Cleanup(func() { core.NowFunc = orig })
}

// Travel moves core.Now by d until the test ends.
func Travel(t *testing.T, d time.Duration) {
	t.Helper()
	orig := core.NowFunc
	core.NowFunc = func() time.Time { return orig().Add(d) }
	t.Cleanup(func() { core.NowFunc = orig })
}
