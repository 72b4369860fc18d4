package inmemdb

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

var errNoSQL = errors.New("inmemdb: SQL is not supported")

type (
	// DB is a process-local store. One lock guards every table: a transaction holds it
	// from begin to end, which makes transactions serializable.
	DB struct {
		mu sync.Mutex
		tables
	}

	tables struct {
		users        map[string]user.User
		children     map[string]map[string]struct{} // {parentID: {studentID}}
		slots        map[string]schedule.Slot
		reservations map[string]booking.Reservation
		wallets      map[string]wallet.Wallet
		entries      []wallet.Entry
		holds        map[string]wallet.Hold
	}

	// Tx is the executor handed to Transact callbacks.
	Tx struct {
		db *DB
	}
)

var (
	_ core.Transactor = (*DB)(nil)
	_ core.DBExecutor = (*Tx)(nil)
)

func Open() *DB {
	return &DB{tables: newTables()}
}

func newTables() tables {
	return tables{
		users:        make(map[string]user.User),
		children:     make(map[string]map[string]struct{}),
		slots:        make(map[string]schedule.Slot),
		reservations: make(map[string]booking.Reservation),
		wallets:      make(map[string]wallet.Wallet),
		holds:        make(map[string]wallet.Hold),
	}
}

// Reset empties every table.
func (db *DB) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = newTables()
}

// snapshot copies the tables. Rows are values and are never mutated in place.
func (t tables) snapshot() tables {
	cp := tables{
		users:        make(map[string]user.User, len(t.users)),
		children:     make(map[string]map[string]struct{}, len(t.children)),
		slots:        make(map[string]schedule.Slot, len(t.slots)),
		reservations: make(map[string]booking.Reservation, len(t.reservations)),
		wallets:      make(map[string]wallet.Wallet, len(t.wallets)),
		entries:      append([]wallet.Entry(nil), t.entries...),
		holds:        make(map[string]wallet.Hold, len(t.holds)),
	}
	for k, v := range t.users {
		cp.users[k] = v
	}
	for k, v := range t.children {
		kids := make(map[string]struct{}, len(v))
		for id := range v {
			kids[id] = struct{}{}
		}
		cp.children[k] = kids
	}
	for k, v := range t.slots {
		cp.slots[k] = v
	}
	for k, v := range t.reservations {
		cp.reservations[k] = v
	}
	for k, v := range t.wallets {
		cp.wallets[k] = v
	}
	for k, v := range t.holds {
		cp.holds[k] = v
	}
	return cp
}

func (db *DB) Transact(ctx context.Context, fn func(tx core.DBExecutor) error) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	saved := db.tables.snapshot()
	defer func() {
		if p := recover(); p != nil {
			db.tables = saved
			panic(p)
		}
		if err != nil {
			db.tables = saved
		}
	}()
	return fn(&Tx{db: db})
}

// do runs fn under the store lock, unless exec is a transaction of db that already holds it.
func (db *DB) do(exec []core.DBExecutor, fn func() error) error {
	if len(exec) > 0 {
		if tx, ok := exec[0].(*Tx); ok && tx.db == db {
			return fn()
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn()
}

func (*Tx) Exec(string, ...interface{}) (sql.Result, error) { return nil, errNoSQL }
func (*Tx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errNoSQL
}
func (*Tx) Query(string, ...interface{}) (*sql.Rows, error) { return nil, errNoSQL }
func (*Tx) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errNoSQL
}
func (*Tx) QueryRow(string, ...interface{}) *sql.Row                          { return nil }
func (*Tx) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func inPeriod(t, from, to time.Time) bool {
	return (from.IsZero() || !t.Before(from)) && (to.IsZero() || t.Before(to))
}

// sortRows sorts rows on ordering, field returning the value of a named column.
func sortRows[T any](rows []T, ordering []core.DBOrdering, field func(row T, name string) interface{}) {
	if len(ordering) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ord := range ordering {
			c := compare(field(rows[i], ord.Field), field(rows[j], ord.Field))
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

func compare(a, b interface{}) int {
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case int:
		return compareInt(int64(x), int64(b.(int)))
	case int64:
		return compareInt(x, b.(int64))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
