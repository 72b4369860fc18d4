package wallet

import (
	"context"
	"fmt"
	"math"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
)

var (
	// errors
	ErrInsufficientTokens = core.NewRuleError("not enough tokens in the wallet")
	ErrHoldNotFound       = core.NewRuleError("no open token hold for this reservation")
	ErrBalanceOverflow    = core.NewRuleError("the credit exceeds the maximum wallet balance")
	ErrHoldExists         = core.NewRuleError("tokens are already held for this reservation")
	ErrStudentNotFound    = core.NewNotFoundError("student not found")
	ErrEntryNotFound      = core.NewNotFoundError("wallet entry not found")
	ErrDuplicateReference = errors.New("a credit with this reference already exists")
)

type Repository interface {
	// GetWallet returns the wallet of studentID, empty when the student has none yet.
	// forUpdate creates the missing wallet and locks it until the end of the transaction.
	GetWallet(ctx context.Context, studentID string, forUpdate bool, exec ...core.DBExecutor) (Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet, exec ...core.DBExecutor) error
	InsertEntry(ctx context.Context, e Entry, exec ...core.DBExecutor) (Entry, error)
	GetEntryByReference(ctx context.Context, studentID, reference string, exec ...core.DBExecutor) (Entry, error)
	// QueryEntries returns the entries matching filter, most recent first.
	QueryEntries(ctx context.Context, filter EntryFilter, exec ...core.DBExecutor) ([]Entry, error)
	CreateHold(ctx context.Context, h Hold, exec ...core.DBExecutor) error
	GetHold(ctx context.Context, reservationID string, forUpdate bool, exec ...core.DBExecutor) (Hold, error)
	UpdateHold(ctx context.Context, h Hold, exec ...core.DBExecutor) error
}

// Ledger moves tokens between the available and reserved balances of student wallets.
// Every movement locks the wallet row and writes exactly one Entry.
type Ledger struct {
	db      core.Transactor
	repo    Repository
	metrics core.Metrics
}

func NewLedger(db core.Transactor, repo Repository, metrics core.Metrics) *Ledger {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	return &Ledger{db: db, repo: repo, metrics: metrics}
}

func positive(amount int64, paramName string) vala.Checker {
	return func() (bool, string) {
		return amount > 0, fmt.Sprintf("Parameter must be positive: %s", paramName)
	}
}

func checkArgs(checkers ...vala.Checker) error {
	if err := vala.BeginValidation().Validate(checkers...).Check(); err != nil {
		return core.NewValidationError(err)
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, studentID string) (Wallet, error) {
	return l.repo.GetWallet(ctx, studentID, false)
}

func (l *Ledger) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return l.repo.QueryEntries(ctx, filter)
}

// Hold returns the hold (open or settled) of a reservation.
func (l *Ledger) Hold(ctx context.Context, reservationID string) (Hold, error) {
	return l.repo.GetHold(ctx, reservationID, false)
}

// Lock locks the wallet of a student until the end of tx, serializing every booking of that student.
func (l *Ledger) Lock(ctx context.Context, tx core.DBExecutor, studentID string) (Wallet, error) {
	w, err := l.repo.GetWallet(ctx, studentID, true, tx)
	return w, errors.Wrap(err, "locking wallet")
}

// Credit adds tokens to the available balance.
// A credit with an already used reference returns the original entry and created=false.
func (l *Ledger) Credit(ctx context.Context, nc NewCredit) (entry Entry, created bool, err error) {
	nc.Clean()
	if err = checkArgs(
		vala.StringNotEmpty(nc.StudentID, "studentID"),
		vala.StringNotEmpty(nc.Reference, "reference"),
		positive(nc.Amount, "amount"),
	); err != nil {
		return Entry{}, false, err
	}

	err = l.db.Transact(ctx, func(tx core.DBExecutor) error {
		w, err := l.repo.GetWallet(ctx, nc.StudentID, true, tx)
		if err != nil {
			return errors.Wrap(err, "locking wallet")
		}

		// the wallet lock serializes credits of the same student
		if entry, err = l.repo.GetEntryByReference(ctx, nc.StudentID, nc.Reference, tx); err == nil {
			return nil
		} else if !core.IsNotFound(err) {
			return errors.Wrap(err, "finding entry by reference")
		}

		if w.Available > math.MaxInt64-w.Reserved-nc.Amount {
			return ErrBalanceOverflow
		}
		w.Available += nc.Amount
		if entry, err = l.move(ctx, tx, w, Entry{
			StudentID: nc.StudentID,
			Kind:      KindCredit,
			Amount:    nc.Amount,
			Reference: nc.Reference,
			Note:      nc.Note,
			CreatedBy: nc.CreatedBy,
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if created {
		l.metrics.TokensMoved(KindCredit, nc.Amount)
	}
	return entry, created, nil
}

// Debit removes tokens from the available balance.
func (l *Ledger) Debit(ctx context.Context, nd NewDebit) (Entry, error) {
	nd.Clean()
	if err := checkArgs(
		vala.StringNotEmpty(nd.StudentID, "studentID"),
		positive(nd.Amount, "amount"),
	); err != nil {
		return Entry{}, err
	}

	var entry Entry
	err := l.db.Transact(ctx, func(tx core.DBExecutor) error {
		w, err := l.repo.GetWallet(ctx, nd.StudentID, true, tx)
		if err != nil {
			return errors.Wrap(err, "locking wallet")
		}
		if w.Available < nd.Amount {
			return ErrInsufficientTokens
		}
		w.Available -= nd.Amount
		entry, err = l.move(ctx, tx, w, Entry{
			StudentID: nd.StudentID,
			Kind:      KindDebit,
			Amount:    nd.Amount,
			Note:      nd.Note,
			CreatedBy: nd.CreatedBy,
		})
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	l.metrics.TokensMoved(KindDebit, nd.Amount)
	return entry, nil
}

// Reserve puts amount tokens of the student on hold for a reservation. It must run inside tx.
func (l *Ledger) Reserve(ctx context.Context, tx core.DBExecutor, studentID, reservationID string, amount int64) error {
	if err := checkArgs(
		vala.IsNotNil(tx, "tx"),
		vala.StringNotEmpty(studentID, "studentID"),
		vala.StringNotEmpty(reservationID, "reservationID"),
		positive(amount, "amount"),
	); err != nil {
		return err
	}

	w, err := l.repo.GetWallet(ctx, studentID, true, tx)
	if err != nil {
		return errors.Wrap(err, "locking wallet")
	}
	if _, err = l.repo.GetHold(ctx, reservationID, false, tx); err == nil {
		return ErrHoldExists
	} else if errors.Cause(err) != ErrHoldNotFound {
		return errors.Wrap(err, "finding hold")
	}
	if w.Available < amount {
		return ErrInsufficientTokens
	}

	now := core.Now()
	if err = l.repo.CreateHold(ctx, Hold{
		ReservationID: reservationID,
		StudentID:     studentID,
		Amount:        amount,
		Status:        HoldOpen,
		CreatedAt:     now,
	}, tx); err != nil {
		return errors.Wrap(err, "creating hold")
	}

	w.Available -= amount
	w.Reserved += amount
	_, err = l.move(ctx, tx, w, Entry{
		StudentID:     studentID,
		Kind:          KindReserve,
		Amount:        amount,
		ReservationID: reservationID,
	})
	return err
}

// Consume spends the tokens held for a reservation. It must run inside tx.
func (l *Ledger) Consume(ctx context.Context, tx core.DBExecutor, reservationID string) (Hold, error) {
	return l.settle(ctx, tx, reservationID, HoldConsumed)
}

// Release gives the tokens held for a reservation back to the available balance. It must run inside tx.
func (l *Ledger) Release(ctx context.Context, tx core.DBExecutor, reservationID string) (Hold, error) {
	return l.settle(ctx, tx, reservationID, HoldReleased)
}

func (l *Ledger) settle(ctx context.Context, tx core.DBExecutor, reservationID, status string) (Hold, error) {
	if err := checkArgs(
		vala.IsNotNil(tx, "tx"),
		vala.StringNotEmpty(reservationID, "reservationID"),
	); err != nil {
		return Hold{}, err
	}

	// peek at the hold for its student, lock the wallet, then lock and re-check the hold
	hold, err := l.repo.GetHold(ctx, reservationID, false, tx)
	if err != nil {
		return Hold{}, errors.Wrap(err, "finding hold")
	}
	w, err := l.repo.GetWallet(ctx, hold.StudentID, true, tx)
	if err != nil {
		return Hold{}, errors.Wrap(err, "locking wallet")
	}
	if hold, err = l.repo.GetHold(ctx, reservationID, true, tx); err != nil {
		return Hold{}, errors.Wrap(err, "locking hold")
	}
	if hold.Status != HoldOpen {
		return Hold{}, ErrHoldNotFound
	}
	if w.Reserved < hold.Amount {
		return Hold{}, errors.Errorf("wallet %s: reserved balance %d lower than hold %d", w.StudentID, w.Reserved, hold.Amount)
	}

	kind := KindConsume
	w.Reserved -= hold.Amount
	if status == HoldReleased {
		kind = KindRelease
		w.Available += hold.Amount
	}

	hold.Status = status
	hold.SettledAt = core.Now()
	if err = l.repo.UpdateHold(ctx, hold, tx); err != nil {
		return Hold{}, errors.Wrap(err, "updating hold")
	}
	if _, err = l.move(ctx, tx, w, Entry{
		StudentID:     hold.StudentID,
		Kind:          kind,
		Amount:        hold.Amount,
		ReservationID: reservationID,
	}); err != nil {
		return Hold{}, err
	}
	return hold, nil
}

// move saves the new balance of w together with the entry explaining it.
func (l *Ledger) move(ctx context.Context, tx core.DBExecutor, w Wallet, e Entry) (Entry, error) {
	if w.Available < 0 || w.Reserved < 0 {
		return Entry{}, errors.Errorf("wallet %s: negative balance (available %d, reserved %d)", w.StudentID, w.Available, w.Reserved)
	}
	now := core.Now()
	w.UpdatedAt = now
	if err := l.repo.UpdateWallet(ctx, w, tx); err != nil {
		return Entry{}, errors.Wrap(err, "updating wallet")
	}
	e.CreatedAt = now
	entry, err := l.repo.InsertEntry(ctx, e, tx)
	if err != nil {
		return Entry{}, errors.Wrap(err, "inserting "+e.Kind+" entry")
	}
	return entry, nil
}
