package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/wallet"
	"github.com/trezcool/tutora/storage/database"
)

const (
	walletTable = "wallet"
	entryTable  = "wallet_entry"
	holdTable   = "token_hold"

	constraintReferenceUniq = "wallet_entry_reference_uniq"
	constraintHoldPKey      = "token_hold_pkey"
	constraintWalletUserFK  = "wallet_student_id_fkey"
)

var (
	entryColumns = []string{"id", "student_id", "kind", "amount", "reservation_id", "reference", "note", "created_by", "created_at"}
	entrySelect  = "SELECT " + columns(entryColumns) + " FROM " + quote(entryTable)
	holdColumns  = []string{"reservation_id", "student_id", "amount", "status", "created_at", "settled_at"}
	holdSelect   = "SELECT " + columns(holdColumns) + " FROM " + quote(holdTable)
)

type walletRow struct {
	StudentID string    `db:"student_id"`
	Available int64     `db:"available"`
	Reserved  int64     `db:"reserved"`
	UpdatedAt time.Time `db:"updated_at"`
}

type entryRow struct {
	ID            string      `db:"id"`
	StudentID     string      `db:"student_id"`
	Kind          string      `db:"kind"`
	Amount        int64       `db:"amount"`
	ReservationID null.String `db:"reservation_id"`
	Reference     null.String `db:"reference"`
	Note          string      `db:"note"`
	CreatedBy     null.String `db:"created_by"`
	CreatedAt     time.Time   `db:"created_at"`
}

type holdRow struct {
	ReservationID string    `db:"reservation_id"`
	StudentID     string    `db:"student_id"`
	Amount        int64     `db:"amount"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	SettledAt     null.Time `db:"settled_at"`
}

func unboilWallet(row walletRow) wallet.Wallet {
	return wallet.Wallet{
		StudentID: row.StudentID,
		Available: row.Available,
		Reserved:  row.Reserved,
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

func boilEntry(e wallet.Entry) entryRow {
	return entryRow{
		ID:            e.ID,
		StudentID:     e.StudentID,
		Kind:          e.Kind,
		Amount:        e.Amount,
		ReservationID: nullString(e.ReservationID),
		Reference:     nullString(e.Reference),
		Note:          e.Note,
		CreatedBy:     nullString(e.CreatedBy),
		CreatedAt:     utc(e.CreatedAt),
	}
}

func unboilEntry(row entryRow) wallet.Entry {
	return wallet.Entry{
		ID:            row.ID,
		StudentID:     row.StudentID,
		Kind:          row.Kind,
		Amount:        row.Amount,
		ReservationID: row.ReservationID.String,
		Reference:     row.Reference.String,
		Note:          row.Note,
		CreatedBy:     row.CreatedBy.String,
		CreatedAt:     row.CreatedAt.UTC(),
	}
}

func unboilHold(row holdRow) wallet.Hold {
	return wallet.Hold{
		ReservationID: row.ReservationID,
		StudentID:     row.StudentID,
		Amount:        row.Amount,
		Status:        row.Status,
		CreatedAt:     row.CreatedAt.UTC(),
		SettledAt:     unboilTime(row.SettledAt),
	}
}

type walletRepository struct {
	repo
}

var _ wallet.Repository = (*walletRepository)(nil)

func NewWalletRepository(db *database.DB) wallet.Repository {
	return &walletRepository{repo{exec: db.DB}}
}

// GetWallet reads an empty balance for students without a wallet row.
// forUpdate inserts the empty wallet first, so that there is always a row to lock.
func (r *walletRepository) GetWallet(ctx context.Context, studentID string, forUpdate bool, exec ...core.DBExecutor) (wallet.Wallet, error) {
	if _, err := uuid.Parse(studentID); err != nil {
		return wallet.Wallet{}, wallet.ErrStudentNotFound
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return wallet.Wallet{}, err
	}

	var row walletRow
	if !forUpdate {
		q := "SELECT u.id AS student_id, COALESCE(w.available, 0) AS available, COALESCE(w.reserved, 0) AS reserved," +
			" COALESCE(w.updated_at, u.created_at) AS updated_at FROM \"user\" u" +
			" LEFT JOIN " + quote(walletTable) + " w ON w.student_id = u.id WHERE u.id = $1"
		if err = sqlx.GetContext(ctx, exe, &row, q, studentID); err != nil {
			return wallet.Wallet{}, trapNoRowsErr(err, wallet.ErrStudentNotFound, "getting wallet")
		}
		return unboilWallet(row), nil
	}

	q := "INSERT INTO " + quote(walletTable) + " (student_id, available, reserved, updated_at) VALUES ($1, 0, 0, $2) ON CONFLICT (student_id) DO NOTHING"
	if _, err = exe.ExecContext(ctx, q, studentID, core.Now()); err != nil {
		if c, ok := database.ForeignKeyViolation(err); ok && c == constraintWalletUserFK {
			return wallet.Wallet{}, wallet.ErrStudentNotFound
		}
		return wallet.Wallet{}, errors.Wrap(err, "creating wallet")
	}

	q = "SELECT student_id, available, reserved, updated_at FROM " + quote(walletTable) + " WHERE student_id = $1" + forUpdateClause(true)
	if err = sqlx.GetContext(ctx, exe, &row, q, studentID); err != nil {
		return wallet.Wallet{}, trapNoRowsErr(err, wallet.ErrStudentNotFound, "locking wallet")
	}
	return unboilWallet(row), nil
}

func (r *walletRepository) UpdateWallet(ctx context.Context, w wallet.Wallet, exec ...core.DBExecutor) error {
	exe, err := r.getExec(exec)
	if err != nil {
		return err
	}
	q := updateQuery(walletTable, []string{"available", "reserved", "updated_at"}, "student_id")
	res, err := exe.ExecContext(ctx, q, w.Available, w.Reserved, utc(w.UpdatedAt), w.StudentID)
	if err != nil {
		return errors.Wrap(err, "updating wallet")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wallet.ErrStudentNotFound
	}
	return nil
}

func (r *walletRepository) InsertEntry(ctx context.Context, e wallet.Entry, exec ...core.DBExecutor) (wallet.Entry, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return wallet.Entry{}, err
	}
	e.ID = uuid.NewString()
	row := boilEntry(e)
	_, err = exe.ExecContext(ctx, insertQuery(entryTable, entryColumns),
		row.ID, row.StudentID, row.Kind, row.Amount, row.ReservationID, row.Reference, row.Note, row.CreatedBy, row.CreatedAt)
	if err != nil {
		if c, ok := database.UniqueViolation(err); ok && c == constraintReferenceUniq {
			return wallet.Entry{}, wallet.ErrDuplicateReference
		}
		return wallet.Entry{}, errors.Wrap(err, "inserting wallet entry")
	}
	return unboilEntry(row), nil
}

func (r *walletRepository) GetEntryByReference(ctx context.Context, studentID, reference string, exec ...core.DBExecutor) (wallet.Entry, error) {
	if _, err := uuid.Parse(studentID); err != nil {
		return wallet.Entry{}, wallet.ErrEntryNotFound
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return wallet.Entry{}, err
	}
	var row entryRow
	if err = sqlx.GetContext(ctx, exe, &row, entrySelect+" WHERE student_id = $1 AND reference = $2", studentID, reference); err != nil {
		return wallet.Entry{}, trapNoRowsErr(err, wallet.ErrEntryNotFound, "getting wallet entry")
	}
	return unboilEntry(row), nil
}

func (r *walletRepository) QueryEntries(ctx context.Context, filter wallet.EntryFilter, exec ...core.DBExecutor) ([]wallet.Entry, error) {
	for _, id := range []string{filter.StudentID, filter.ReservationID} {
		if _, err := uuid.Parse(id); id != "" && err != nil {
			return []wallet.Entry{}, nil
		}
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}

	var w where
	if filter.StudentID != "" {
		w.add("student_id = ?", filter.StudentID)
	}
	if len(filter.Kinds) > 0 {
		w.add("kind = ANY(?)", pq.StringArray(filter.Kinds))
	}
	if filter.ReservationID != "" {
		w.add("reservation_id = ?", filter.ReservationID)
	}
	if !filter.From.IsZero() {
		w.add("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		w.add("created_at < ?", filter.To.UTC())
	}
	q := entrySelect + w.String() + " ORDER BY created_at DESC, id DESC" + w.limit(filter.Limit)

	var rows []entryRow
	if err = sqlx.SelectContext(ctx, exe, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "querying wallet entries")
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, unboilEntry(row))
	}
	return entries, nil
}

func (r *walletRepository) CreateHold(ctx context.Context, h wallet.Hold, exec ...core.DBExecutor) error {
	exe, err := r.getExec(exec)
	if err != nil {
		return err
	}
	_, err = exe.ExecContext(ctx, insertQuery(holdTable, holdColumns),
		h.ReservationID, h.StudentID, h.Amount, h.Status, utc(h.CreatedAt), nullTime(h.SettledAt))
	if err != nil {
		if c, ok := database.UniqueViolation(err); ok && c == constraintHoldPKey {
			return wallet.ErrHoldExists
		}
		return errors.Wrap(err, "inserting token hold")
	}
	return nil
}

func (r *walletRepository) GetHold(ctx context.Context, reservationID string, forUpdate bool, exec ...core.DBExecutor) (wallet.Hold, error) {
	if _, err := uuid.Parse(reservationID); err != nil {
		return wallet.Hold{}, wallet.ErrHoldNotFound
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return wallet.Hold{}, err
	}
	var row holdRow
	q := holdSelect + " WHERE reservation_id = $1" + forUpdateClause(forUpdate)
	if err = sqlx.GetContext(ctx, exe, &row, q, reservationID); err != nil {
		return wallet.Hold{}, trapNoRowsErr(err, wallet.ErrHoldNotFound, "getting token hold")
	}
	return unboilHold(row), nil
}

func (r *walletRepository) UpdateHold(ctx context.Context, h wallet.Hold, exec ...core.DBExecutor) error {
	exe, err := r.getExec(exec)
	if err != nil {
		return err
	}
	q := updateQuery(holdTable, []string{"status", "settled_at"}, "reservation_id")
	res, err := exe.ExecContext(ctx, q, h.Status, nullTime(h.SettledAt), h.ReservationID)
	if err != nil {
		return errors.Wrap(err, "updating token hold")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wallet.ErrHoldNotFound
	}
	return nil
}
