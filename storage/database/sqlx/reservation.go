package sqlxrepos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/storage/database"
)

const (
	reservationTable = "reservation"

	constraintConfirmedUniq = "reservation_confirmed_uniq"
	constraintSlotFK        = "reservation_slot_id_fkey"
)

var (
	reservationColumns = []string{
		"id", "slot_id", "student_id", "booked_by", "status", "token_cost", "refunded", "cancel_reason",
		"cancelled_by", "cancelled_at", "rebooked_from", "reminded_at", "completed_at", "created_at", "updated_at",
	}
	reservationUpdateColumns = reservationColumns[1:]
	reservationSelect        = "SELECT " + prefixed("r", reservationColumns) + " FROM " + quote(reservationTable) + " r"
)

// prefixed qualifies cols with the table alias.
func prefixed(alias string, cols []string) string {
	list := make([]string, 0, len(cols))
	for _, c := range cols {
		list = append(list, alias+"."+quote(c))
	}
	return strings.Join(list, ", ")
}

type reservationRow struct {
	ID           string      `db:"id"`
	SlotID       string      `db:"slot_id"`
	StudentID    string      `db:"student_id"`
	BookedBy     string      `db:"booked_by"`
	Status       string      `db:"status"`
	TokenCost    int64       `db:"token_cost"`
	Refunded     bool        `db:"refunded"`
	CancelReason string      `db:"cancel_reason"`
	CancelledBy  null.String `db:"cancelled_by"`
	CancelledAt  null.Time   `db:"cancelled_at"`
	RebookedFrom null.String `db:"rebooked_from"`
	RemindedAt   null.Time   `db:"reminded_at"`
	CompletedAt  null.Time   `db:"completed_at"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

func (row reservationRow) values() []interface{} {
	return []interface{}{
		row.ID, row.SlotID, row.StudentID, row.BookedBy, row.Status, row.TokenCost, row.Refunded, row.CancelReason,
		row.CancelledBy, row.CancelledAt, row.RebookedFrom, row.RemindedAt, row.CompletedAt, row.CreatedAt, row.UpdatedAt,
	}
}

func boilReservation(r booking.Reservation) reservationRow {
	return reservationRow{
		ID:           r.ID,
		SlotID:       r.SlotID,
		StudentID:    r.StudentID,
		BookedBy:     r.BookedBy,
		Status:       r.Status,
		TokenCost:    r.TokenCost,
		Refunded:     r.Refunded,
		CancelReason: r.CancelReason,
		CancelledBy:  nullString(r.CancelledBy),
		CancelledAt:  nullTime(r.CancelledAt),
		RebookedFrom: nullString(r.RebookedFrom),
		RemindedAt:   nullTime(r.RemindedAt),
		CompletedAt:  nullTime(r.CompletedAt),
		CreatedAt:    utc(r.CreatedAt),
		UpdatedAt:    utc(r.UpdatedAt),
	}
}

func unboilReservation(row reservationRow) booking.Reservation {
	return booking.Reservation{
		ID:           row.ID,
		SlotID:       row.SlotID,
		StudentID:    row.StudentID,
		BookedBy:     row.BookedBy,
		Status:       row.Status,
		TokenCost:    row.TokenCost,
		Refunded:     row.Refunded,
		CancelReason: row.CancelReason,
		CancelledBy:  row.CancelledBy.String,
		CancelledAt:  unboilTime(row.CancelledAt),
		RebookedFrom: row.RebookedFrom.String,
		RemindedAt:   unboilTime(row.RemindedAt),
		CompletedAt:  unboilTime(row.CompletedAt),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
}

func unboilReservations(rows []reservationRow) []booking.Reservation {
	rs := make([]booking.Reservation, 0, len(rows))
	for _, row := range rows {
		rs = append(rs, unboilReservation(row))
	}
	return rs
}

type reservationRepository struct {
	repo
}

var _ booking.Repository = (*reservationRepository)(nil)

func NewReservationRepository(db *database.DB) booking.Repository {
	return &reservationRepository{repo{exec: db.DB}}
}

func trapReservationErr(err error, msg string) error {
	if c, ok := database.UniqueViolation(err); ok && c == constraintConfirmedUniq {
		return booking.ErrAlreadyBooked
	}
	if c, ok := database.ForeignKeyViolation(err); ok && c == constraintSlotFK {
		return schedule.ErrNotFound
	}
	return trapNoRowsErr(err, booking.ErrNotFound, msg)
}

func (r *reservationRepository) selectAll(ctx context.Context, exe sqlx.ExtContext, q string, args []interface{}, msg string) ([]booking.Reservation, error) {
	var rows []reservationRow
	if err := sqlx.SelectContext(ctx, exe, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, msg)
	}
	return unboilReservations(rows), nil
}

func (r *reservationRepository) CreateReservation(ctx context.Context, res booking.Reservation, exec ...core.DBExecutor) (booking.Reservation, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return booking.Reservation{}, err
	}
	res.ID = uuid.NewString()
	row := boilReservation(res)
	if _, err = exe.ExecContext(ctx, insertQuery(reservationTable, reservationColumns), row.values()...); err != nil {
		return booking.Reservation{}, trapReservationErr(err, "inserting reservation")
	}
	return unboilReservation(row), nil
}

func (r *reservationRepository) GetReservation(ctx context.Context, id string, forUpdate bool, exec ...core.DBExecutor) (booking.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return booking.Reservation{}, booking.ErrNotFound
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return booking.Reservation{}, err
	}
	var row reservationRow
	q := reservationSelect + " WHERE r.id = $1" + forUpdateClause(forUpdate)
	if err = sqlx.GetContext(ctx, exe, &row, q, id); err != nil {
		return booking.Reservation{}, trapNoRowsErr(err, booking.ErrNotFound, "getting reservation")
	}
	return unboilReservation(row), nil
}

func (r *reservationRepository) UpdateReservation(ctx context.Context, res booking.Reservation, exec ...core.DBExecutor) (booking.Reservation, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return booking.Reservation{}, err
	}
	row := boilReservation(res)
	args := append(row.values()[1:], row.ID)
	result, err := exe.ExecContext(ctx, updateQuery(reservationTable, reservationUpdateColumns, "id"), args...)
	if err != nil {
		return booking.Reservation{}, trapReservationErr(err, "updating reservation")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return booking.Reservation{}, booking.ErrNotFound
	}
	return unboilReservation(row), nil
}

func (r *reservationRepository) QueryReservations(ctx context.Context, filter *booking.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}

	q := reservationSelect
	var w where
	var limit int
	if filter != nil {
		if len(filter.StudentIDs) > 0 {
			w.add("r.student_id = ANY(?::uuid[])", pq.StringArray(validUUIDs(filter.StudentIDs)))
		}
		if filter.SlotID != "" {
			if _, err = uuid.Parse(filter.SlotID); err != nil {
				return []booking.Reservation{}, nil
			}
			w.add("r.slot_id = ?", filter.SlotID)
		}
		if len(filter.Statuses) > 0 {
			w.add("r.status = ANY(?)", pq.StringArray(filter.Statuses))
		}
		if filter.ProfessorID != "" || !filter.From.IsZero() || !filter.To.IsZero() {
			q += " JOIN " + quote(slotTable) + " s ON s.id = r.slot_id"
			if filter.ProfessorID != "" {
				if _, err = uuid.Parse(filter.ProfessorID); err != nil {
					return []booking.Reservation{}, nil
				}
				w.add("s.professor_id = ?", filter.ProfessorID)
			}
			if !filter.From.IsZero() {
				w.add("s.starts_at >= ?", filter.From.UTC())
			}
			if !filter.To.IsZero() {
				w.add("s.starts_at < ?", filter.To.UTC())
			}
		}
		limit = filter.Limit
	}

	qualified := make([]core.DBOrdering, 0, len(ordering))
	for _, ord := range ordering {
		qualified = append(qualified, core.DBOrdering{Field: "r." + ord.Field, Ascending: ord.Ascending})
	}
	q += w.String() + orderBy(qualified, core.DBOrdering{Field: "r.created_at", Ascending: false}, "r.id")
	q += w.limit(limit)
	return r.selectAll(ctx, exe, q, w.args, "querying reservations")
}

func (r *reservationRepository) HasConfirmed(ctx context.Context, slotID, studentID string, exec ...core.DBExecutor) (bool, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return false, err
	}
	var found bool
	q := "SELECT EXISTS (SELECT 1 FROM " + quote(reservationTable) + " WHERE slot_id = $1 AND student_id = $2 AND status = $3)"
	if err = sqlx.GetContext(ctx, exe, &found, q, slotID, studentID, booking.StatusConfirmed); err != nil {
		return false, errors.Wrap(err, "checking confirmed reservation")
	}
	return found, nil
}

func (r *reservationRepository) HasConflict(ctx context.Context, studentID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return false, err
	}
	var w where
	w.add("r.student_id = ?", studentID)
	w.add("r.status = ?", booking.StatusConfirmed)
	w.add("s.status <> ?", schedule.StatusCancelled)
	w.add("s.starts_at < ? AND ? < s.ends_at", end.UTC(), start.UTC())
	if excludeID != "" {
		w.add("r.id <> ?", excludeID)
	}

	var conflict bool
	q := "SELECT EXISTS (SELECT 1 FROM " + quote(reservationTable) + " r JOIN " + quote(slotTable) + " s ON s.id = r.slot_id" + w.String() + ")"
	if err = sqlx.GetContext(ctx, exe, &conflict, q, w.args...); err != nil {
		return false, errors.Wrap(err, "checking schedule conflict")
	}
	return conflict, nil
}

func (r *reservationRepository) QueryConfirmedBySlot(ctx context.Context, slotID string, forUpdate bool, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}
	q := reservationSelect + " WHERE r.slot_id = $1 AND r.status = $2 ORDER BY r.student_id ASC" + forUpdateClause(forUpdate)
	return r.selectAll(ctx, exe, q, []interface{}{slotID, booking.StatusConfirmed}, "querying slot reservations")
}

func (r *reservationRepository) QueryDueReminders(ctx context.Context, from, to time.Time, limit int, exec ...core.DBExecutor) ([]booking.Reservation, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}
	var w where
	w.add("r.status = ?", booking.StatusConfirmed)
	w.add("r.reminded_at IS NULL")
	w.add("s.status = ?", schedule.StatusOpen)
	w.add("s.starts_at >= ? AND s.starts_at < ?", from.UTC(), to.UTC())
	q := reservationSelect + " JOIN " + quote(slotTable) + " s ON s.id = r.slot_id" + w.String() +
		" ORDER BY r.created_at ASC, r.id ASC" + w.limit(limit)
	return r.selectAll(ctx, exe, q, w.args, "querying due reminders")
}
