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
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/storage/database"
)

const slotTable = "slot"

var (
	slotColumns       = []string{"id", "professor_id", "subject", "description", "starts_at", "ends_at", "capacity", "booked", "token_cost", "status", "created_at", "updated_at", "cancelled_at"}
	slotUpdateColumns = slotColumns[1:]
	slotSelect        = "SELECT " + columns(slotColumns) + " FROM " + quote(slotTable)
)

type slotRow struct {
	ID          string    `db:"id"`
	ProfessorID string    `db:"professor_id"`
	Subject     string    `db:"subject"`
	Description string    `db:"description"`
	StartsAt    time.Time `db:"starts_at"`
	EndsAt      time.Time `db:"ends_at"`
	Capacity    int       `db:"capacity"`
	Booked      int       `db:"booked"`
	TokenCost   int64     `db:"token_cost"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	CancelledAt null.Time `db:"cancelled_at"`
}

func (row slotRow) values() []interface{} {
	return []interface{}{
		row.ID, row.ProfessorID, row.Subject, row.Description, row.StartsAt, row.EndsAt,
		row.Capacity, row.Booked, row.TokenCost, row.Status, row.CreatedAt, row.UpdatedAt, row.CancelledAt,
	}
}

func boilSlot(s schedule.Slot) slotRow {
	return slotRow{
		ID:          s.ID,
		ProfessorID: s.ProfessorID,
		Subject:     s.Subject,
		Description: s.Description,
		StartsAt:    s.StartsAt.UTC(),
		EndsAt:      s.EndsAt.UTC(),
		Capacity:    s.Capacity,
		Booked:      s.Booked,
		TokenCost:   s.TokenCost,
		Status:      s.Status,
		CreatedAt:   utc(s.CreatedAt),
		UpdatedAt:   utc(s.UpdatedAt),
		CancelledAt: nullTime(s.CancelledAt),
	}
}

func unboilSlot(row slotRow) schedule.Slot {
	return schedule.Slot{
		ID:          row.ID,
		ProfessorID: row.ProfessorID,
		Subject:     row.Subject,
		Description: row.Description,
		StartsAt:    row.StartsAt.UTC(),
		EndsAt:      row.EndsAt.UTC(),
		Capacity:    row.Capacity,
		Booked:      row.Booked,
		TokenCost:   row.TokenCost,
		Status:      row.Status,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
		CancelledAt: unboilTime(row.CancelledAt),
	}
}

func unboilSlots(rows []slotRow) []schedule.Slot {
	slots := make([]schedule.Slot, 0, len(rows))
	for _, row := range rows {
		slots = append(slots, unboilSlot(row))
	}
	return slots
}

type slotRepository struct {
	repo
}

var _ schedule.Repository = (*slotRepository)(nil)

func NewSlotRepository(db *database.DB) schedule.Repository {
	return &slotRepository{repo{exec: db.DB}}
}

// trapSlotErr maps constraint violations to domain errors.
func trapSlotErr(err error, msg string) error {
	if _, ok := database.ForeignKeyViolation(err); ok {
		return core.NewValidationError(nil, core.FieldError{Field: "professor_id", Error: "unknown professor"})
	}
	return trapNoRowsErr(err, schedule.ErrNotFound, msg)
}

func (r *slotRepository) CreateSlot(ctx context.Context, s schedule.Slot, exec ...core.DBExecutor) (schedule.Slot, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return schedule.Slot{}, err
	}
	s.ID = uuid.NewString()
	row := boilSlot(s)
	if _, err = exe.ExecContext(ctx, insertQuery(slotTable, slotColumns), row.values()...); err != nil {
		return schedule.Slot{}, trapSlotErr(err, "inserting slot")
	}
	return unboilSlot(row), nil
}

func (r *slotRepository) GetSlot(ctx context.Context, id string, forUpdate bool, exec ...core.DBExecutor) (schedule.Slot, error) {
	if _, err := uuid.Parse(id); err != nil {
		return schedule.Slot{}, schedule.ErrNotFound
	}
	exe, err := r.getExec(exec)
	if err != nil {
		return schedule.Slot{}, err
	}
	var row slotRow
	q := slotSelect + " WHERE id = $1" + forUpdateClause(forUpdate)
	if err = sqlx.GetContext(ctx, exe, &row, q, id); err != nil {
		return schedule.Slot{}, trapNoRowsErr(err, schedule.ErrNotFound, "getting slot")
	}
	return unboilSlot(row), nil
}

func (r *slotRepository) UpdateSlot(ctx context.Context, s schedule.Slot, exec ...core.DBExecutor) (schedule.Slot, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return schedule.Slot{}, err
	}
	row := boilSlot(s)
	args := append(row.values()[1:], row.ID)
	res, err := exe.ExecContext(ctx, updateQuery(slotTable, slotUpdateColumns, "id"), args...)
	if err != nil {
		return schedule.Slot{}, trapSlotErr(err, "updating slot")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return schedule.Slot{}, schedule.ErrNotFound
	}
	return unboilSlot(row), nil
}

func (r *slotRepository) QuerySlots(ctx context.Context, filter *schedule.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]schedule.Slot, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}

	var w where
	var limit int
	if filter != nil {
		if filter.ProfessorID != "" {
			if _, err = uuid.Parse(filter.ProfessorID); err != nil {
				return []schedule.Slot{}, nil
			}
			w.add("professor_id = ?", filter.ProfessorID)
		}
		if filter.Subject != "" {
			w.add("subject ILIKE ?", "%"+filter.Subject+"%")
		}
		if len(filter.Statuses) > 0 {
			w.add("status = ANY(?)", pq.StringArray(filter.Statuses))
		}
		if filter.OnlyAvailable {
			w.add("status = ? AND booked < capacity", schedule.StatusOpen)
		}
		if !filter.From.IsZero() {
			w.add("starts_at >= ?", filter.From.UTC())
		}
		if !filter.To.IsZero() {
			w.add("starts_at < ?", filter.To.UTC())
		}
		limit = filter.Limit
	}

	q := slotSelect + w.String() + orderBy(ordering, core.DBOrdering{Field: "starts_at", Ascending: true}, "id")
	q += w.limit(limit)

	var rows []slotRow
	if err = sqlx.SelectContext(ctx, exe, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "querying slots")
	}
	return unboilSlots(rows), nil
}

func (r *slotRepository) HasOverlap(ctx context.Context, professorID string, start, end time.Time, excludeID string, exec ...core.DBExecutor) (bool, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return false, err
	}
	var w where
	w.add("professor_id = ?", professorID)
	w.add("status <> ?", schedule.StatusCancelled)
	w.add("starts_at < ? AND ? < ends_at", end.UTC(), start.UTC())
	if excludeID != "" {
		w.add("id <> ?", excludeID)
	}

	var overlap bool
	q := "SELECT EXISTS (SELECT 1 FROM " + quote(slotTable) + w.String() + ")"
	if err = sqlx.GetContext(ctx, exe, &overlap, q, w.args...); err != nil {
		return false, errors.Wrap(err, "checking slot overlap")
	}
	return overlap, nil
}

// LockProfessorSchedule takes a transaction level advisory lock keyed on the professor.
func (r *slotRepository) LockProfessorSchedule(ctx context.Context, professorID string, exec ...core.DBExecutor) error {
	exe, err := r.getExec(exec)
	if err != nil {
		return err
	}
	if _, err = exe.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "slot:"+professorID); err != nil {
		return errors.Wrap(err, "locking professor schedule")
	}
	return nil
}

func (r *slotRepository) QueryEndedSlots(ctx context.Context, endedBefore time.Time, limit int, exec ...core.DBExecutor) ([]schedule.Slot, error) {
	exe, err := r.getExec(exec)
	if err != nil {
		return nil, err
	}
	var w where
	w.add("status = ?", schedule.StatusOpen)
	w.add("ends_at < ?", endedBefore.UTC())
	q := slotSelect + w.String() + " ORDER BY ends_at ASC, id ASC" + w.limit(limit)

	var rows []slotRow
	if err = sqlx.SelectContext(ctx, exe, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "querying ended slots")
	}
	return unboilSlots(rows), nil
}
