package analytics

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
)

var (
	// errors
	ErrNotAllowed    = core.NewPermissionError("you cannot read these statistics")
	ErrRangeTooWide  = core.NewValidationError(nil, core.FieldError{Field: "to", Error: "the period cannot exceed 36 months"})
	ErrRangeRequired = core.NewValidationError(nil, core.FieldError{Field: "from", Error: "from and to are required"})
)

type (
	// Repository aggregates the booking tables. Tokens are spent by completed and
	// no-show reservations and by late (non-refunded) cancellations.
	Repository interface {
		ProfessorStats(ctx context.Context, professorID string, p Period, exec ...core.DBExecutor) (ProfessorStats, error)
		StudentStats(ctx context.Context, studentID string, p Period, exec ...core.DBExecutor) (StudentStats, error)
		Overview(ctx context.Context, p Period, exec ...core.DBExecutor) (Overview, error)
		// Monthly returns the months of p holding at least one reservation, oldest first.
		Monthly(ctx context.Context, p Period, exec ...core.DBExecutor) ([]Month, error)
	}

	Service interface {
		// ProfessorStats is readable by the professor and admins.
		ProfessorStats(ctx context.Context, actor user.User, professorID string, p Period) (ProfessorStats, error)
		// StudentStats is readable by the student, their parents and admins.
		StudentStats(ctx context.Context, actor user.User, studentID string, p Period) (StudentStats, error)
		Overview(ctx context.Context, actor user.User, p Period) (Overview, error)
		// Monthly returns every month of p, empty months included.
		Monthly(ctx context.Context, actor user.User, p Period) ([]Month, error)
	}

	service struct {
		repo    Repository
		usrRepo user.Repository
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, usrRepo user.Repository) Service {
	return &service{repo: repo, usrRepo: usrRepo}
}

func checkPeriod(p Period) (Period, error) {
	p = p.Clean()
	if !p.Valid() {
		return p, errPeriod
	}
	return p, nil
}

func (svc *service) ProfessorStats(ctx context.Context, actor user.User, professorID string, p Period) (ProfessorStats, error) {
	if !actor.IsAdmin() && actor.ID != professorID {
		return ProfessorStats{}, ErrNotAllowed
	}
	p, err := checkPeriod(p)
	if err != nil {
		return ProfessorStats{}, err
	}
	stats, err := svc.repo.ProfessorStats(ctx, professorID, p)
	if err != nil {
		return ProfessorStats{}, errors.Wrap(err, "computing professor stats")
	}
	stats.ProfessorID = professorID
	stats.computeFillRate()
	return stats, nil
}

func (svc *service) StudentStats(ctx context.Context, actor user.User, studentID string, p Period) (StudentStats, error) {
	if !actor.IsAdmin() && actor.ID != studentID {
		if !actor.IsParent() {
			return StudentStats{}, ErrNotAllowed
		}
		ok, err := svc.usrRepo.IsParentOf(ctx, actor.ID, studentID)
		if err != nil {
			return StudentStats{}, errors.Wrap(err, "checking parent link")
		}
		if !ok {
			return StudentStats{}, ErrNotAllowed
		}
	}
	p, err := checkPeriod(p)
	if err != nil {
		return StudentStats{}, err
	}
	stats, err := svc.repo.StudentStats(ctx, studentID, p)
	if err != nil {
		return StudentStats{}, errors.Wrap(err, "computing student stats")
	}
	stats.StudentID = studentID
	return stats, nil
}

func (svc *service) Overview(ctx context.Context, actor user.User, p Period) (Overview, error) {
	if !actor.IsAdmin() {
		return Overview{}, ErrNotAllowed
	}
	p, err := checkPeriod(p)
	if err != nil {
		return Overview{}, err
	}
	ov, err := svc.repo.Overview(ctx, p)
	return ov, errors.Wrap(err, "computing overview")
}

func (svc *service) Monthly(ctx context.Context, actor user.User, p Period) ([]Month, error) {
	if !actor.IsAdmin() {
		return nil, ErrNotAllowed
	}
	if p.From.IsZero() || p.To.IsZero() {
		return nil, ErrRangeRequired
	}
	p, err := checkPeriod(p)
	if err != nil {
		return nil, err
	}
	first, last := MonthOf(p.From), MonthOf(p.To.Add(-1))
	if !last.Before(first.AddDate(0, maxMonthlyRange, 0)) {
		return nil, ErrRangeTooWide
	}

	rows, err := svc.repo.Monthly(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "computing monthly stats")
	}
	byMonth := make(map[time.Time]Month, len(rows))
	for _, m := range rows {
		byMonth[MonthOf(m.Month)] = m
	}

	months := make([]Month, 0, maxMonthlyRange)
	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		row := byMonth[m]
		row.Month = m
		months = append(months, row)
	}
	return months, nil
}
