package boiledrepos

import (
	"context"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/volatiletech/sqlboiler/v4/queries"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

// Aggregations use positional arguments $1 (from) and $2 (to), NULL meaning an open bound.
// Tokens are spent by completed lessons, no-shows and unrefunded cancellations.
const (
	inPeriod = `($1::timestamptz IS NULL OR s.starts_at >= $1) AND ($2::timestamptz IS NULL OR s.starts_at < $2)`
	spent    = `(r.status IN ('` + booking.StatusCompleted + `', '` + booking.StatusNoShow + `') OR (r.status = '` + booking.StatusCancelled + `' AND NOT r.refunded))`

	professorStatsQuery = `
SELECT
	(SELECT count(*) FROM slot s WHERE s.professor_id = $3 AND ` + inPeriod + `) AS slots,
	(SELECT count(*) FROM slot s WHERE s.professor_id = $3 AND s.status = '` + schedule.StatusCancelled + `' AND ` + inPeriod + `) AS cancelled_slots,
	(SELECT coalesce(sum(s.capacity), 0) FROM slot s WHERE s.professor_id = $3 AND s.status <> '` + schedule.StatusCancelled + `' AND ` + inPeriod + `) AS seats_offered,
	(SELECT coalesce(sum(s.booked), 0) FROM slot s WHERE s.professor_id = $3 AND s.status <> '` + schedule.StatusCancelled + `' AND ` + inPeriod + `) AS seats_booked,
	count(*) FILTER (WHERE r.status = '` + booking.StatusCompleted + `') AS completed_lessons,
	count(*) FILTER (WHERE r.status = '` + booking.StatusNoShow + `') AS no_shows,
	coalesce(sum(r.token_cost) FILTER (WHERE ` + spent + `), 0)::bigint AS tokens_earned
FROM reservation r
JOIN slot s ON s.id = r.slot_id
WHERE s.professor_id = $3 AND ` + inPeriod

	studentStatsQuery = `
SELECT
	count(*) AS reservations,
	count(*) FILTER (WHERE r.status = '` + booking.StatusCompleted + `') AS completed,
	count(*) FILTER (WHERE r.status = '` + booking.StatusCancelled + `') AS cancelled,
	count(*) FILTER (WHERE r.status = '` + booking.StatusCancelled + `' AND NOT r.refunded) AS late_cancellations,
	count(*) FILTER (WHERE r.status = '` + booking.StatusNoShow + `') AS no_shows,
	coalesce(sum(r.token_cost) FILTER (WHERE ` + spent + `), 0)::bigint AS tokens_spent,
	coalesce(sum(r.token_cost) FILTER (WHERE r.status = '` + booking.StatusCancelled + `' AND r.refunded), 0)::bigint AS tokens_refunded
FROM reservation r
JOIN slot s ON s.id = r.slot_id
WHERE r.student_id = $3 AND ` + inPeriod

	overviewQuery = `
SELECT
	(SELECT count(*) FROM "user" WHERE is_active AND EXISTS (SELECT 1 FROM UNNEST(roles) user_role WHERE user_role LIKE $3)) AS active_professors,
	(SELECT count(*) FROM "user" WHERE is_active AND EXISTS (SELECT 1 FROM UNNEST(roles) user_role WHERE user_role LIKE $4)) AS active_students,
	(SELECT count(*) FROM reservation r JOIN slot s ON s.id = r.slot_id WHERE ` + inPeriod + `) AS reservations,
	(SELECT coalesce(sum(available + reserved), 0)::bigint FROM wallet) AS tokens_in_circulation,
	(SELECT coalesce(sum(amount), 0)::bigint FROM wallet_entry e WHERE e.kind = $5
		AND ($1::timestamptz IS NULL OR e.created_at >= $1) AND ($2::timestamptz IS NULL OR e.created_at < $2)) AS tokens_consumed`

	monthlyQuery = `
SELECT
	date_trunc('month', s.starts_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS month,
	count(*) AS bookings,
	count(*) FILTER (WHERE r.status = '` + booking.StatusCancelled + `') AS cancellations,
	coalesce(sum(r.token_cost) FILTER (WHERE ` + spent + `), 0)::bigint AS tokens_consumed
FROM reservation r
JOIN slot s ON s.id = r.slot_id
WHERE ` + inPeriod + `
GROUP BY 1
ORDER BY 1`
)

type analyticsRepository struct {
	repo
}

var _ analytics.Repository = (*analyticsRepository)(nil)

func NewAnalyticsRepository(exec core.DBExecutor) analytics.Repository {
	return &analyticsRepository{repo{exec: exec}}
}

func periodArgs(p analytics.Period, args ...interface{}) []interface{} {
	return append([]interface{}{nullTime(p.From), nullTime(p.To)}, args...)
}

func (r analyticsRepository) ProfessorStats(ctx context.Context, professorID string, p analytics.Period, exec ...core.DBExecutor) (analytics.ProfessorStats, error) {
	stats := analytics.ProfessorStats{ProfessorID: professorID}
	if _, err := uuid.Parse(professorID); err != nil {
		return stats, nil
	}
	if err := queries.Raw(professorStatsQuery, periodArgs(p, professorID)...).Bind(ctx, r.getExec(exec), &stats); err != nil {
		return analytics.ProfessorStats{}, errors.Wrap(err, "aggregating professor stats")
	}
	stats.ProfessorID = professorID
	return stats, nil
}

func (r analyticsRepository) StudentStats(ctx context.Context, studentID string, p analytics.Period, exec ...core.DBExecutor) (analytics.StudentStats, error) {
	stats := analytics.StudentStats{StudentID: studentID}
	if _, err := uuid.Parse(studentID); err != nil {
		return stats, nil
	}
	if err := queries.Raw(studentStatsQuery, periodArgs(p, studentID)...).Bind(ctx, r.getExec(exec), &stats); err != nil {
		return analytics.StudentStats{}, errors.Wrap(err, "aggregating student stats")
	}
	stats.StudentID = studentID
	return stats, nil
}

func (r analyticsRepository) Overview(ctx context.Context, p analytics.Period, exec ...core.DBExecutor) (analytics.Overview, error) {
	var ov analytics.Overview
	args := periodArgs(p, user.RoleProfessor+"%", user.RoleStudent+"%", wallet.KindConsume)
	if err := queries.Raw(overviewQuery, args...).Bind(ctx, r.getExec(exec), &ov); err != nil {
		return analytics.Overview{}, errors.Wrap(err, "aggregating overview")
	}
	return ov, nil
}

func (r analyticsRepository) Monthly(ctx context.Context, p analytics.Period, exec ...core.DBExecutor) ([]analytics.Month, error) {
	var months []analytics.Month
	if err := queries.Raw(monthlyQuery, periodArgs(p)...).Bind(ctx, r.getExec(exec), &months); err != nil {
		return nil, errors.Wrap(err, "aggregating monthly activity")
	}
	for i := range months {
		months[i].Month = months[i].Month.UTC()
	}
	return months, nil
}
