package boiledrepos

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/drivers"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/queries/qm"
	"github.com/volatiletech/strmangle"

	"github.com/trezcool/tutora/core"
)

var dialect = drivers.Dialect{
	LQ:                   '"',
	RQ:                   '"',
	UseIndexPlaceholders: true,
	UseDefaultKeyword:    true,
}

// newQuery builds a PostgreSQL query from mods.
func newQuery(mods ...qm.QueryMod) *queries.Query {
	q := &queries.Query{}
	queries.SetDialect(q, &dialect)
	qm.Apply(q, mods...)
	return q
}

type repo struct {
	exec core.DBExecutor
}

func (r repo) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return r.exec
}

func quote(ident string) string {
	return strmangle.IdentQuote(dialect.LQ, dialect.RQ, ident)
}

// insert builds an INSERT of cols into table, bound by position.
func insert(table string, cols []string, vals ...interface{}) *queries.Query {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table),
		strings.Join(strmangle.IdentQuoteSlice(dialect.LQ, dialect.RQ, cols), ", "),
		strmangle.Placeholders(dialect.UseIndexPlaceholders, len(cols), 1, 1))
	return queries.Raw(q, vals...)
}

func orderBy(ordering []core.DBOrdering, def core.DBOrdering) qm.QueryMod {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{def}
	}
	list := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		list = append(list, ord.String())
	}
	return qm.OrderBy(strings.Join(list, ", "))
}

func nullTime(t time.Time) null.Time {
	if t.IsZero() {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

// trapNoRowsErr maps sql.ErrNoRows to notFound.
func trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return errors.Wrap(err, msg)
}
