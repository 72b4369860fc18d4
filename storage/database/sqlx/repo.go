package sqlxrepos

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/strmangle"

	"github.com/trezcool/tutora/core"
)

var errNotSqlx = errors.New("sqlxrepos: executor must be a *sqlx.DB or a *sqlx.Tx")

// repo holds the default executor used outside of transactions.
type repo struct {
	exec sqlx.ExtContext
}

func (r repo) getExec(svcExec []core.DBExecutor) (sqlx.ExtContext, error) {
	if len(svcExec) > 0 && svcExec[0] != nil {
		exec, ok := svcExec[0].(sqlx.ExtContext)
		if !ok {
			return nil, errNotSqlx
		}
		return exec, nil
	}
	return r.exec, nil
}

// quote quotes a column or table name, "user" being a reserved word.
func quote(ident string) string {
	return strmangle.IdentQuote('"', '"', ident)
}

// columns returns the quoted, comma separated list of cols.
func columns(cols []string) string {
	quoted := make([]string, 0, len(cols))
	for _, c := range cols {
		quoted = append(quoted, quote(c))
	}
	return strings.Join(quoted, ", ")
}

// insertQuery builds an INSERT of cols, bound by position.
func insertQuery(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), columns(cols), strmangle.Placeholders(true, len(cols), 1, 1))
}

// updateQuery builds an UPDATE of cols bound from $1, filtered on keyCol bound last.
func updateQuery(table string, cols []string, keyCol string) string {
	sets := make([]string, 0, len(cols))
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", quote(c), i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		quote(table), strings.Join(sets, ", "), quote(keyCol), len(cols)+1)
}

// orderBy builds an ORDER BY clause, ties broken on key. Fields must have been cleaned by the service.
func orderBy(ordering []core.DBOrdering, def core.DBOrdering, key string) string {
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{def}
	}
	list := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		list = append(list, ord.String())
	}
	list = append(list, key+" ASC")
	return " ORDER BY " + strings.Join(list, ", ")
}

// validUUIDs drops the ids that cannot match a uuid column.
func validUUIDs(ids []string) []string {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	return valid
}

// where accumulates AND-ed conditions with their positional arguments.
type where struct {
	conds []string
	args  []interface{}
}

// add appends cond, where each ? is a placeholder for the next arg.
func (w *where) add(cond string, args ...interface{}) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func nullTime(t time.Time) null.Time {
	if t.IsZero() {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func unboilTime(t null.Time) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// trapNoRowsErr maps sql.ErrNoRows to notFound.
func trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func forUpdateClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}
