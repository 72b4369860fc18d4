package echoapi

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// queryParams reads typed query parameters and collects their errors.
type queryParams struct {
	values url.Values
	errs   []core.FieldError
}

func newQueryParams(ctx echo.Context) *queryParams {
	return &queryParams{values: ctx.QueryParams()}
}

func (q *queryParams) fail(name, msg string) {
	q.errs = append(q.errs, core.FieldError{Field: name, Error: msg})
}

func (q *queryParams) String(name string) string {
	return strings.TrimSpace(q.values.Get(name))
}

// Strings accepts repeated (?status=a&status=b) and comma separated (?status=a,b) values.
func (q *queryParams) Strings(name string) []string {
	var list []string
	for _, v := range q.values[name] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
	}
	return list
}

func (q *queryParams) Bool(name string) *bool {
	v := q.String(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		q.fail(name, "must be a boolean")
		return nil
	}
	return &b
}

func (q *queryParams) Int(name string) int {
	v := q.String(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		q.fail(name, "must be a positive integer")
		return 0
	}
	return n
}

// Time parses RFC 3339 timestamps and plain dates (UTC midnight).
func (q *queryParams) Time(name string) time.Time {
	v := q.String(name)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t
	}
	q.fail(name, "must be an RFC 3339 timestamp or a YYYY-MM-DD date")
	return time.Time{}
}

func (q *queryParams) Period() analytics.Period {
	return analytics.Period{From: q.Time("from"), To: q.Time("to")}
}

func (q *queryParams) Err() error {
	if len(q.errs) == 0 {
		return nil
	}
	return core.NewValidationError(nil, q.errs...)
}
