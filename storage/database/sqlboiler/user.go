package boiledrepos

import (
	"context"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/queries/qm"
	"github.com/volatiletech/sqlboiler/v4/types"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/storage/database"
)

const (
	userTable        = "user"
	parentChildTable = "parent_child"

	constraintUsernameUniq = "user_username_key"
	constraintEmailUniq    = "user_email_key"
)

var userColumns = []string{"id", "name", "username", "email", "phone", "is_active", "roles", "password_hash", "created_at", "updated_at", "last_login"}

type userRow struct {
	ID           string            `boil:"id"`
	Name         string            `boil:"name"`
	Username     null.String       `boil:"username"`
	Email        null.String       `boil:"email"`
	Phone        null.String       `boil:"phone"`
	IsActive     bool              `boil:"is_active"`
	Roles        types.StringArray `boil:"roles"`
	PasswordHash null.Bytes        `boil:"password_hash"`
	CreatedAt    time.Time         `boil:"created_at"`
	UpdatedAt    time.Time         `boil:"updated_at"`
	LastLogin    null.Time         `boil:"last_login"`
}

type userRepository struct {
	repo
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(exec core.DBExecutor) user.Repository {
	return &userRepository{repo{exec: exec}}
}

func (r userRepository) boil(usr user.User) userRow {
	roles := usr.Roles
	if roles == nil {
		roles = []string{}
	}
	return userRow{
		ID:           usr.ID,
		Name:         usr.Name,
		Username:     null.NewString(usr.Username, usr.Username != ""),
		Email:        null.NewString(usr.Email, usr.Email != ""),
		Phone:        null.NewString(usr.Phone, usr.Phone != ""),
		IsActive:     usr.Active(),
		Roles:        roles,
		PasswordHash: null.NewBytes(usr.PasswordHash, usr.PasswordHash != nil),
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
		LastLogin:    nullTime(usr.LastLogin),
	}
}

func (r userRepository) unboil(row *userRow) user.User {
	if row == nil {
		return user.User{}
	}
	isActive := row.IsActive
	usr := user.User{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username.String,
		Email:        row.Email.String,
		Phone:        row.Phone.String,
		IsActive:     &isActive,
		Roles:        row.Roles,
		PasswordHash: row.PasswordHash.Bytes,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	return usr
}

func (r userRepository) unboilSlice(rows []*userRow) []user.User {
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, r.unboil(row))
	}
	return users
}

func (r userRepository) values(row userRow) []interface{} {
	return []interface{}{
		row.ID, row.Name, row.Username, row.Email, row.Phone, row.IsActive, row.Roles,
		row.PasswordHash, row.CreatedAt, row.UpdatedAt, row.LastLogin,
	}
}

// trapUniqueErr maps the unique violations on username and email to user errors.
func trapUniqueErr(err error, msg string) error {
	switch c, _ := database.UniqueViolation(err); c {
	case constraintUsernameUniq:
		return user.ErrUsernameExists
	case constraintEmailUniq:
		return user.ErrEmailExists
	}
	return errors.Wrap(err, msg)
}

// users selects the user columns, qualified so that joins stay unambiguous.
func (r userRepository) users(mods ...qm.QueryMod) *queries.Query {
	cols := make([]string, 0, len(userColumns))
	for _, c := range userColumns {
		cols = append(cols, userTable+"."+c)
	}
	return newQuery(append([]qm.QueryMod{qm.Select(cols...), qm.From(quote(userTable))}, mods...)...)
}

func (r userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers []user.User, exec ...core.DBExecutor) error {
	if username == "" && email == "" {
		return nil
	}
	mods := []qm.QueryMod{
		qm.Expr(
			qm.Where("username = ?", null.NewString(username, username != "")),
			qm.Or("email = ?", null.NewString(email, email != "")),
		),
	}
	if len(excludedUsers) > 0 {
		ids := make([]interface{}, 0, len(excludedUsers))
		for _, u := range excludedUsers {
			if u.ID != "" {
				ids = append(ids, u.ID)
			}
		}
		if len(ids) > 0 {
			mods = append(mods, qm.WhereNotIn("id NOT IN ?", ids...))
		}
	}

	var rows []*userRow
	if err := r.users(mods...).Bind(ctx, r.getExec(exec), &rows); err != nil {
		return errors.Wrap(err, "checking user uniqueness")
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if username != "" && row.Username.String == username {
			return user.ErrUsernameExists
		}
	}
	return user.ErrEmailExists
}

func (r userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	usr.ID = uuid.NewString()
	row := r.boil(usr)
	if _, err := insert(userTable, userColumns, r.values(row)...).ExecContext(ctx, r.getExec(exec)); err != nil {
		return user.User{}, trapUniqueErr(err, "inserting user")
	}
	return r.unboil(&row), nil
}

func (r userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	var mods []qm.QueryMod

	if filter != nil {
		// users with Name, Username or Email matching the search keyword
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			mods = append(mods, qm.Expr(qm.Where("name ILIKE ? OR username ILIKE ? OR email ILIKE ?", val, val, val)))
		}
		// users with any role that starts with any of the provided roles
		if len(filter.Roles) > 0 {
			roleMods := make([]qm.QueryMod, 0, len(filter.Roles))
			for _, role := range filter.Roles {
				roleMods = append(roleMods, qm.Or2(qm.Where("EXISTS (SELECT 1 FROM UNNEST(roles) user_role WHERE user_role LIKE ?)", role+"%")))
			}
			mods = append(mods, qm.Expr(roleMods...))
		}
		if filter.IsActive != nil {
			mods = append(mods, qm.Where("is_active = ?", *filter.IsActive))
		}
		if !filter.CreatedFrom.IsZero() {
			mods = append(mods, qm.Where("created_at >= ?", filter.CreatedFrom.UTC()))
		}
		if !filter.CreatedTo.IsZero() {
			mods = append(mods, qm.Where("created_at < ?", filter.CreatedTo.UTC()))
		}
	}
	mods = append(mods, orderBy(ordering, core.DBOrdering{Field: "created_at", Ascending: false}))

	var rows []*userRow
	if err := r.users(mods...).Bind(ctx, r.getExec(exec), &rows); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	return r.unboilSlice(rows), nil
}

func (r userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	var mod qm.QueryMod

	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		mod = qm.Where("id = ?", filter.ID)
	case filter.Username != "":
		mod = qm.Where("username = ?", filter.Username)
	case filter.Email != "":
		mod = qm.Where("email = ?", filter.Email)
	case len(filter.UsernameOrEmail) == 2:
		uname, email := filter.UsernameOrEmail[0], filter.UsernameOrEmail[1]
		if uname == "" && email == "" {
			return user.User{}, user.ErrNotFound
		}
		mod = qm.Where("username = ? OR email = ?", null.NewString(uname, uname != ""), null.NewString(email, email != ""))
	default:
		return user.User{}, user.ErrNotFound
	}

	row := &userRow{}
	if err := r.users(mod, qm.Limit(1)).Bind(ctx, r.getExec(exec), row); err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "finding user")
	}
	return r.unboil(row), nil
}

func (r userRepository) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	if _, err := uuid.Parse(usr.ID); err != nil {
		return user.User{}, user.ErrNotFound
	}
	row := r.boil(usr)
	vals := r.values(row)
	cols := make(map[string]interface{}, len(userColumns)-1)
	for i, c := range userColumns[1:] {
		cols[c] = vals[i+1]
	}

	q := newQuery(qm.From(quote(userTable)), qm.Where("id = ?", usr.ID))
	queries.SetUpdate(q, cols)
	res, err := q.ExecContext(ctx, r.getExec(exec))
	if err != nil {
		return user.User{}, trapUniqueErr(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return r.unboil(&row), nil
}

func (r userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	if usr.ID == "" {
		return r.CreateUser(ctx, usr, exec...)
	}
	updated, err := r.UpdateUser(ctx, usr, exec...)
	if err == user.ErrNotFound {
		return r.CreateUser(ctx, usr, exec...)
	}
	return updated, err
}

func (r userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return 0, nil
	}

	q := newQuery(qm.From(quote(userTable)), qm.WhereIn("id IN ?", args...))
	queries.SetDelete(q)
	res, err := q.ExecContext(ctx, r.getExec(exec))
	if err != nil {
		if _, ok := database.ForeignKeyViolation(err); ok {
			return 0, user.ErrInUse
		}
		return 0, errors.Wrap(err, "deleting users")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted users")
	}
	return int(cnt), nil
}

func (r userRepository) LinkChild(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) error {
	for _, id := range []string{parentID, studentID} {
		if _, err := uuid.Parse(id); err != nil {
			return user.ErrNotFound
		}
	}
	q := queries.Raw(
		"INSERT INTO "+quote(parentChildTable)+" (parent_id, student_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		parentID, studentID, core.Now(),
	)
	if _, err := q.ExecContext(ctx, r.getExec(exec)); err != nil {
		if _, ok := database.ForeignKeyViolation(err); ok {
			return user.ErrNotFound
		}
		return errors.Wrap(err, "linking child")
	}
	return nil
}

// related returns the users on the otherCol side of the parent_child links where col = id.
func (r userRepository) related(ctx context.Context, col, otherCol, id string, exec []core.DBExecutor) ([]user.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return []user.User{}, nil
	}
	var rows []*userRow
	err := r.users(
		qm.InnerJoin(quote(parentChildTable)+" pc ON pc."+otherCol+" = "+quote(userTable)+".id"),
		qm.Where("pc."+col+" = ?", id),
		qm.OrderBy(quote(userTable)+".name ASC"),
	).Bind(ctx, r.getExec(exec), &rows)
	if err != nil {
		return nil, errors.Wrap(err, "querying family")
	}
	return r.unboilSlice(rows), nil
}

func (r userRepository) QueryChildren(ctx context.Context, parentID string, exec ...core.DBExecutor) ([]user.User, error) {
	return r.related(ctx, "parent_id", "student_id", parentID, exec)
}

func (r userRepository) QueryParents(ctx context.Context, studentID string, exec ...core.DBExecutor) ([]user.User, error) {
	return r.related(ctx, "student_id", "parent_id", studentID, exec)
}

func (r userRepository) IsParentOf(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (bool, error) {
	for _, id := range []string{parentID, studentID} {
		if _, err := uuid.Parse(id); err != nil {
			return false, nil
		}
	}
	q := newQuery(qm.From(quote(parentChildTable)), qm.Where("parent_id = ? AND student_id = ?", parentID, studentID), qm.Limit(1))
	queries.SetSelect(q, nil)
	queries.SetCount(q)

	var count int64
	if err := q.QueryRowContext(ctx, r.getExec(exec)).Scan(&count); err != nil {
		return false, errors.Wrap(err, "checking parent link")
	}
	return count > 0, nil
}
