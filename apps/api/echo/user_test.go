package echoapi_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tutora/core/user"
	testutil "github.com/trezcool/tutora/tests"
)

const strongPwd = "Sup3r-Secr3t!"

func Test_userApi_login(t *testing.T) {
	a := setup(t)
	testutil.CreateUser(t, a.usrRepo, "Ann", "ann", "ann@test.test", strongPwd, []string{user.RoleStudent}, true)
	testutil.CreateUser(t, a.usrRepo, "Old", "old", "old@test.test", strongPwd, []string{user.RoleStudent}, false)

	login := func(uname, pwd string) []byte {
		return marchallObj(t, map[string]string{"username": uname, "password": pwd})
	}

	runHTTPTests(t, a, []httpTest{
		{
			name: "missing fields", method: http.MethodPost, path: "/api/users/login", body: []byte(`{}`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"username": "this field is required", "password": "this field is required"}),
		},
		{
			name: "wrong password", method: http.MethodPost, path: "/api/users/login", body: login("ann", "nope"),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "unknown user", method: http.MethodPost, path: "/api/users/login", body: login("bob", strongPwd),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated", method: http.MethodPost, path: "/api/users/login", body: login("old", strongPwd),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
	})

	t.Run("by username or email", func(t *testing.T) {
		for _, uname := range []string{"ann", "ANN@test.test"} {
			rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/users/login", body: login(uname, strongPwd)})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp struct{ Token string }
			decode(t, rec, &resp)
			assert.NotEmpty(t, resp.Token)

			// the issued token authenticates
			rec = a.do(t, httpTest{method: http.MethodPost, path: "/api/users/token-refresh", token: resp.Token})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		}
	})
}

func Test_userApi_signUp(t *testing.T) {
	a := setup(t)
	signUp := func(roles ...string) []byte {
		return marchallObj(t, user.NewUser{
			Name: "Kid", Username: "kid", Email: "kid@test.test",
			Password: strongPwd, PasswordConfirm: strongPwd, Roles: roles,
		})
	}

	rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/users/signup", body: signUp(user.RoleAdmin)})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = a.do(t, httpTest{method: http.MethodPost, path: "/api/users/signup", body: signUp(user.RoleStudent)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var usr user.User
	decode(t, rec, &usr)
	assert.NotEmpty(t, usr.ID)
	assert.Equal(t, []string{user.RoleStudent}, usr.Roles)

	rec = a.do(t, httpTest{method: http.MethodPost, path: "/api/users/signup", body: signUp(user.RoleStudent)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "username")
}

func Test_userApi_query(t *testing.T) {
	a := setup(t)
	admin := a.user(t, "admin", user.RoleAdmin)
	prof := a.user(t, "prof", user.RoleProfessor)
	student := a.user(t, "student", user.RoleStudent)
	naughty := testutil.CreateUser(t, a.usrRepo, "Naughty", "naughty", "naughty@test.test", "", []string{user.RoleStudent}, false)
	adminToken := a.token(t, admin)

	path := func(v url.Values) string { return "/api/users?" + v.Encode() }

	runHTTPTests(t, a, []httpTest{
		{name: "auth required", path: "/api/users", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "admin required", path: "/api/users", token: a.token(t, student),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{name: "all", path: "/api/users", token: adminToken, wantData: marchallList(t, admin, prof, student, naughty)},
		{
			name: "search", path: path(url.Values{"search": {"STUD"}}), token: adminToken,
			wantData: marchallList(t, student),
		},
		{
			name: "roles", path: path(url.Values{"role": {user.RoleProfessor + "," + user.RoleStudent}}), token: adminToken,
			wantData: marchallList(t, prof, student, naughty),
		},
		{
			name: "inactive", path: path(url.Values{"is_active": {"false"}}), token: adminToken,
			wantData: marchallList(t, naughty),
		},
		{
			name: "bad bool", path: path(url.Values{"is_active": {"maybe"}}), token: adminToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"is_active": "must be a boolean"}),
		},
		{
			name: "bad date", path: path(url.Values{"created_from": {"yesterday"}}), token: adminToken,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "ordering", path: path(url.Values{"ordering": {"-username"}, "role": {user.RoleStudent}}), token: adminToken,
			wantData: marchallList(t, student, naughty),
		},
		{name: "roles list", path: "/api/users/roles", token: adminToken, wantData: marchallObj(t, user.Roles)},
	})

	t.Run("deactivated token", func(t *testing.T) {
		rec := a.do(t, httpTest{path: "/api/reservations", token: a.token(t, naughty)})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func Test_userApi_destroyMultiple(t *testing.T) {
	a := setup(t)
	owner := a.user(t, "owner", user.RoleAdminOwner)
	admin := a.user(t, "admin", user.RoleAdmin)
	kid := a.user(t, "kid", user.RoleStudent)
	adminToken := a.token(t, admin)

	runHTTPTests(t, a, []httpTest{
		{
			name: "no suicide", method: http.MethodDelete, path: "/api/users?id=" + kid.ID + "&id=" + admin.ID, token: adminToken,
			wantCode: http.StatusForbidden,
		},
		{
			name: "higher role", method: http.MethodDelete, path: "/api/users?id=" + kid.ID + "&id=" + owner.ID, token: adminToken,
			wantCode: http.StatusForbidden,
		},
	})

	for _, id := range []string{owner.ID, kid.ID} {
		_, err := a.usrRepo.GetUser(context.Background(), user.GetFilter{ID: id})
		require.NoError(t, err, "nothing is deleted when the request is refused")
	}

	rec := a.do(t, httpTest{method: http.MethodDelete, path: "/api/users?id=" + kid.ID + "&id=unknown", token: adminToken})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	_, err := a.usrRepo.GetUser(context.Background(), user.GetFilter{ID: kid.ID})
	assert.Equal(t, user.ErrNotFound, errors.Cause(err))

	rec = a.do(t, httpTest{method: http.MethodDelete, path: "/api/users?id=" + admin.ID, token: a.token(t, owner)})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func Test_userApi_detail(t *testing.T) {
	a := setup(t)
	admin := a.user(t, "admin", user.RoleAdmin)
	parent := a.user(t, "parent", user.RoleParent)
	child := a.user(t, "child", user.RoleStudent)
	other := a.user(t, "other", user.RoleStudent)
	require.NoError(t, a.usrRepo.LinkChild(context.Background(), parent.ID, child.ID))

	parentToken := a.token(t, parent)

	runHTTPTests(t, a, []httpTest{
		{name: "self", path: "/api/users/" + parent.ID, token: parentToken, wantData: marchallObj(t, parent)},
		{name: "own child", path: "/api/users/" + child.ID, token: parentToken, wantData: marchallObj(t, child)},
		{
			name: "someone else", path: "/api/users/" + other.ID, token: parentToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound),
		},
		{name: "admin sees all", path: "/api/users/" + other.ID, token: a.token(t, admin), wantData: marchallObj(t, other)},
		{name: "children", path: "/api/users/" + parent.ID + "/children", token: parentToken, wantData: marchallList(t, child)},
		{name: "parents", path: "/api/users/" + child.ID + "/parents", token: a.token(t, child), wantData: marchallList(t, parent)},
		{
			name: "parent cannot edit child", method: http.MethodPut, path: "/api/users/" + child.ID, token: parentToken,
			body: []byte(`{"name":"Renamed"}`), wantCode: http.StatusForbidden,
		},
		{
			name: "cannot set own roles", method: http.MethodPut, path: "/api/users/" + child.ID, token: a.token(t, child),
			body: []byte(`{"roles":["admin:"]}`), wantCode: http.StatusForbidden,
		},
		{
			name: "no suicide", method: http.MethodDelete, path: "/api/users/" + admin.ID, token: a.token(t, admin),
			wantCode: http.StatusForbidden,
		},
		{
			name: "delete requires admin", method: http.MethodDelete, path: "/api/users/" + child.ID, token: parentToken,
			wantCode: http.StatusForbidden,
		},
	})

	t.Run("add child", func(t *testing.T) {
		body := marchallObj(t, user.NewUser{Name: "Baby", Username: "baby", Password: strongPwd, PasswordConfirm: strongPwd})
		rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/users/" + parent.ID + "/children", token: parentToken, body: body})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var baby user.User
		decode(t, rec, &baby)
		assert.True(t, baby.IsStudent())
		ok, err := a.usrRepo.IsParentOf(context.Background(), parent.ID, baby.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("admin links child", func(t *testing.T) {
		rec := a.do(t, httpTest{
			method: http.MethodPut, path: "/api/users/" + parent.ID + "/children/" + other.ID, token: a.token(t, admin),
		})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		rec = a.do(t, httpTest{
			method: http.MethodPut, path: "/api/users/" + child.ID + "/children/" + other.ID, token: a.token(t, admin),
		})
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	})

	t.Run("update self", func(t *testing.T) {
		rec := a.do(t, httpTest{method: http.MethodPut, path: "/api/users/" + other.ID, token: a.token(t, other), body: []byte(`{"name":"Renamed"}`)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var usr user.User
		decode(t, rec, &usr)
		assert.Equal(t, "Renamed", usr.Name)
	})
}

func Test_userApi_passwordReset(t *testing.T) {
	a := setup(t)
	ann := testutil.CreateUser(t, a.usrRepo, "Ann", "ann", "ann@test.test", strongPwd, []string{user.RoleStudent}, true)

	for _, email := range []string{ann.Email, "nobody@test.test"} {
		rec := a.do(t, httpTest{method: http.MethodPost, path: "/api/users/password-reset", body: marchallObj(t, map[string]string{"email": email})})
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Len(t, a.mail.SentTo(ann.Email), 1)
	assert.Empty(t, a.mail.SentTo("nobody@test.test"))

	rec := a.do(t, httpTest{
		method: http.MethodPost, path: "/api/users/password-reset-confirm",
		body: marchallObj(t, user.ResetUserPassword{Token: "bad", UID: "bad", Password: strongPwd, PasswordConfirm: strongPwd}),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}
