package user

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
)

var (
	// errors
	ErrNotFound       = core.NewNotFoundError("user not found")
	ErrEmailExists    = errors.New("a user with this email already exists")
	ErrUsernameExists = errors.New("a user with this username already exists")
	ErrNotAParent     = core.NewRuleError("user is not a parent")
	ErrNotAStudent    = core.NewRuleError("user is not a student")
	ErrInUse          = core.NewRuleError("users with slots, reservations or a wallet cannot be deleted, deactivate them instead")

	errInvalidValue = "invalid value"
)

type (
	Repository interface {
		// CheckUsernameUniqueness returns ErrUsernameExists or ErrEmailExists when another User (not in excludedUsers) owns them.
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers []User, exec ...core.DBExecutor) error
		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Username or User.Email.
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]User, error)
		GetUser(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (User, error)
		UpdateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		UpdateOrCreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error)

		// LinkChild links a student to a parent. Linking twice is a no-op.
		LinkChild(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) error
		QueryChildren(ctx context.Context, parentID string, exec ...core.DBExecutor) ([]User, error)
		QueryParents(ctx context.Context, studentID string, exec ...core.DBExecutor) ([]User, error)
		IsParentOf(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (bool, error)
	}

	Service interface {
		CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error
		Create(ctx context.Context, nu NewUser) (User, error)
		// SignUp creates a self-registered account. Roles must hold exactly one of SignUpRoles.
		SignUp(ctx context.Context, nu NewUser) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByUsername(ctx context.Context, uname string) (User, error)
		GetByEmail(ctx context.Context, email string) (User, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (User, error)
		Update(ctx context.Context, usr User, uu UpdateUser) (User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		Delete(ctx context.Context, ids ...string) (int, error)
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, data ResetUserPassword) error

		// AddChild creates a student account linked to parent.
		AddChild(ctx context.Context, parent User, nu NewUser) (User, error)
		LinkChild(ctx context.Context, parentID, studentID string) error
		Children(ctx context.Context, parentID string) ([]User, error)
		Parents(ctx context.Context, studentID string) ([]User, error)
		IsParentOf(ctx context.Context, parentID, studentID string) (bool, error)
	}

	service struct {
		db      core.Transactor
		repo    Repository
		mailSvc core.EmailService
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(db core.Transactor, repo Repository, mailSvc core.EmailService, conf *core.Config) Service {
	return &service{
		db:      db,
		repo:    repo,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

func (svc *service) CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return errors.Wrap(err, "checking username uniqueness")
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: errors.Cause(err).Error()})
	}
	return nil
}

func (svc *service) newUser(nu NewUser) (User, error) {
	now := core.Now()
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Phone:     nu.Phone,
		Roles:     nu.Roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if usr.Roles == nil {
		usr.Roles = []string{}
	}
	usr.SetActive(true)
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "setting password")
	}
	return usr, nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	usr, err := svc.newUser(nu)
	if err != nil {
		return User{}, err
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *service) SignUp(ctx context.Context, nu NewUser) (User, error) {
	if len(nu.Roles) != 1 || !containsRole(SignUpRoles, nu.Roles[0]) {
		return User{}, core.NewValidationError(nil, core.FieldError{Field: "roles", Error: "pick one of student, parent or professor"})
	}
	return svc.Create(ctx, nu)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, core.CleanOrdering(ordering, OrderingFields...))
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *service) GetByUsername(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Username: core.CleanString(uname, true /* lower */)})
}

func (svc *service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	uname = core.CleanString(uname, true /* lower */)
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: []string{uname, uname}})
}

// Update applies uu (already validated against usr) to usr.
func (svc *service) Update(ctx context.Context, usr User, uu UpdateUser) (User, error) {
	usr.Name = uu.Name
	usr.Username = uu.Username
	usr.Email = uu.Email
	if uu.Phone != nil {
		usr.Phone = *uu.Phone
	}
	if uu.Roles != nil {
		usr.Roles = uu.Roles
	}
	if uu.IsActive != nil {
		usr.SetActive(*uu.IsActive)
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "setting password")
		}
	}
	usr.UpdatedAt = core.Now()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	usr.LastLogin = core.Now()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) Delete(ctx context.Context, ids ...string) (int, error) {
	return svc.repo.DeleteUsersByID(ctx, ids)
}

func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !usr.Active() {
		return nil
	}
	return svc.sendPasswordResetMail(usr)
}

func (svc *service) sendPasswordResetMail(usr User) error {
	token, err := MakeToken(svc.conf, usr)
	if err != nil {
		return errors.Wrap(err, "making password reset token")
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password_reset",
		TemplateData: map[string]interface{}{
			"Name":  usr.Name,
			"UID":   EncodeUID(usr),
			"Token": token,
		},
	})
	return nil
}

func (svc *service) ResetPassword(ctx context.Context, data ResetUserPassword) error {
	invalidUID := core.NewValidationError(nil, core.FieldError{Field: "uid", Error: errInvalidValue})

	id, err := decodeUID(data.UID)
	if err != nil {
		return invalidUID
	}
	usr, err := svc.GetByID(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return invalidUID
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if err = verifyToken(svc.conf, usr, data.Token); err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "token", Error: errInvalidValue})
	}

	if err = usr.SetPassword(data.Password); err != nil {
		return errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = core.Now()
	if _, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return errors.Wrap(err, "updating user")
	}
	return nil
}

func (svc *service) AddChild(ctx context.Context, parent User, nu NewUser) (User, error) {
	if !parent.IsParent() {
		return User{}, ErrNotAParent
	}
	nu.Roles = []string{RoleStudent}
	child, err := svc.newUser(nu)
	if err != nil {
		return User{}, err
	}

	err = svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		if child, err = svc.repo.CreateUser(ctx, child, tx); err != nil {
			return errors.Wrap(err, "creating child")
		}
		return errors.Wrap(svc.repo.LinkChild(ctx, parent.ID, child.ID, tx), "linking child")
	})
	if err != nil {
		return User{}, err
	}
	return child, nil
}

func (svc *service) LinkChild(ctx context.Context, parentID, studentID string) error {
	return svc.db.Transact(ctx, func(tx core.DBExecutor) error {
		parent, err := svc.repo.GetUser(ctx, GetFilter{ID: parentID}, tx)
		if err != nil {
			return err
		}
		if !parent.IsParent() {
			return ErrNotAParent
		}
		student, err := svc.repo.GetUser(ctx, GetFilter{ID: studentID}, tx)
		if err != nil {
			return err
		}
		if !student.IsStudent() {
			return ErrNotAStudent
		}
		return errors.Wrap(svc.repo.LinkChild(ctx, parent.ID, student.ID, tx), fmt.Sprintf("linking %s to %s", student.ID, parent.ID))
	})
}

func (svc *service) Children(ctx context.Context, parentID string) ([]User, error) {
	return svc.repo.QueryChildren(ctx, parentID)
}

func (svc *service) Parents(ctx context.Context, studentID string) ([]User, error) {
	return svc.repo.QueryParents(ctx, studentID)
}

func (svc *service) IsParentOf(ctx context.Context, parentID, studentID string) (bool, error) {
	return svc.repo.IsParentOf(ctx, parentID, studentID)
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
