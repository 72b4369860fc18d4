package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
)

type userRepository struct {
	db *DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db}
}

func copyUser(usr user.User) user.User {
	if usr.Roles != nil {
		usr.Roles = append([]string{}, usr.Roles...)
	}
	return usr
}

func userField(usr user.User, name string) interface{} {
	switch name {
	case "name":
		return usr.Name
	case "username":
		return usr.Username
	case "email":
		return usr.Email
	case "is_active":
		return usr.Active()
	case "created_at":
		return usr.CreatedAt
	case "updated_at":
		return usr.UpdatedAt
	case "last_login":
		return usr.LastLogin
	}
	return nil
}

func (repo *userRepository) CheckUsernameUniqueness(_ context.Context, username, email string, excludedUsers []user.User, exec ...core.DBExecutor) error {
	excluded := make(map[string]struct{}, len(excludedUsers))
	for _, usr := range excludedUsers {
		excluded[usr.ID] = struct{}{}
	}
	return repo.db.do(exec, func() error {
		for _, usr := range repo.db.users {
			if _, ok := excluded[usr.ID]; ok {
				continue
			}
			if username != "" && usr.Username == username {
				return user.ErrUsernameExists
			}
			if email != "" && usr.Email == email {
				return user.ErrEmailExists
			}
		}
		return nil
	})
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	err := repo.db.do(exec, func() error {
		for _, u := range repo.db.users {
			if usr.Username != "" && u.Username == usr.Username {
				return user.ErrUsernameExists
			}
			if usr.Email != "" && u.Email == usr.Email {
				return user.ErrEmailExists
			}
		}
		usr.ID = uuid.NewString()
		repo.db.users[usr.ID] = copyUser(usr)
		return nil
	})
	if err != nil {
		return user.User{}, err
	}
	return usr, nil
}

func (repo *userRepository) QueryUsers(_ context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	var users []user.User
	_ = repo.db.do(exec, func() error {
		users = make([]user.User, 0, len(repo.db.users))
		for _, usr := range repo.db.users {
			if filter == nil || matchUser(usr, filter) {
				users = append(users, copyUser(usr))
			}
		}
		return nil
	})

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at", Ascending: false}}
	}
	sortRows(users, ordering, userField)
	return users, nil
}

func matchUser(usr user.User, filter *user.QueryFilter) bool {
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(usr.Name), search) &&
			!strings.Contains(usr.Username, search) &&
			!strings.Contains(usr.Email, search) {
			return false
		}
	}
	if len(filter.Roles) > 0 {
		found := false
		for _, role := range filter.Roles {
			if usr.RoleStartsWith(role) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.IsActive != nil && usr.Active() != *filter.IsActive {
		return false
	}
	return inPeriod(usr.CreatedAt, filter.CreatedFrom, filter.CreatedTo)
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	var found user.User
	err := repo.db.do(exec, func() error {
		if filter.ID != "" {
			usr, ok := repo.db.users[filter.ID]
			if !ok {
				return user.ErrNotFound
			}
			found = copyUser(usr)
			return nil
		}
		for _, usr := range repo.db.users {
			var match bool
			switch {
			case filter.Username != "":
				match = usr.Username == filter.Username
			case filter.Email != "":
				match = usr.Email == filter.Email
			case len(filter.UsernameOrEmail) == 2:
				match = (usr.Username != "" && usr.Username == filter.UsernameOrEmail[0]) ||
					(usr.Email != "" && usr.Email == filter.UsernameOrEmail[1])
			}
			if match {
				found = copyUser(usr)
				return nil
			}
		}
		return user.ErrNotFound
	})
	return found, err
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	err := repo.db.do(exec, func() error {
		if _, ok := repo.db.users[usr.ID]; !ok {
			return user.ErrNotFound
		}
		for id, u := range repo.db.users {
			if id == usr.ID {
				continue
			}
			if usr.Username != "" && u.Username == usr.Username {
				return user.ErrUsernameExists
			}
			if usr.Email != "" && u.Email == usr.Email {
				return user.ErrEmailExists
			}
		}
		repo.db.users[usr.ID] = copyUser(usr)
		return nil
	})
	if err != nil {
		return user.User{}, err
	}
	return usr, nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	var res user.User
	err := repo.db.do(exec, func() error {
		var err error
		tx := &Tx{db: repo.db}
		if _, ok := repo.db.users[usr.ID]; ok && usr.ID != "" {
			res, err = repo.UpdateUser(ctx, usr, tx)
		} else {
			res, err = repo.CreateUser(ctx, usr, tx)
		}
		return err
	})
	return res, err
}

func (repo *userRepository) DeleteUsersByID(_ context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	var deleted int
	err := repo.db.do(exec, func() error {
		for _, id := range ids {
			if repo.db.referenced(id) {
				return user.ErrInUse
			}
		}
		for _, id := range ids {
			if _, ok := repo.db.users[id]; !ok {
				continue
			}
			delete(repo.db.users, id)
			delete(repo.db.children, id)
			for _, kids := range repo.db.children {
				delete(kids, id)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// referenced reports whether a slot, a reservation or a wallet points to the user.
func (t tables) referenced(id string) bool {
	if _, ok := t.wallets[id]; ok {
		return true
	}
	for _, s := range t.slots {
		if s.ProfessorID == id {
			return true
		}
	}
	for _, r := range t.reservations {
		if r.StudentID == id || r.BookedBy == id {
			return true
		}
	}
	return false
}

func (repo *userRepository) LinkChild(_ context.Context, parentID, studentID string, exec ...core.DBExecutor) error {
	return repo.db.do(exec, func() error {
		if _, ok := repo.db.users[parentID]; !ok {
			return user.ErrNotFound
		}
		if _, ok := repo.db.users[studentID]; !ok {
			return user.ErrNotFound
		}
		kids, ok := repo.db.children[parentID]
		if !ok {
			kids = make(map[string]struct{})
			repo.db.children[parentID] = kids
		}
		kids[studentID] = struct{}{}
		return nil
	})
}

func (repo *userRepository) QueryChildren(_ context.Context, parentID string, exec ...core.DBExecutor) ([]user.User, error) {
	var users []user.User
	_ = repo.db.do(exec, func() error {
		users = make([]user.User, 0, len(repo.db.children[parentID]))
		for id := range repo.db.children[parentID] {
			if usr, ok := repo.db.users[id]; ok {
				users = append(users, copyUser(usr))
			}
		}
		return nil
	})
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (repo *userRepository) QueryParents(_ context.Context, studentID string, exec ...core.DBExecutor) ([]user.User, error) {
	var users []user.User
	_ = repo.db.do(exec, func() error {
		users = make([]user.User, 0, 2)
		for parentID, kids := range repo.db.children {
			if _, ok := kids[studentID]; !ok {
				continue
			}
			if usr, ok := repo.db.users[parentID]; ok {
				users = append(users, copyUser(usr))
			}
		}
		return nil
	})
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (repo *userRepository) IsParentOf(_ context.Context, parentID, studentID string, exec ...core.DBExecutor) (bool, error) {
	var ok bool
	_ = repo.db.do(exec, func() error {
		_, ok = repo.db.children[parentID][studentID]
		return nil
	})
	return ok, nil
}
