package main

import (
	"context"
	"fmt"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
)

// addUser updates or creates a user.User
func (cli *commandLine) addUser(uname, email, name, role, pwd string, isAdmin bool) error {
	var usr user.User
	var err error
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	if usr, err = cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{uname, email}}); err != nil {
		if !core.IsNotFound(err) {
			return err
		}
		now := core.Now()
		usr = user.User{
			Username:  uname,
			Email:     email,
			CreatedAt: now,
		}
	}
	if name = core.CleanString(name); name != "" {
		usr.Name = name
	}
	if usr.Name == "" {
		usr.Name = uname
	}
	if role != "" {
		if user.RolePriority(role) == 0 {
			return fmt.Errorf("%q: unknown role", role)
		}
		usr.Roles = appendRole(usr.Roles, role)
	}
	if isAdmin {
		for _, r := range user.AdminRoles {
			usr.Roles = appendRole(usr.Roles, r)
		}
	}
	usr.SetActive(true)
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}
	usr.UpdatedAt = core.Now()
	if _, err := cli.usrRepo.UpdateOrCreateUser(ctx, usr); err != nil {
		return err
	}
	return nil
}

func appendRole(roles []string, role string) []string {
	for _, r := range roles {
		if r == role {
			return roles
		}
	}
	return append(roles, role)
}
