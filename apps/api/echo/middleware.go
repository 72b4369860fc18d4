package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

// adminMiddleware only lets admins having any of roles through (every admin when roles is empty).
func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if !claims.IsAdmin || !contextHasAnyRole(ctx, roles) {
				return errHttpForbidden
			}
			return next(ctx)
		}
	}
}

// familyMiddleware loads the user identified by the `param` path parameter into the context under key.
// Only that user, one of their parents or an admin get through; everyone else gets a 404.
// accept may reject the loaded user.
func familyMiddleware(svc user.Service, param, key string, accept func(usr user.User) error) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ctxUsr, err := getContextUser(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context user")
			}

			id := ctx.Param(param)
			allowed := id == ctxUsr.ID || ctxUsr.IsAdmin()
			if !allowed && ctxUsr.IsParent() {
				if allowed, err = svc.IsParentOf(ctx.Request().Context(), ctxUsr.ID, id); err != nil {
					return errors.Wrap(err, "checking parenthood")
				}
			}
			if !allowed {
				return errHttpNotFound
			}

			usr, err := svc.GetByID(ctx.Request().Context(), id)
			if err != nil {
				if core.IsNotFound(err) {
					return errHttpNotFound
				}
				return errors.Wrap(err, "finding user by ID")
			}
			if accept != nil {
				if err = accept(usr); err != nil {
					return err
				}
			}
			ctx.Set(key, usr)
			return next(ctx)
		}
	}
}

// ctxUserOrAdminMiddleware loads the `:id` user as "object".
func ctxUserOrAdminMiddleware(svc user.Service) echo.MiddlewareFunc {
	return familyMiddleware(svc, "id", "object", nil)
}

// walletOwnerMiddleware loads the `:student` user as "student". Only students have a wallet.
func walletOwnerMiddleware(svc user.Service) echo.MiddlewareFunc {
	return familyMiddleware(svc, "student", "student", func(usr user.User) error {
		if !usr.IsStudent() {
			return errors.Wrap(wallet.ErrStudentNotFound, usr.ID)
		}
		return nil
	})
}
