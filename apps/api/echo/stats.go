package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/user"
)

type statsApi struct {
	usrSvc user.Service
	svc    analytics.Service
}

func registerAnalyticsAPI(g *echo.Group, jwt echo.MiddlewareFunc, usrSvc user.Service, svc analytics.Service) {
	api := statsApi{usrSvc: usrSvc, svc: svc}

	sg := g.Group("/stats", jwt)
	sg.GET("/professors/:id", api.professor)
	sg.GET("/students/:id", api.student)
	sg.GET("/overview", api.overview, adminMiddleware())
	sg.GET("/monthly", api.monthly, adminMiddleware())
}

// period reads the `from` and `to` query params.
func period(ctx echo.Context) (analytics.Period, error) {
	params := newQueryParams(ctx)
	p := params.Period()
	return p, params.Err()
}

func (api *statsApi) professor(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	p, err := period(ctx)
	if err != nil {
		return err
	}

	stats, err := api.svc.ProfessorStats(ctx.Request().Context(), ctxUsr, ctx.Param("id"), p)
	if err != nil {
		return errors.Wrap(err, "computing professor stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *statsApi) student(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	p, err := period(ctx)
	if err != nil {
		return err
	}

	stats, err := api.svc.StudentStats(ctx.Request().Context(), ctxUsr, ctx.Param("id"), p)
	if err != nil {
		return errors.Wrap(err, "computing student stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *statsApi) overview(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	p, err := period(ctx)
	if err != nil {
		return err
	}

	ov, err := api.svc.Overview(ctx.Request().Context(), ctxUsr, p)
	if err != nil {
		return errors.Wrap(err, "computing overview")
	}
	return ctx.JSON(http.StatusOK, ov)
}

func (api *statsApi) monthly(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	p, err := period(ctx)
	if err != nil {
		return err
	}

	months, err := api.svc.Monthly(ctx.Request().Context(), ctxUsr, p)
	if err != nil {
		return errors.Wrap(err, "computing monthly stats")
	}
	return ctx.JSON(http.StatusOK, months)
}
