package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/user"
)

type reservationApi struct {
	usrSvc   user.Service
	svc      booking.Service
	validate *validator.Validate
}

func registerReservationAPI(g *echo.Group, jwt echo.MiddlewareFunc, usrSvc user.Service, svc booking.Service, validate *validator.Validate) {
	api := reservationApi{
		usrSvc:   usrSvc,
		svc:      svc,
		validate: validate,
	}

	rg := g.Group("/reservations", jwt)
	rg.GET("", api.query)
	rg.POST("", api.book)
	rg.GET("/:id", api.retrieve)
	rg.POST("/:id/cancel", api.cancel)
	rg.POST("/:id/rebook", api.rebook)
	rg.POST("/:id/no-show", api.markNoShow)
}

func (api *reservationApi) query(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	params := newQueryParams(ctx)
	filter := &booking.QueryFilter{
		StudentIDs:  params.Strings("student_id"),
		SlotID:      params.String("slot_id"),
		ProfessorID: params.String("professor_id"),
		Statuses:    params.Strings("status"),
		From:        params.Time("from"),
		To:          params.Time("to"),
		Limit:       params.Int("limit"),
	}
	if err := params.Err(); err != nil {
		return err
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	list, err := api.svc.Query(ctx.Request().Context(), ctxUsr, filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying reservations")
	}
	if list == nil {
		list = []booking.Reservation{}
	}
	return ctx.JSON(http.StatusOK, list)
}

func (api *reservationApi) book(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data booking.NewReservation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewReservation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.Book(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return errors.Wrap(err, "booking slot")
	}
	return ctx.JSON(http.StatusCreated, res)
}

func (api *reservationApi) retrieve(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	res, err := api.svc.Get(ctx.Request().Context(), ctxUsr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting reservation")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *reservationApi) cancel(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data booking.CancelReservation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CancelReservation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.Cancel(ctx.Request().Context(), ctxUsr, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "cancelling reservation")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *reservationApi) rebook(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data booking.RebookReservation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RebookReservation")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.Rebook(ctx.Request().Context(), ctxUsr, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "rebooking reservation")
	}
	return ctx.JSON(http.StatusCreated, res)
}

func (api *reservationApi) markNoShow(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	res, err := api.svc.MarkNoShow(ctx.Request().Context(), ctxUsr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking no-show")
	}
	return ctx.JSON(http.StatusOK, res)
}
