package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
)

type slotApi struct {
	usrSvc     user.Service
	svc        schedule.Service
	bookingSvc booking.Service
	validate   *validator.Validate
}

func registerSlotAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	usrSvc user.Service,
	svc schedule.Service,
	bookingSvc booking.Service,
	validate *validator.Validate,
) {
	api := slotApi{
		usrSvc:     usrSvc,
		svc:        svc,
		bookingSvc: bookingSvc,
		validate:   validate,
	}

	sg := g.Group("/slots", jwt)
	sg.GET("", api.query)
	sg.POST("", api.create)
	sg.GET("/:id", api.retrieve)
	sg.PUT("/:id", api.update)
	sg.POST("/:id/cancel", api.cancel)
	sg.POST("/:id/complete", api.complete)
	sg.GET("/:id/reservations", api.queryReservations)
}

type (
	CancelSlotRequest struct {
		Reason string `json:"reason" validate:"max=500"`
	}

	SettledSlotResponse struct {
		Slot         schedule.Slot `json:"slot"`
		Reservations int           `json:"reservations"`
	}
)

func (api *slotApi) query(ctx echo.Context) error {
	params := newQueryParams(ctx)
	filter := &schedule.QueryFilter{
		ProfessorID: params.String("professor_id"),
		Subject:     params.String("subject"),
		Statuses:    params.Strings("status"),
		From:        params.Time("from"),
		To:          params.Time("to"),
		Limit:       params.Int("limit"),
	}
	if available := params.Bool("available"); available != nil {
		filter.OnlyAvailable = *available
	}
	if err := params.Err(); err != nil {
		return err
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	slots, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying slots")
	}
	if slots == nil {
		slots = []schedule.Slot{}
	}
	return ctx.JSON(http.StatusOK, slots)
}

func (api *slotApi) create(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data schedule.NewSlot
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSlot")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	slot, err := api.svc.Create(ctx.Request().Context(), ctxUsr, data)
	if err != nil {
		return errors.Wrap(err, "creating slot")
	}
	return ctx.JSON(http.StatusCreated, slot)
}

func (api *slotApi) retrieve(ctx echo.Context) error {
	slot, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting slot")
	}
	return ctx.JSON(http.StatusOK, slot)
}

func (api *slotApi) update(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data schedule.UpdateSlot
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSlot")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	slot, err := api.svc.Update(ctx.Request().Context(), ctxUsr, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "updating slot")
	}
	return ctx.JSON(http.StatusOK, slot)
}

func (api *slotApi) cancel(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data CancelSlotRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CancelSlotRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	slot, n, err := api.bookingSvc.CancelSlot(ctx.Request().Context(), ctxUsr, ctx.Param("id"), data.Reason)
	if err != nil {
		return errors.Wrap(err, "cancelling slot")
	}
	return ctx.JSON(http.StatusOK, SettledSlotResponse{Slot: slot, Reservations: n})
}

func (api *slotApi) complete(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	slot, n, err := api.bookingSvc.CompleteSlot(ctx.Request().Context(), ctxUsr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "completing slot")
	}
	return ctx.JSON(http.StatusOK, SettledSlotResponse{Slot: slot, Reservations: n})
}

// queryReservations lists the reservations of a slot visible to the context user.
func (api *slotApi) queryReservations(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	slot, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting slot")
	}

	params := newQueryParams(ctx)
	filter := &booking.QueryFilter{
		SlotID:   slot.ID,
		Statuses: params.Strings("status"),
	}
	if err := params.Err(); err != nil {
		return err
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	list, err := api.bookingSvc.Query(ctx.Request().Context(), ctxUsr, filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying reservations")
	}
	if list == nil {
		list = []booking.Reservation{}
	}
	return ctx.JSON(http.StatusOK, list)
}
