package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
)

var errStudentNotFoundInCtx = errors.New("student object not found in echo.Context")

type walletApi struct {
	usrSvc   user.Service
	ledger   *wallet.Ledger
	validate *validator.Validate
}

func registerWalletAPI(g *echo.Group, jwt echo.MiddlewareFunc, usrSvc user.Service, ledger *wallet.Ledger, validate *validator.Validate) {
	api := walletApi{
		usrSvc:   usrSvc,
		ledger:   ledger,
		validate: validate,
	}

	wg := g.Group("/wallets/:student", jwt, walletOwnerMiddleware(usrSvc))
	wg.GET("", api.balance)
	wg.GET("/entries", api.queryEntries)
	wg.POST("/credits", api.credit, adminMiddleware())
	wg.POST("/debits", api.debit, adminMiddleware())
}

func (api *walletApi) balance(ctx echo.Context) error {
	student, ok := ctx.Get("student").(user.User)
	if !ok {
		return errors.Wrap(errStudentNotFoundInCtx, "retrieving student from context")
	}
	w, err := api.ledger.Balance(ctx.Request().Context(), student.ID)
	if err != nil {
		return errors.Wrap(err, "getting balance")
	}
	return ctx.JSON(http.StatusOK, w)
}

func (api *walletApi) queryEntries(ctx echo.Context) error {
	student, ok := ctx.Get("student").(user.User)
	if !ok {
		return errors.Wrap(errStudentNotFoundInCtx, "retrieving student from context")
	}

	params := newQueryParams(ctx)
	filter := wallet.EntryFilter{
		StudentID:     student.ID,
		Kinds:         params.Strings("kind"),
		ReservationID: params.String("reservation_id"),
		From:          params.Time("from"),
		To:            params.Time("to"),
		Limit:         params.Int("limit"),
	}
	if err := params.Err(); err != nil {
		return err
	}

	entries, err := api.ledger.Entries(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying entries")
	}
	if entries == nil {
		entries = []wallet.Entry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

// credit answers 201 for a new credit and 200 when the reference was already used.
func (api *walletApi) credit(ctx echo.Context) error {
	student, ok := ctx.Get("student").(user.User)
	if !ok {
		return errors.Wrap(errStudentNotFoundInCtx, "retrieving student from context")
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data wallet.NewCredit
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewCredit")
	}
	data.Clean()
	if err := api.validate.Struct(data); err != nil {
		return err
	}
	data.StudentID = student.ID
	data.CreatedBy = claims.Subject

	entry, created, err := api.ledger.Credit(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "crediting wallet")
	}
	if created {
		return ctx.JSON(http.StatusCreated, entry)
	}
	return ctx.JSON(http.StatusOK, entry)
}

func (api *walletApi) debit(ctx echo.Context) error {
	student, ok := ctx.Get("student").(user.User)
	if !ok {
		return errors.Wrap(errStudentNotFoundInCtx, "retrieving student from context")
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data wallet.NewDebit
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewDebit")
	}
	data.Clean()
	if err := api.validate.Struct(data); err != nil {
		return err
	}
	data.StudentID = student.ID
	data.CreatedBy = claims.Subject

	entry, err := api.ledger.Debit(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "debiting wallet")
	}
	return ctx.JSON(http.StatusCreated, entry)
}
