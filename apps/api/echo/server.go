package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	metricsvc "github.com/trezcool/tutora/services/metrics"
)

type (
	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		Validate       *validator.Validate
		Translator     ut.Translator
		Metrics        *metricsvc.Prometheus // optional
		DisableReqLogs bool

		UserSvc      user.Service
		SlotSvc      schedule.Service
		BookingSvc   booking.Service
		Ledger       *wallet.Ledger
		AnalyticsSvc analytics.Service
	}

	Server struct {
		app      *echo.Echo
		conf     *core.Config
		auth     Auth
		shutdown chan os.Signal
		errors   chan error
	}
)

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		app:      echo.New(),
		conf:     deps.Conf,
		auth:     NewAuth(deps.Conf),
		shutdown: make(chan os.Signal, 1),
		errors:   make(chan error, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup(deps)
	return s
}

func (s *Server) setup(deps ServerDeps) {
	debug := s.conf.Debug && !s.conf.TestMode

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if deps.Metrics != nil {
		s.app.Use(deps.Metrics.Middleware())
	}
	if !(deps.DisableReqLogs || s.conf.TestMode) {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	if debug {
		s.app.Logger.SetLevel(log.DEBUG)
	} else {
		s.app.Logger.SetLevel(log.WARN)
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(deps.Logger, deps.Translator, s.SignalShutdown)
	s.app.Debug = debug

	s.app.GET("/", s.home)
	if deps.Metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	g := s.app.Group("/api")
	jwt := s.auth.middleware()

	registerUserAPI(g, jwt, s.auth, deps.UserSvc, deps.Validate)
	registerSlotAPI(g, jwt, deps.UserSvc, deps.SlotSvc, deps.BookingSvc, deps.Validate)
	registerReservationAPI(g, jwt, deps.UserSvc, deps.BookingSvc, deps.Validate)
	registerWalletAPI(g, jwt, deps.UserSvc, deps.Ledger, deps.Validate)
	registerAnalyticsAPI(g, jwt, deps.UserSvc, deps.AnalyticsSvc)
}

// Start listens on the configured address. Listening errors are sent to Errors().
func (s *Server) Start() {
	if err := s.app.Start(s.conf.Address()); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

// SignalShutdown asks the owner of the Server to shut it down.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default: // already signaled
	}
}

// Shutdown stops the Server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

// Close stops the Server immediately.
func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+" API!")
}
