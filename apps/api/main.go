package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/thejerf/suture/v4"

	echoapi "github.com/trezcool/tutora/apps/api/echo"
	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/analytics"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	emailsvc "github.com/trezcool/tutora/services/email"
	jobsvc "github.com/trezcool/tutora/services/jobs"
	logsvc "github.com/trezcool/tutora/services/logger"
	metricsvc "github.com/trezcool/tutora/services/metrics"
	smssvc "github.com/trezcool/tutora/services/sms"
	"github.com/trezcool/tutora/storage/database"
	boiledrepos "github.com/trezcool/tutora/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/tutora/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	newLogger := func(prefix string) *logsvc.RollbarLogger {
		logger := logsvc.NewRollbarLogger(log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
		logger.Enable(!conf.Debug)
		return logger
	}
	logger := newLogger("API : ")
	dbLogger := newLogger("DB : ")
	jobsLogger := newLogger("JOBS : ")

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// set up repositories
	usrRepo := boiledrepos.NewUserRepository(db)
	slotRepo := sqlxrepos.NewSlotRepository(db)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	smsSvc := smssvc.NewConsoleService(log.New(os.Stdout, "SMS : ", log.LstdFlags))
	metrics := metricsvc.NewPrometheus()

	usrSvc := user.NewService(db, usrRepo, mailSvc, conf)
	slotSvc := schedule.NewService(db, slotRepo, usrRepo, conf)
	ledger := wallet.NewLedger(db, sqlxrepos.NewWalletRepository(db), metrics)
	bookingSvc := booking.NewService(booking.Deps{
		DB:       db,
		Repo:     sqlxrepos.NewReservationRepository(db),
		SlotRepo: slotRepo,
		UserRepo: usrRepo,
		Ledger:   ledger,
		MailSvc:  mailSvc,
		SMSSvc:   smsSvc,
		Logger:   logger,
		Metrics:  metrics,
		Conf:     conf,
	})
	analyticsSvc := analytics.NewService(boiledrepos.NewAnalyticsRepository(db), usrRepo)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	core.ParseEmailTemplates(conf, logger)

	user.LoadCommonPasswords(logger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Background Jobs

	runners := make([]suture.Service, 0, 2)
	for _, job := range jobsvc.BookingJobs(bookingSvc) {
		runners = append(runners, jobsvc.NewRunner(job, conf.Booking.SweepInterval, jobsLogger, metrics))
	}
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	jobsDone := jobsvc.NewSupervisor("jobs", jobsLogger, conf.Server.ShutdownTimeout, runners...).ServeBackground(jobsCtx)
	defer func() {
		stopJobs()
		if err := <-jobsDone; err != nil && err != context.Canceled {
			jobsLogger.Error(fmt.Sprintf("jobs stopped: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:         conf,
			Logger:       logger,
			Validate:     validate,
			Translator:   translator,
			Metrics:      metrics,
			UserSvc:      usrSvc,
			SlotSvc:      slotSvc,
			BookingSvc:   bookingSvc,
			Ledger:       ledger,
			AnalyticsSvc: analyticsSvc,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*database.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
