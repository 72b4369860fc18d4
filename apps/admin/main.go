package main

import (
	"fmt"
	"log"
	"os"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
	"github.com/trezcool/tutora/core/wallet"
	emailsvc "github.com/trezcool/tutora/services/email"
	jobsvc "github.com/trezcool/tutora/services/jobs"
	logsvc "github.com/trezcool/tutora/services/logger"
	smssvc "github.com/trezcool/tutora/services/sms"
	"github.com/trezcool/tutora/storage/database"
	boiledrepos "github.com/trezcool/tutora/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/tutora/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	std := log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(std, conf)
	logger.Enable(!conf.Debug)

	// set up DB
	if err := database.CreateIfNotExist(conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	// set up services
	core.ParseEmailTemplates(conf, logger)
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	usrRepo := boiledrepos.NewUserRepository(db)
	ledger := wallet.NewLedger(db, sqlxrepos.NewWalletRepository(db), nil)
	bookingSvc := booking.NewService(booking.Deps{
		DB:       db,
		Repo:     sqlxrepos.NewReservationRepository(db),
		SlotRepo: sqlxrepos.NewSlotRepository(db),
		UserRepo: usrRepo,
		Ledger:   ledger,
		MailSvc:  mailSvc,
		SMSSvc:   smssvc.NewConsoleService(std),
		Logger:   logger,
		Conf:     conf,
	})

	// start CLI
	cli := commandLine{
		db:      db,
		usrRepo: usrRepo,
		ledger:  ledger,
		jobs:    jobsvc.BookingJobs(bookingSvc),
		logger:  logger,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			std.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
