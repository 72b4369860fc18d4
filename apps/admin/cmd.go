package main

import (
	"errors"
	"flag"
	"fmt"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	jobsvc "github.com/trezcool/tutora/services/jobs"
	"github.com/trezcool/tutora/storage/database"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db      *database.DB
	usrRepo user.Repository
	ledger  *wallet.Ledger
	jobs    []jobsvc.Job
	logger  core.Logger
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run a migration command (up, up-by-one, up-to, down, down-to, redo, reset, status, version, create, fix)")
	fmt.Println("  adduser -username USERNAME -email EMAIL [-name NAME] [-role ROLE] [-admin] - create or update a user")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Println("  credit -student USERNAME|EMAIL -amount N -reference REF [-note NOTE] - credit a student's wallet")
	fmt.Println("  sweep - complete ended slots and send due reminders once")
}

func (cli *commandLine) promptPassword(usage func()) (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		usage()
		return "", errHelp
	}
	return string(pwd), nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserUname := addUserCmd.String("username", "", "The user's username.")
	addUserEmail := addUserCmd.String("email", "", "The user's email. The password will be prompted next.")
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserRole := addUserCmd.String("role", "", "The user's role (e.g. professor:).")
	addUserAdmin := addUserCmd.Bool("admin", false, "Grant admin roles.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	creditCmd := flag.NewFlagSet("credit", flag.ContinueOnError)
	creditStudent := creditCmd.String("student", "", "The student's username or email.")
	creditAmount := creditCmd.Int64("amount", 0, "The number of tokens to add.")
	creditRef := creditCmd.String("reference", "", "The payment reference. Credits are applied once per reference.")
	creditNote := creditCmd.String("note", "", "An optional note.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserUname == "" && *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(addUserCmd.Usage)
		if err != nil {
			return err
		}
		return cli.addUser(*addUserUname, *addUserEmail, *addUserName, *addUserRole, pwd, *addUserAdmin)

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(resetPasswordCmd.Usage)
		if err != nil {
			return err
		}
		return cli.resetPassword(*resetPasswordUname, pwd)

	case "credit":
		if err := creditCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *creditStudent == "" || *creditAmount <= 0 || *creditRef == "" {
			creditCmd.Usage()
			return errHelp
		}
		return cli.credit(*creditStudent, *creditAmount, *creditRef, *creditNote)

	case "sweep":
		return cli.sweep()

	default:
		cli.printUsage()
		return errHelp
	}
}
