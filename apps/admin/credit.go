package main

import (
	"context"
	"fmt"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/user"
	"github.com/trezcool/tutora/core/wallet"
	jobsvc "github.com/trezcool/tutora/services/jobs"
)

var errNotAStudent = core.NewRuleError("only students have a wallet")

// credit adds tokens to a student's wallet, once per reference.
func (cli *commandLine) credit(uname string, amount int64, reference, note string) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{uname, uname}})
	if err != nil {
		return err
	}
	if !usr.IsStudent() {
		return errNotAStudent
	}

	entry, created, err := cli.ledger.Credit(ctx, wallet.NewCredit{
		StudentID: usr.ID,
		Amount:    amount,
		Reference: reference,
		Note:      note,
	})
	if err != nil {
		return err
	}
	if !created {
		cli.logger.Warn(fmt.Sprintf("reference %q already credited on %s", entry.Reference, entry.CreatedAt.Format("2006-01-02 15:04")))
		return nil
	}
	cli.logger.Info(fmt.Sprintf("credited %d token(s) to %s", entry.Amount, usr.Username))
	return nil
}

func (cli *commandLine) sweep() error {
	return jobsvc.RunAll(context.Background(), cli.jobs, cli.logger, nil)
}
