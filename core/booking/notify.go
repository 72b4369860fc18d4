package booking

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/schedule"
	"github.com/trezcool/tutora/core/user"
)

const timeLayout = "2006-01-02 15:04"

// notice templates
const (
	tmplConfirmed     = "reservation_confirmed"
	tmplCancelled     = "reservation_cancelled"
	tmplSlotCancelled = "slot_cancelled"
	tmplReminder      = "lesson_reminder"
)

// notifier tells the student, their parents and the professor about reservation changes.
// It runs once the change is committed: failures are logged, never returned.
type notifier struct {
	usrRepo user.Repository
	mailSvc core.EmailService
	smsSvc  core.SMSService
	logger  core.Logger
}

type notice struct {
	template     string
	subject      string
	sms          string
	reason       string
	toProfessor  bool
	toGuardians  bool
	reservations []Reservation
}

type audience struct {
	professor user.User
	students  map[string]user.User
	parents   map[string][]user.User
}

func (n *notifier) load(ctx context.Context, slot schedule.Slot, rs []Reservation, withParents bool) audience {
	aud := audience{
		students: make(map[string]user.User, len(rs)),
		parents:  make(map[string][]user.User, len(rs)),
	}
	var err error
	if aud.professor, err = n.usrRepo.GetUser(ctx, user.GetFilter{ID: slot.ProfessorID}); err != nil {
		n.logger.Error("notifier: loading professor "+slot.ProfessorID, err)
	}
	for _, r := range rs {
		if _, ok := aud.students[r.StudentID]; ok {
			continue
		}
		student, err := n.usrRepo.GetUser(ctx, user.GetFilter{ID: r.StudentID})
		if err != nil {
			n.logger.Error("notifier: loading student "+r.StudentID, err)
			continue
		}
		aud.students[r.StudentID] = student
		if withParents {
			if aud.parents[r.StudentID], err = n.usrRepo.QueryParents(ctx, r.StudentID); err != nil {
				n.logger.Error("notifier: loading parents of "+r.StudentID, err)
			}
		}
	}
	return aud
}

func (n *notifier) send(ctx context.Context, slot schedule.Slot, nt notice) {
	if n == nil || len(nt.reservations) == 0 {
		return
	}
	aud := n.load(ctx, slot, nt.reservations, nt.toGuardians)

	var (
		emails []*core.EmailMessage
		texts  []*core.SMSMessage
	)
	addressee := func(usr user.User, r Reservation, studentName string) {
		if usr.Email == "" {
			return
		}
		emails = append(emails, &core.EmailMessage{
			To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject:      nt.subject,
			TemplateName: nt.template,
			TemplateData: map[string]interface{}{
				"Name":          usr.Name,
				"StudentName":   studentName,
				"ProfessorName": aud.professor.Name,
				"Subject":       slot.Subject,
				"StartsAt":      slot.StartsAt.Format(timeLayout),
				"EndsAt":        slot.EndsAt.Format(timeLayout),
				"TokenCost":     r.TokenCost,
				"ReservationID": r.ID,
				"Refunded":      r.Refunded,
				"Reason":        nt.reason,
			},
		})
		if usr.Phone != "" && nt.sms != "" {
			texts = append(texts, &core.SMSMessage{
				To:   usr.Phone,
				Body: fmt.Sprintf(nt.sms, slot.Subject, slot.StartsAt.Format(timeLayout)),
			})
		}
	}

	for _, r := range nt.reservations {
		student, ok := aud.students[r.StudentID]
		if !ok {
			continue
		}
		addressee(student, r, student.Name)
		for _, parent := range aud.parents[r.StudentID] {
			addressee(parent, r, student.Name)
		}
		if nt.toProfessor && aud.professor.ID != "" {
			addressee(aud.professor, r, student.Name)
		}
	}

	if len(emails) > 0 && n.mailSvc != nil {
		n.mailSvc.SendMessages(emails...)
	}
	if len(texts) > 0 && n.smsSvc != nil {
		n.smsSvc.SendSMS(texts...)
	}
}

func (n *notifier) confirmed(ctx context.Context, slot schedule.Slot, r Reservation) {
	n.send(ctx, slot, notice{
		template:     tmplConfirmed,
		subject:      "Reservation confirmed",
		sms:          "Booked: %s on %s UTC.",
		toProfessor:  true,
		toGuardians:  true,
		reservations: []Reservation{r},
	})
}

func (n *notifier) cancelled(ctx context.Context, slot schedule.Slot, r Reservation) {
	n.send(ctx, slot, notice{
		template:     tmplCancelled,
		subject:      "Reservation cancelled",
		sms:          "Cancelled: %s on %s UTC.",
		reason:       r.CancelReason,
		toProfessor:  true,
		toGuardians:  true,
		reservations: []Reservation{r},
	})
}

func (n *notifier) slotCancelled(ctx context.Context, slot schedule.Slot, rs []Reservation, reason string) {
	n.send(ctx, slot, notice{
		template:     tmplSlotCancelled,
		subject:      "Lesson cancelled",
		sms:          "The lesson %s on %s UTC was cancelled by the professor.",
		reason:       reason,
		toGuardians:  true,
		reservations: rs,
	})
}

func (n *notifier) reminder(ctx context.Context, slot schedule.Slot, r Reservation) {
	n.send(ctx, slot, notice{
		template:     tmplReminder,
		subject:      "Upcoming lesson",
		sms:          "Reminder: %s starts on %s UTC.",
		toGuardians:  true,
		reservations: []Reservation{r},
	})
}
