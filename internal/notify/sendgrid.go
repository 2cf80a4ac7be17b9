package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailcal/internal/models"
	"mailcal/internal/reconcile"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const senderName = "mailcal"

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridNotifier emails a summary of each processed or failed message
type SendGridNotifier struct {
	sender    mailSender
	from      string
	recipient string
	location  *time.Location
}

// NewSendGridNotifier creates a notifier sending from and to recipient
func NewSendGridNotifier(apiKey, recipient string, loc *time.Location) (*SendGridNotifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}
	if recipient == "" {
		return nil, fmt.Errorf("notification recipient not configured")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SendGridNotifier{
		sender:    sendgrid.NewSendClient(apiKey),
		from:      recipient,
		recipient: recipient,
		location:  loc,
	}, nil
}

func (n *SendGridNotifier) NotifySuccess(ctx context.Context, msg models.Message, results []reconcile.Result) error {
	subject := fmt.Sprintf("Calendar updated from %q", msg.Subject)
	return n.send(ctx, subject, successBody(msg, results, n.location))
}

func (n *SendGridNotifier) NotifyFailure(ctx context.Context, msg *models.Message, reason error) error {
	subject := "Calendar update failed"
	var body strings.Builder
	if msg != nil {
		subject = fmt.Sprintf("Calendar update failed for %q", msg.Subject)
		fmt.Fprintf(&body, "Message: %s\nFrom: %s\nDelivered: %s\n\n",
			msg.ID, msg.Sender, msg.DeliveredAt.In(n.location).Format(time.RFC1123))
	}
	fmt.Fprintf(&body, "Error:\n%v\n", reason)
	return n.send(ctx, subject, body.String())
}

func (n *SendGridNotifier) send(ctx context.Context, subject, body string) error {
	from := mail.NewEmail(senderName, n.from)
	to := mail.NewEmail("", n.recipient)
	message := mail.NewSingleEmail(from, subject, to, body, "<pre>"+htmlEscape(body)+"</pre>")

	response, err := n.sender.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}
	return nil
}

func successBody(msg models.Message, results []reconcile.Result, loc *time.Location) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message: %s\nFrom: %s\nDelivered: %s\n\n",
		msg.Subject, msg.Sender, msg.DeliveredAt.In(loc).Format(time.RFC1123))

	if len(results) == 0 {
		sb.WriteString("No events found.\n")
		return sb.String()
	}

	for _, r := range results {
		occ := r.Occurrence
		fmt.Fprintf(&sb, "[%s] %s  %s\n", r.Outcome, occ.Summary, formatSpan(occ, loc))
		for _, removed := range r.Removed {
			fmt.Fprintf(&sb, "    replaces %s  %s\n", removed.Summary, formatSpan(removed, loc))
		}
	}
	return sb.String()
}

func formatSpan(occ models.Occurrence, loc *time.Location) string {
	start, end := occ.Start.In(loc), occ.End.In(loc)
	if occ.AllDay {
		if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
			return start.Format("Mon 2 Jan 2006") + " (all day)"
		}
		return start.Format("Mon 2 Jan") + " - " + end.Format("Mon 2 Jan 2006") + " (all day)"
	}
	return start.Format("Mon 2 Jan 2006 15:04") + " - " + end.Format("15:04")
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
