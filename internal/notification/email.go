package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"chama/internal/domain"
	"chama/pkg/errors"
)

// MailSender is satisfied by *mailer.Mailer.
type MailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// EmailPublisher mails each alert to a fixed list of operators. The channel
// argument is ignored.
type EmailPublisher struct {
	sender MailSender
	to     []string
}

func NewEmailPublisher(sender MailSender, to []string) *EmailPublisher {
	return &EmailPublisher{sender: sender, to: to}
}

func (p *EmailPublisher) Publish(ctx context.Context, _ string, payload []byte) error {
	var alert domain.Alert
	if err := json.Unmarshal(payload, &alert); err != nil {
		return errors.Wrap(err, "failed to decode alert")
	}

	subject := fmt.Sprintf("[chama] %s %s: %d mismatches", alert.Source, alert.Status, alert.MismatchCount)

	var body bytes.Buffer
	fmt.Fprintln(&body, alert.Message)
	fmt.Fprintln(&body)
	if alert.RunID != nil {
		fmt.Fprintf(&body, "Run:     %s (%s)\n", alert.RunID, alert.RunType)
	}
	fmt.Fprintf(&body, "Alert:   %s\n", alert.ID)
	fmt.Fprintf(&body, "Raised:  %s\n\n", alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if err := json.Indent(&body, payload, "", "  "); err != nil {
		body.Write(payload)
	}

	return p.sender.Send(ctx, p.to, subject, body.String())
}

// Publishers delivers to every publisher in turn and joins their errors.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
