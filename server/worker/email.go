package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

const EmailDeliveryName = "email_delivery"

var emailBodyTmpl = template.Must(template.New("").Parse(
	`<p>Hi {{ .RecipientName }},</p>
<p>{{ .Body }}</p>
<p>— The Reclaim team</p>
`))

// Email is a rendered message handed to the mail integration.
type Email struct {
	To      string
	Subject string
	Body    []byte
}

// MailService delivers email through the mail integration.
type MailService interface {
	Send(ctx context.Context, e Email) error
}

// EmailDelivery renders and sends one transactional email.
type EmailDelivery struct {
	Mailer MailService
	Log    kitlog.Logger
}

func (e *EmailDelivery) Name() string {
	return EmailDeliveryName
}

type EmailDeliveryArgs struct {
	To            string `json:"to"`
	RecipientName string `json:"recipient_name"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
}

func (e *EmailDelivery) Process(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
	var args EmailDeliveryArgs
	if err := json.Unmarshal(def.Payload, &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if args.To == "" {
		return nil, fmt.Errorf("missing recipient")
	}

	var buf bytes.Buffer
	if err := emailBodyTmpl.Execute(&buf, &args); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}

	if err := e.Mailer.Send(ctx, Email{
		To:      args.To,
		Subject: args.Subject,
		Body:    buf.Bytes(),
	}); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}

	level.Debug(e.Log).Log("msg", "delivered email", "to", args.To, "subject", args.Subject)

	result, err := json.Marshal(map[string]string{"delivered_to": args.To})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return result, nil
}
