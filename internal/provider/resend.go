package provider

import (
	"context"
	"strings"

	"github.com/resend/resend-go/v2"
)

type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", classifyResend(err)
	}
	return sent.Id, nil
}

// classifyResend maps the API's error text onto a Kind. The client does not
// expose status codes, so matching is done on the message.
func classifyResend(err error) error {
	text := strings.ToLower(err.Error())
	kind := KindUnknown
	switch {
	case strings.Contains(text, "too many requests"), strings.Contains(text, "rate limit"), strings.Contains(text, "429"):
		kind = KindThrottled
	case strings.Contains(text, "api key"), strings.Contains(text, "domain is not verified"),
		strings.Contains(text, "not verified"), strings.Contains(text, "restricted"):
		kind = KindConfiguration
	case strings.Contains(text, "validation"), strings.Contains(text, "invalid"):
		kind = KindRejected
	}
	return &SendError{Kind: kind, Message: "resend: " + err.Error(), Err: err}
}
