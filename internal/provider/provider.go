// Package provider adapts transactional email services to a single Sender
// capability. Senders are stateless and safe for concurrent use.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	// Send hands one message to the provider and returns its message id.
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
}

type Kind string

const (
	// KindThrottled is an account-wide rate limit. Retry the whole batch later.
	KindThrottled Kind = "throttled"
	// KindRejected concerns this message only and is permanent.
	KindRejected Kind = "rejected"
	// KindConfiguration needs an operator.
	KindConfiguration Kind = "configuration"
	// KindUnknown is treated as transient.
	KindUnknown Kind = "unknown"
)

type SendError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// KindOf classifies any error returned by a Sender. Errors that are not a
// SendError are unknown.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// CodeOf returns the provider error code, if any.
func CodeOf(err error) string {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Settings selects and configures a Sender.
type Settings struct {
	Provider         string
	SESRegion        string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
	ResendAPIKey     string
}

func New(s Settings) (Sender, error) {
	switch s.Provider {
	case "ses":
		return NewSESSender(s.SESRegion, s.AccessKeyID, s.SecretAccessKey, s.ConfigurationSet)
	case "resend":
		return NewResendSender(s.ResendAPIKey), nil
	case "log":
		return NewLogSender(nil), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", s.Provider)
}
