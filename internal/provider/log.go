package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender only logs. It is meant for local development.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	s.log.Info("email not sent (log provider)", "to", msg.To, "from", msg.From, "message_id", id)
	return id, nil
}
