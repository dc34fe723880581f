// Package outbound delivers notification messages to waiting patients.
package outbound

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// ErrNoContact is returned when a dispatch has nowhere to go.
var ErrNoContact = errors.New("outbound: patient has no contact")

// Dispatch is one reserved (patient, message type) pair ready to send.
type Dispatch struct {
	PatientID   string
	Contact     string
	DisplayName string
	ChannelID   string
	MessageType eligibility.MessageType
	Tag         string
	Body        string
}

// Sender delivers a single dispatch. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, d Dispatch) error
}

// RenderBody substitutes {name} in tmpl with the patient's display name,
// falling back to a neutral greeting when no name is known.
func RenderBody(tmpl, displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(tmpl, "{name}", name)
}

// LogSender writes dispatches to the log instead of delivering them.
type LogSender struct {
	logger *logging.Logger
}

// NewLogSender returns a dry-run sender.
func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger.Component("outbound")}
}

func (s *LogSender) Send(ctx context.Context, d Dispatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("dry run dispatch",
		"patient_id", d.PatientID,
		"message_type", string(d.MessageType),
		"tag", d.Tag,
		"channel_id", d.ChannelID,
		"body_len", len(d.Body),
	)
	return nil
}
