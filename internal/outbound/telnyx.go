package outbound

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/wolfman30/triage-notifier/internal/outbound/telnyxclient"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

type messageClient interface {
	SendMessage(ctx context.Context, req telnyxclient.SendMessageRequest) (*telnyxclient.MessageResponse, error)
}

// TelnyxConfig configures the SMS sender.
type TelnyxConfig struct {
	FromNumber         string
	MessagingProfileID string
	// RatePerSec caps outbound sends. Zero or less disables limiting.
	RatePerSec float64
	Logger     *logging.Logger
}

// TelnyxSender delivers dispatches as SMS through Telnyx.
type TelnyxSender struct {
	client  messageClient
	from    string
	profile string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewTelnyxSender wraps a Telnyx client.
func NewTelnyxSender(client *telnyxclient.Client, cfg TelnyxConfig) (*TelnyxSender, error) {
	if client == nil {
		return nil, fmt.Errorf("outbound: telnyx client required")
	}
	return newTelnyxSender(client, cfg)
}

func newTelnyxSender(client messageClient, cfg TelnyxConfig) (*TelnyxSender, error) {
	if strings.TrimSpace(cfg.FromNumber) == "" && strings.TrimSpace(cfg.MessagingProfileID) == "" {
		return nil, fmt.Errorf("outbound: telnyx from number or messaging profile required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &TelnyxSender{
		client:  client,
		from:    strings.TrimSpace(cfg.FromNumber),
		profile: strings.TrimSpace(cfg.MessagingProfileID),
		logger:  logger.Component("outbound"),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s, nil
}

func (s *TelnyxSender) Send(ctx context.Context, d Dispatch) error {
	to := strings.TrimSpace(d.Contact)
	if to == "" {
		return ErrNoContact
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("outbound: rate limit wait: %w", err)
		}
	}
	resp, err := s.client.SendMessage(ctx, telnyxclient.SendMessageRequest{
		From:               s.from,
		To:                 to,
		Body:               d.Body,
		MessagingProfileID: s.profile,
	})
	if err != nil {
		return fmt.Errorf("outbound: telnyx send: %w", err)
	}
	s.logger.Debug("sms queued",
		"patient_id", d.PatientID,
		"message_type", string(d.MessageType),
		"tag", d.Tag,
		"provider_id", resp.ID,
		"provider_status", resp.Status,
	)
	return nil
}
