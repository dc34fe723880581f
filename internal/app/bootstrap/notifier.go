package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"

	appconfig "github.com/wolfman30/triage-notifier/internal/config"
	"github.com/wolfman30/triage-notifier/internal/dispatch"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/notify"
	"github.com/wolfman30/triage-notifier/internal/observability/metrics"
	"github.com/wolfman30/triage-notifier/internal/outbound"
	"github.com/wolfman30/triage-notifier/internal/outbound/telnyxclient"
	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/scheduler"
	"github.com/wolfman30/triage-notifier/internal/settings"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// Notifier is the fully wired runtime shared by cmd/notifier and
// cmd/tick-lambda.
type Notifier struct {
	Settings    *settings.Manager
	Stores      *Stores
	History     history.Store
	Exporter    *history.Exporter
	Alerter     *notify.Alerter
	Metrics     *metrics.DispatchMetrics
	Coordinator *dispatch.Coordinator
	Scheduler   *scheduler.Scheduler
}

// Close releases the stores.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.Stores.Close()
}

// BuildNotifier loads settings, opens the stores and wires the coordinator
// and scheduler. The settings file is loaded once; callers start Watch
// themselves when they want hot reload. reg may be nil.
func BuildNotifier(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*Notifier, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := checkTimeouts(cfg); err != nil {
		return nil, err
	}

	mgr := settings.NewManager(cfg.SettingsPath, logger)
	snap, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load settings: %w", err)
	}

	source, err := BuildQueueSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	sender, err := BuildSender(cfg, logger)
	if err != nil {
		return nil, err
	}

	stores, err := OpenStores(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	var sinks []history.Sink
	if url := strings.TrimSpace(cfg.HistoryQueueURL); url != "" {
		sinks = append(sinks, history.NewSQSPublisher(sqs.NewFromConfig(awsCfg), url))
		logger.Info("history events enabled", "queue_url", url)
	}
	recorder := history.NewRecorder(stores.History, logger, sinks...)

	var exporter *history.Exporter
	if bucket := strings.TrimSpace(cfg.ArchiveBucket); bucket != "" {
		exporter = history.NewExporter(stores.History, s3.NewFromConfig(awsCfg), bucket, snap.Calendar.Location(), logger)
		logger.Info("history export enabled", "bucket", bucket)
	}

	dm := metrics.NewDispatchMetrics(reg)
	coordCfg := dispatch.Config{
		Source:             source,
		Settings:           mgr,
		Ledger:             stores.Ledger,
		Lifecycle:          stores.Lifecycle,
		History:            recorder,
		Sender:             sender,
		Metrics:            dm,
		Logger:             logger,
		AbandonTimeout:     cfg.AbandonTimeout,
		SendConcurrency:    cfg.SendConcurrency,
		LifecycleRetention: cfg.LifecycleRetention,
		HistoryRetention:   cfg.HistoryRetention,
	}
	if exporter != nil {
		coordCfg.Exporter = exporter
	}
	coord, err := dispatch.New(coordCfg)
	if err != nil {
		stores.Close()
		return nil, err
	}

	alerter := BuildAlerter(cfg, awsCfg, logger)
	sched, err := scheduler.New(coord, scheduler.Config{
		Spec:        cfg.TickSchedule,
		Location:    snap.Calendar.Location(),
		TickTimeout: cfg.TickTimeout,
		OnFailure: func(ctx context.Context, out dispatch.Outcome, err error) {
			alerter.TickFailed(ctx, out.TickID, err)
		},
		Metrics: dm,
		Logger:  logger,
	})
	if err != nil {
		stores.Close()
		return nil, err
	}

	return &Notifier{
		Settings:    mgr,
		Stores:      stores,
		History:     recorder,
		Exporter:    exporter,
		Alerter:     alerter,
		Metrics:     dm,
		Coordinator: coord,
		Scheduler:   sched,
	}, nil
}

// checkTimeouts rejects an abandon timeout that a slow but live tick could
// outlast, since the sweep would then release its reservations mid-send.
func checkTimeouts(cfg *appconfig.Config) error {
	abandon := cfg.AbandonTimeout
	if abandon <= 0 {
		abandon = dispatch.DefaultAbandonTimeout
	}
	if cfg.TickTimeout <= 0 {
		return errors.New("bootstrap: TICK_TIMEOUT must be positive so ABANDON_TIMEOUT can bound it")
	}
	if abandon <= cfg.TickTimeout {
		return fmt.Errorf("bootstrap: ABANDON_TIMEOUT (%s) must exceed TICK_TIMEOUT (%s)", abandon, cfg.TickTimeout)
	}
	return nil
}

// BuildQueueSource returns the HTTP source for QUEUE_BASE_URL, or an empty
// static source when no vendor is configured.
func BuildQueueSource(cfg *appconfig.Config, logger *logging.Logger) (queue.Source, error) {
	if strings.TrimSpace(cfg.QueueBaseURL) == "" {
		logger.Warn("QUEUE_BASE_URL not set; the waiting queue is always empty")
		return queue.NewStaticSource(), nil
	}
	src, err := queue.NewHTTPSource(queue.HTTPConfig{
		BaseURL:  cfg.QueueBaseURL,
		Channels: appconfig.SplitList(cfg.QueueChannels),
		Tokens: queue.TokenPolicy{
			Default:  cfg.QueueAPIToken,
			Channels: appconfig.SplitPairs(cfg.QueueChannelTokens),
		},
		Timeout: cfg.QueueTimeout,
		Logger:  logger.Component("queue"),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return src, nil
}

// BuildSender returns the Telnyx sender, or the logging sender in dry-run mode.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) (outbound.Sender, error) {
	if cfg.DryRun {
		logger.Info("dry run enabled; messages are logged, not sent")
		return outbound.NewLogSender(logger), nil
	}
	if strings.TrimSpace(cfg.TelnyxAPIKey) == "" {
		return nil, errors.New("bootstrap: TELNYX_API_KEY is required unless DRY_RUN=true")
	}
	client, err := telnyxclient.New(telnyxclient.Config{
		APIKey:  cfg.TelnyxAPIKey,
		Timeout: cfg.TelnyxTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: telnyx client: %w", err)
	}
	sender, err := outbound.NewTelnyxSender(client, outbound.TelnyxConfig{
		FromNumber:         cfg.TelnyxFromNumber,
		MessagingProfileID: cfg.TelnyxMessagingProfileID,
		RatePerSec:         cfg.SendRatePerSec,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return sender, nil
}

// BuildAlerter picks SendGrid when an API key is set, otherwise SES when a
// sender address is set. It returns nil when alerts are not configured.
func BuildAlerter(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *notify.Alerter {
	recipients := appconfig.SplitList(cfg.AlertEmails)
	if len(recipients) == 0 {
		return nil
	}
	var email notify.EmailSender
	switch {
	case strings.TrimSpace(cfg.SendGridAPIKey) != "":
		email = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case strings.TrimSpace(cfg.SESFromEmail) != "":
		email = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		logger.Warn("ALERT_EMAILS set but no email provider configured; alerts disabled")
		return nil
	}
	return notify.NewAlerter(email, notify.AlerterConfig{
		Recipients:  recipients,
		MinInterval: cfg.AlertMinInterval,
		Env:         cfg.Env,
	}, logger)
}
