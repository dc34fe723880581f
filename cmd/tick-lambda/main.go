package main

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/triage-notifier/cmd/mainconfig"
	"github.com/wolfman30/triage-notifier/internal/app/bootstrap"
	appconfig "github.com/wolfman30/triage-notifier/internal/config"
	"github.com/wolfman30/triage-notifier/internal/dispatch"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

type ticker interface {
	Tick(ctx context.Context) (dispatch.Outcome, error)
}

type tickHandler struct {
	ticker ticker
	// reload refreshes settings before each tick. A failure keeps the
	// previous snapshot.
	reload func() error
	alert  func(ctx context.Context, tickID string, err error)
	logger *logging.Logger
}

func main() {
	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// sqlite and memory stores do not survive cold starts
	if cfg.StoreBackend != appconfig.BackendPostgres {
		logger.Warn("tick lambda running on a non-shared store", "store_backend", cfg.StoreBackend)
	}

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	n, err := bootstrap.BuildNotifier(ctx, cfg, awsCfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("failed to build notifier", "error", err)
		os.Exit(1)
	}
	defer n.Close()

	h := &tickHandler{
		ticker: n.Coordinator,
		reload: func() error {
			_, err := n.Settings.Load()
			return err
		},
		alert:  n.Alerter.TickFailed,
		logger: logger,
	}
	lambda.Start(h.handle)
}

func (h *tickHandler) handle(ctx context.Context, evt events.CloudWatchEvent) (dispatch.Outcome, error) {
	log := h.logger.With("event_id", evt.ID)
	if src := strings.TrimSpace(evt.Source); src != "" && src != "aws.events" {
		log.Warn("unexpected event source", "source", src)
	}
	if h.reload != nil {
		if err := h.reload(); err != nil {
			log.Warn("settings reload failed; keeping previous", "error", err)
		}
	}

	out, err := h.ticker.Tick(ctx)
	if err != nil {
		log.Error("tick failed", "tick_id", out.TickID, "status", out.Status, "error", err)
		if h.alert != nil {
			h.alert(ctx, out.TickID, err)
		}
		return out, err
	}
	log.Info("tick complete", "tick_id", out.TickID, "sent", out.Sent, "failed", out.Failed)
	return out, nil
}
