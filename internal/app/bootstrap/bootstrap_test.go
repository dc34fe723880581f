package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/triage-notifier/internal/config"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/ledger"
	"github.com/wolfman30/triage-notifier/internal/lifecycle"
	"github.com/wolfman30/triage-notifier/internal/outbound"
	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/scheduler"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

func testConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Env:           "test",
		DryRun:        true,
		SettingsPath:  filepath.Join(t.TempDir(), "settings.yaml"),
		StoreBackend:  appconfig.BackendMemory,
		LedgerBackend: appconfig.BackendSame,
		RedisPrefix:   "test",
		TickSchedule:  "@every 1m",
		TickTimeout:   50 * time.Second,
	}
}

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logging.Nop(), true))
	assert.Nil(t, BuildRedisClient(context.Background(), nil, logging.Nop(), false))
}

func TestBuildRedisClientVerifiesConnection(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := &appconfig.Config{RedisAddr: mr.Addr()}

	client := BuildRedisClient(context.Background(), cfg, logging.Nop(), true)
	require.NotNil(t, client)
	_ = client.Close()

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), cfg, logging.Nop(), true))
}

func TestOpenStoresMemory(t *testing.T) {
	stores, err := OpenStores(context.Background(), testConfig(t), aws.Config{}, logging.Nop())
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &ledger.MemoryStore{}, stores.Ledger)
	assert.IsType(t, &lifecycle.MemoryStore{}, stores.Lifecycle)
	assert.IsType(t, &history.MemoryStore{}, stores.History)
	assert.Equal(t, appconfig.BackendMemory, stores.LedgerBackend)
}

func TestOpenStoresSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreBackend = appconfig.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "data", "notifier.db")

	stores, err := OpenStores(context.Background(), cfg, aws.Config{}, logging.Nop())
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &ledger.SQLiteStore{}, stores.Ledger)
	assert.IsType(t, &lifecycle.SQLiteStore{}, stores.Lifecycle)
	assert.IsType(t, &history.SQLStore{}, stores.History)
}

func TestOpenStoresRedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.LedgerBackend = appconfig.BackendRedis
	cfg.RedisAddr = mr.Addr()

	stores, err := OpenStores(context.Background(), cfg, aws.Config{}, logging.Nop())
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &ledger.RedisStore{}, stores.Ledger)
	assert.IsType(t, &lifecycle.MemoryStore{}, stores.Lifecycle)
}

func TestOpenStoresDynamoLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerBackend = appconfig.BackendDynamoDB
	cfg.LedgerTable = "reservations"

	stores, err := OpenStores(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.Nop())
	require.NoError(t, err)
	defer stores.Close()
	assert.IsType(t, &ledger.DynamoStore{}, stores.Ledger)
}

func TestOpenStoresRejectsBadBackends(t *testing.T) {
	cases := map[string]func(*appconfig.Config){
		"unknown store":        func(c *appconfig.Config) { c.StoreBackend = "mongo" },
		"unknown ledger":       func(c *appconfig.Config) { c.LedgerBackend = "etcd" },
		"postgres without url": func(c *appconfig.Config) { c.StoreBackend = appconfig.BackendPostgres },
		"redis without addr":   func(c *appconfig.Config) { c.LedgerBackend = appconfig.BackendRedis },
		"dynamo without table": func(c *appconfig.Config) { c.LedgerBackend = appconfig.BackendDynamoDB },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			_, err := OpenStores(context.Background(), cfg, aws.Config{}, logging.Nop())
			assert.Error(t, err)
		})
	}
	_, err := OpenStores(context.Background(), nil, aws.Config{}, logging.Nop())
	assert.Error(t, err)
}

func TestBuildSender(t *testing.T) {
	cfg := testConfig(t)
	sender, err := BuildSender(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &outbound.LogSender{}, sender)

	cfg.DryRun = false
	_, err = BuildSender(cfg, logging.Nop())
	assert.Error(t, err, "telnyx key required outside dry run")

	cfg.TelnyxAPIKey = "KEY"
	_, err = BuildSender(cfg, logging.Nop())
	assert.Error(t, err, "from number or profile required")

	cfg.TelnyxFromNumber = "+15550001111"
	sender, err = BuildSender(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &outbound.TelnyxSender{}, sender)
}

func TestBuildQueueSource(t *testing.T) {
	cfg := testConfig(t)
	src, err := BuildQueueSource(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &queue.StaticSource{}, src)

	cfg.QueueBaseURL = "https://chat.example.com/api"
	_, err = BuildQueueSource(cfg, logging.Nop())
	assert.Error(t, err, "no channels and no default token")

	cfg.QueueChannelTokens = "whatsapp=tok-w"
	cfg.QueueChannels = "whatsapp"
	src, err = BuildQueueSource(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &queue.HTTPSource{}, src)
}

func TestBuildAlerter(t *testing.T) {
	cfg := testConfig(t)
	assert.Nil(t, BuildAlerter(cfg, aws.Config{}, logging.Nop()), "no recipients")

	cfg.AlertEmails = "ops@example.com"
	assert.Nil(t, BuildAlerter(cfg, aws.Config{}, logging.Nop()), "no provider")

	cfg.SESFromEmail = "alerts@example.com"
	assert.NotNil(t, BuildAlerter(cfg, aws.Config{Region: "us-east-1"}, logging.Nop()))

	cfg.SendGridAPIKey = "SG.key"
	assert.NotNil(t, BuildAlerter(cfg, aws.Config{}, logging.Nop()))
}

func TestBuildNotifierRunsATick(t *testing.T) {
	n, err := BuildNotifier(context.Background(), testConfig(t), aws.Config{Region: "us-east-1"}, prometheus.NewRegistry(), logging.Nop())
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.Settings.Current(), "missing settings file falls back to defaults")
	assert.Nil(t, n.Exporter)
	assert.Nil(t, n.Alerter)
	assert.Equal(t, scheduler.StateStopped, n.Scheduler.Status().State)

	out, err := n.Coordinator.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.Fetched)
}

func TestBuildNotifierWiresExporter(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveBucket = "archive"

	n, err := BuildNotifier(context.Background(), cfg, aws.Config{Region: "us-east-1"}, prometheus.NewRegistry(), logging.Nop())
	require.NoError(t, err)
	defer n.Close()
	assert.True(t, n.Exporter.Enabled())
}

func TestBuildNotifierFailsOnBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickSchedule = "every now and then"
	_, err := BuildNotifier(context.Background(), cfg, aws.Config{}, prometheus.NewRegistry(), logging.Nop())
	assert.Error(t, err)
}

func TestBuildNotifierRequiresAbandonPastTickTimeout(t *testing.T) {
	cases := []struct {
		name    string
		tick    time.Duration
		abandon time.Duration
		wantErr bool
	}{
		{"abandon shorter than tick", 50 * time.Second, 30 * time.Second, true},
		{"abandon equal to tick", time.Minute, time.Minute, true},
		{"default abandon under long tick", 3 * time.Minute, 0, true},
		{"unbounded tick", 0, 2 * time.Minute, true},
		{"abandon past tick", 50 * time.Second, 2 * time.Minute, false},
		{"default abandon past tick", 50 * time.Second, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.TickTimeout = tc.tick
			cfg.AbandonTimeout = tc.abandon

			n, err := BuildNotifier(context.Background(), cfg, aws.Config{}, prometheus.NewRegistry(), logging.Nop())
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "TICK_TIMEOUT")
				return
			}
			require.NoError(t, err)
			n.Close()
		})
	}
}
