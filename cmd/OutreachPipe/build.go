package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/alerting"
	"github.com/BTreeMap/OutreachPipe/internal/api"
	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/lock"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/recovery"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildRecovery returns the startup pass and the periodic pass. Only the
// startup pass fails batch runs left "running", since no run of this process
// can have started yet.
func buildRecovery(clock util.Clock, st store.Store, queue *dlq.Queue) (startup, periodic *recovery.Manager) {
	startup = recovery.NewManager(clock)
	periodic = recovery.NewManager(clock)
	for _, mgr := range []*recovery.Manager{startup, periodic} {
		mgr.Register(recovery.RetryingRecords(queue, staleRetryAfter))
		mgr.Register(recovery.LeadClaims(st, claimTTL))
		mgr.Register(recovery.OutboxMessages(st, staleOutboxAfter))
	}
	startup.Register(recovery.InterruptedRuns(st))
	return startup, periodic
}

func buildBusinessHours(config Config, loc *time.Location) (scheduler.BusinessHours, error) {
	days, err := scheduler.ParseDays(config.BusinessDays)
	if err != nil {
		return scheduler.BusinessHours{}, fmt.Errorf("OUTREACH_BUSINESS_DAYS: %w", err)
	}
	hours := scheduler.BusinessHours{
		Location:  loc,
		StartHour: config.BusinessStart,
		EndHour:   config.BusinessEnd,
		Days:      days,
	}
	if err := hours.Validate(); err != nil {
		return scheduler.BusinessHours{}, err
	}
	return hours, nil
}

func buildDLQPolicy(config Config) dlq.Policy {
	return dlq.Policy{
		MaxAttempts:    config.DLQMaxAttempts,
		BackoffBase:    config.DLQBackoffBase,
		BackoffCeiling: config.DLQBackoffCeiling,
	}
}

func buildEngineConfig(config Config, hours scheduler.BusinessHours) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.BatchSize = config.BatchSize
	cfg.Workers = config.Workers
	cfg.BusinessHours = hours
	cfg.LeadLocalHours = config.LeadLocalHours
	return cfg
}

// buildTransport selects the mail transport and wraps it in address validation.
func buildTransport(config Config) (messaging.Transport, error) {
	var t messaging.Transport
	switch config.MailTransport {
	case "smtp":
		t = messaging.NewSMTPTransport(messaging.SMTPConfig{
			Host:      config.SMTPHost,
			Port:      config.SMTPPort,
			Username:  config.SMTPUsername,
			Password:  config.SMTPPassword,
			FromEmail: config.SMTPFromEmail,
			FromName:  config.SMTPFromName,
		})
	case "webhook":
		t = messaging.NewWebhookTransport(messaging.WebhookURLs{
			Initial:    config.WebhookURLInitial,
			FollowUp5:  config.WebhookURLFollowUp5,
			FollowUp10: config.WebhookURLFollowUp10,
		}, nil)
	case "log":
		t = messaging.NewLogTransport()
	default:
		return nil, fmt.Errorf("unknown mail transport %q", config.MailTransport)
	}
	slog.Info("Mail transport configured", "transport", t.Name(), "verify_mx", config.VerifyMX)
	return messaging.NewValidatingTransport(t, config.VerifyMX), nil
}

// buildLocker returns the Redis locker when REDIS_ADDR is set, else an
// in-process one. The returned func closes the Redis client.
func buildLocker(ctx context.Context, config Config, clock util.Clock) (lock.Locker, func(), error) {
	if config.RedisAddr == "" {
		return lock.NewLocalLocker(clock), func() {}, nil
	}
	client := lock.NewRedisClient(config.RedisAddr, config.RedisPassword, config.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", config.RedisAddr, err)
	}
	slog.Info("Using Redis run lock", "addr", config.RedisAddr)
	return lock.NewRedisLocker(client, ""), func() { client.Close() }, nil
}

// buildPublisher returns the AMQP publisher when AMQP_URL is set, else the log publisher.
func buildPublisher(config Config) (events.Publisher, error) {
	if config.AMQPURL == "" {
		return events.LogPublisher{}, nil
	}
	pub, err := events.NewAMQPPublisher(config.AMQPURL, events.DefaultExchange)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP: %w", err)
	}
	return pub, nil
}

// buildNotifier combines the configured alert channels. It returns nil when
// none is configured.
func buildNotifier(config Config) alerting.Notifier {
	var notifiers alerting.Multi
	if config.TwilioAccountSID != "" {
		n, err := alerting.NewTwilioNotifier(
			alerting.WithAccountSID(config.TwilioAccountSID),
			alerting.WithAuthToken(config.TwilioAuthToken),
			alerting.WithFromNumber(config.TwilioFromNumber),
			alerting.WithOperatorPhone(config.OperatorPhone),
		)
		if err != nil {
			slog.Warn("Twilio alerts disabled", "error", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if config.SentryDSN != "" {
		n, err := alerting.NewSentryNotifier(config.SentryDSN, "production")
		if err != nil {
			slog.Warn("Sentry reporting disabled", "error", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return append(notifiers, alerting.LogNotifier{})
}

// buildSummarizer returns the OpenAI summarizer when a key is configured.
func buildSummarizer(config Config) replies.Summarizer {
	if config.OpenAIKey == "" {
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey))
	if err != nil {
		slog.Warn("Reply summaries disabled", "error", err)
		return nil
	}
	return client
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	return apiOpts
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
