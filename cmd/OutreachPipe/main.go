// Command OutreachPipe runs the email outreach lifecycle engine: the
// scheduled batch run, the dead-letter retry sweep, reply ingestion and the
// operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/alerting"
	"github.com/BTreeMap/OutreachPipe/internal/api"
	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/lockfile"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/quota"
	"github.com/BTreeMap/OutreachPipe/internal/recovery"
	"github.com/BTreeMap/OutreachPipe/internal/render"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/selector"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const (
	outboxPollInterval = 5 * time.Second
	recoveryCron       = "*/10 * * * *"
	staleRetryAfter    = 30 * time.Minute
	staleOutboxAfter   = 10 * time.Minute
	claimTTL           = 10 * time.Minute
)

func main() {
	initializeLogger("info")

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OutreachPipe", "api_addr", config.APIAddr, "transport", config.MailTransport)
	if err := run(ctx, config); err != nil {
		slog.Error("OutreachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OutreachPipe exited successfully")
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the
// database directory.
func ensureDirectoriesExist(config Config) error {
	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", config.StateDir, err)
	}
	if store.DetectDSNType(config.DatabaseURL) == "sqlite3" {
		if err := os.MkdirAll(dirOf(config.DatabaseURL), 0755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	return nil
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == "sqlite3" {
		lk, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer lk.Release()
	}

	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	hours, err := buildBusinessHours(config, loc)
	if err != nil {
		return err
	}

	clock := util.SystemClock{}
	recorder := metrics.Recorder{}
	tracker := quota.NewTracker(st, config.DailyLimit)
	queue := dlq.New(st, st, buildDLQPolicy(config), clock)
	rec := events.NewRecorder(st, clock)
	queue.Observe(rec)
	queue.Observe(recorder)

	renderer, err := render.New(config.SMTPFromName, nil)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	transport, err := buildTransport(config)
	if err != nil {
		return err
	}
	d := dispatch.New(st, tracker, renderer, transport, queue, rec, clock, dispatch.Config{SendTimeout: config.SendTimeout, ClaimTTL: claimTTL})
	d.Observe(recorder)

	locker, closeLocker, err := buildLocker(ctx, config, clock)
	if err != nil {
		return err
	}
	defer closeLocker()

	eng := engine.New(st, tracker, selector.New(st), d, queue, locker, rec, clock, buildEngineConfig(config, hours))
	eng.Observe(recorder)

	if notifier := buildNotifier(config); notifier != nil {
		watcher := alerting.NewWatcher(notifier)
		queue.Observe(watcher)
		eng.Observe(watcher)
		defer watcher.Wait()
	}

	ingestor := replies.NewIngestor(st, st, queue, rec, buildSummarizer(config), clock)
	ingestor.Observe(recorder)

	startup, periodic := buildRecovery(clock, st, queue)
	if report, err := startup.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err, "recovered", report.Recovered)
	}

	publisher, err := buildPublisher(config)
	if err != nil {
		return err
	}
	defer publisher.Close()
	relay := events.NewRelay(st, publisher, outboxPollInterval)
	go relay.Run(ctx)

	sched := scheduler.NewScheduler(loc)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if err := registerJobs(sched, config, eng, periodic); err != nil {
		return err
	}

	if config.IMAPServer != "" {
		poller := replies.NewIMAPPoller(replies.IMAPConfig{
			Server:   config.IMAPServer,
			Port:     config.IMAPPort,
			Username: config.IMAPUsername,
			Password: config.IMAPPassword,
		}, ingestor, config.IMAPPollInterval)
		go poller.Start(ctx)
	}

	server := api.NewServer(api.Deps{
		Leads:   st,
		Runs:    st,
		DLQ:     queue,
		Quota:   tracker,
		Runner:  eng,
		Replies: ingestor,
	}, buildAPIOptions(config)...)
	return server.Start(ctx)
}

// registerJobs adds the batch run, the retry sweep and periodic recovery.
// mgr must not fail interrupted runs: a batch may be in progress.
func registerJobs(sched *scheduler.Scheduler, config Config, eng *engine.Engine, mgr *recovery.Manager) error {
	if err := sched.AddJob("daily-batch", config.DailyCron, func(ctx context.Context) {
		_, err := eng.RunDaily(ctx, models.RunTriggerScheduled)
		logJobError("daily-batch", err)
	}); err != nil {
		return err
	}
	if err := sched.AddJob("dlq-sweep", config.DLQCron, func(ctx context.Context) {
		_, err := eng.RetrySweep(ctx, models.RunTriggerScheduled)
		logJobError("dlq-sweep", err)
	}); err != nil {
		return err
	}
	return sched.AddJob("recovery", recoveryCron, func(ctx context.Context) {
		_, err := mgr.RecoverAll(ctx)
		logJobError("recovery", err)
	})
}

func logJobError(job string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOutsideBusinessHours):
		slog.Debug("Scheduled job skipped outside business hours", "job", job)
	case errors.Is(err, engine.ErrRunInProgress):
		slog.Info("Scheduled job skipped, previous run still in progress", "job", job)
	default:
		slog.Error("Scheduled job failed", "job", job, "error", err)
	}
}
