package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutreachPipe state data
	DefaultStateDir = "/var/lib/outreachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "outreachpipe.db"
	// DefaultSenderName signs the templates when SMTP_FROM_NAME is unset
	DefaultSenderName = "Sales Team"
)

// Config is the assembled runtime configuration.
type Config struct {
	StateDir    string `validate:"required"`
	DatabaseURL string `validate:"required"`
	APIAddr     string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	BatchSize      int           `validate:"min=1,max=10000"`
	DailyLimit     int           `validate:"min=1"`
	Workers        int           `validate:"min=1,max=256"`
	DailyCron      string        `validate:"required"`
	DLQCron        string        `validate:"required"`
	Timezone       string        `validate:"required,timezone"`
	BusinessStart  int           `validate:"min=0,max=23"`
	BusinessEnd    int           `validate:"min=1,max=24,gtfield=BusinessStart"`
	BusinessDays   string        `validate:"required"`
	LeadLocalHours bool
	SendTimeout    time.Duration `validate:"gt=0"`

	DLQMaxAttempts    int           `validate:"min=1,max=50"`
	DLQBackoffBase    time.Duration `validate:"gt=0"`
	DLQBackoffCeiling time.Duration `validate:"gtefield=DLQBackoffBase"`

	MailTransport        string `validate:"oneof=smtp webhook log"`
	SMTPHost             string `validate:"required_if=MailTransport smtp"`
	SMTPPort             int    `validate:"min=0,max=65535"`
	SMTPUsername         string
	SMTPPassword         string
	SMTPFromEmail        string `validate:"required_if=MailTransport smtp,omitempty,email"`
	SMTPFromName         string
	WebhookURLInitial    string `validate:"required_if=MailTransport webhook,omitempty,url"`
	WebhookURLFollowUp5  string `validate:"omitempty,url"`
	WebhookURLFollowUp10 string `validate:"omitempty,url"`
	VerifyMX             bool

	RedisAddr     string `validate:"omitempty,hostname_port"`
	RedisPassword string
	RedisDB       int    `validate:"min=0"`
	AMQPURL       string `validate:"omitempty,url"`

	IMAPServer       string
	IMAPPort         int           `validate:"min=0,max=65535"`
	IMAPUsername     string        `validate:"required_with=IMAPServer"`
	IMAPPassword     string        `validate:"required_with=IMAPServer"`
	IMAPPollInterval time.Duration `validate:"gte=0"`

	OpenAIKey string

	TwilioAccountSID string
	TwilioAuthToken  string `validate:"required_with=TwilioAccountSID"`
	TwilioFromNumber string `validate:"required_with=TwilioAccountSID"`
	OperatorPhone    string `validate:"required_with=TwilioAccountSID,omitempty,e164"`
	SentryDSN        string `validate:"omitempty,url"`

	// parseErrs collects malformed environment values.
	parseErrs []error
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := &util.EnvReader{}
	config := Config{
		StateDir:    env.String("OUTREACH_STATE_DIR", DefaultStateDir),
		DatabaseURL: env.String("DATABASE_URL", ""),
		APIAddr:     env.String("API_ADDR", ":8080"),
		LogLevel:    strings.ToLower(env.String("OUTREACH_LOG_LEVEL", "info")),

		BatchSize:      env.Int("OUTREACH_BATCH_SIZE", 400),
		DailyLimit:     env.Int("OUTREACH_DAILY_LIMIT", 400),
		Workers:        env.Int("OUTREACH_WORKERS", 8),
		DailyCron:      env.String("OUTREACH_DAILY_CRON", "0 9-17 * * 1-5"),
		DLQCron:        env.String("OUTREACH_DLQ_CRON", "*/15 * * * *"),
		Timezone:       env.String("OUTREACH_TIMEZONE", "UTC"),
		BusinessStart:  env.Int("OUTREACH_BUSINESS_START", 9),
		BusinessEnd:    env.Int("OUTREACH_BUSINESS_END", 18),
		BusinessDays:   env.String("OUTREACH_BUSINESS_DAYS", "mon,tue,wed,thu,fri"),
		LeadLocalHours: env.Bool("OUTREACH_LEAD_LOCAL_HOURS", false),
		SendTimeout:    env.Duration("OUTREACH_SEND_TIMEOUT", 30*time.Second),

		DLQMaxAttempts:    env.Int("OUTREACH_DLQ_MAX_ATTEMPTS", 3),
		DLQBackoffBase:    env.Duration("OUTREACH_DLQ_BACKOFF_BASE", time.Hour),
		DLQBackoffCeiling: env.Duration("OUTREACH_DLQ_BACKOFF_CEILING", 4*time.Hour),

		MailTransport:        strings.ToLower(env.String("MAIL_TRANSPORT", "smtp")),
		SMTPHost:             env.String("SMTP_HOST", ""),
		SMTPPort:             env.Int("SMTP_PORT", 587),
		SMTPUsername:         env.String("SMTP_USERNAME", ""),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		SMTPFromEmail:        env.String("SMTP_FROM_EMAIL", ""),
		SMTPFromName:         env.String("SMTP_FROM_NAME", DefaultSenderName),
		WebhookURLInitial:    env.String("WEBHOOK_URL_INITIAL", ""),
		WebhookURLFollowUp5:  env.String("WEBHOOK_URL_FOLLOWUP_5", ""),
		WebhookURLFollowUp10: env.String("WEBHOOK_URL_FOLLOWUP_10", ""),
		VerifyMX:             env.Bool("OUTREACH_VERIFY_MX", false),

		RedisAddr:     env.String("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       env.Int("REDIS_DB", 0),
		AMQPURL:       env.String("AMQP_URL", ""),

		IMAPServer:       env.String("IMAP_SERVER", ""),
		IMAPPort:         env.Int("IMAP_PORT", 993),
		IMAPUsername:     env.String("IMAP_USERNAME", ""),
		IMAPPassword:     os.Getenv("IMAP_PASSWORD"),
		IMAPPollInterval: env.Duration("IMAP_POLL_INTERVAL", 5*time.Minute),

		OpenAIKey: env.String("OPENAI_API_KEY", ""),

		TwilioAccountSID: env.String("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  env.String("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: env.String("TWILIO_FROM_NUMBER", ""),
		OperatorPhone:    env.String("OPERATOR_PHONE", ""),
		SentryDSN:        env.String("SENTRY_DSN", ""),
	}
	config.parseErrs = env.Errs()

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"OUTREACH_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"MAIL_TRANSPORT", config.MailTransport,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"AMQP_URL_SET", config.AMQPURL != "",
		"IMAP_SERVER", config.IMAPServer,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_SET", config.TwilioAccountSID != "",
		"SENTRY_DSN_SET", config.SentryDSN != "")

	return config
}

// parseCommandLineFlags applies flag overrides on top of the environment config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	stateDir := fs.String("state-dir", config.StateDir, "state directory for OutreachPipe data (overrides $OUTREACH_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "SQLite path or PostgreSQL DSN (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	logLevel := fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $OUTREACH_LOG_LEVEL)")
	transport := fs.String("mail-transport", config.MailTransport, "mail transport: smtp, webhook, log (overrides $MAIL_TRANSPORT)")
	batchSize := fs.Int("batch-size", config.BatchSize, "leads per batch window (overrides $OUTREACH_BATCH_SIZE)")
	dailyLimit := fs.Int("daily-limit", config.DailyLimit, "sends allowed per day (overrides $OUTREACH_DAILY_LIMIT)")
	workers := fs.Int("workers", config.Workers, "concurrent dispatch workers (overrides $OUTREACH_WORKERS)")
	dailyCron := fs.String("daily-cron", config.DailyCron, "cron schedule of the batch run (overrides $OUTREACH_DAILY_CRON)")
	dlqCron := fs.String("dlq-cron", config.DLQCron, "cron schedule of the retry sweep (overrides $OUTREACH_DLQ_CRON)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Follow a state directory override when the DSN is the default SQLite path.
	if *dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *stateDir != config.StateDir {
		*dbDSN = filepath.Join(*stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *stateDir)
	}

	config.StateDir = *stateDir
	config.DatabaseURL = *dbDSN
	config.APIAddr = *apiAddr
	config.LogLevel = strings.ToLower(*logLevel)
	config.MailTransport = strings.ToLower(*transport)
	config.BatchSize = *batchSize
	config.DailyLimit = *dailyLimit
	config.Workers = *workers
	config.DailyCron = *dailyCron
	config.DLQCron = *dlqCron

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"apiAddr", config.APIAddr,
		"mailTransport", config.MailTransport,
		"batchSize", config.BatchSize,
		"dailyLimit", config.DailyLimit,
		"workers", config.Workers)
	return config, nil
}

// validateConfig checks the assembled configuration before anything starts.
func validateConfig(config Config) error {
	errs := append([]error(nil), config.parseErrs...)
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s failed %q validation (value %v)", fe.Field(), fe.Tag(), redact(fe)))
		}
	}
	return errors.Join(errs...)
}

func redact(fe validator.FieldError) interface{} {
	if strings.Contains(strings.ToLower(fe.Field()), "password") || strings.Contains(fe.Field(), "Token") {
		return "[redacted]"
	}
	return fe.Value()
}

// parseLogLevel maps a configured level name to slog.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
