package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseintake/internal/model"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env      string `envconfig:"ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Port     string `envconfig:"PORT" default:"8080"`

	// Database settings
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING"`
	DBMaxConns         int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBAutoMigrate      bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`

	// Service Bus settings
	ServiceBusConnectionString string `envconfig:"AZURE_SERVICE_BUS_CONNECTION_STRING"`
	ServiceBusTopicName        string `envconfig:"AZURE_SERVICE_BUS_TOPIC_NAME" default:"ccd-case-events"`
	ServiceBusSubscriptionName string `envconfig:"AZURE_SERVICE_BUS_SUBSCRIPTION_NAME" default:"wa-case-event-handler"`
	ConcurrentSessions         int    `envconfig:"AZURE_SERVICE_BUS_CONCURRENT_SESSIONS" default:"2"`
	RetryAttempts              int    `envconfig:"AZURE_SERVICE_BUS_RETRY_ATTEMPTS" default:"2"`
	SessionWaitSec             int    `envconfig:"AZURE_SERVICE_BUS_SESSION_WAIT_SEC" default:"30"`
	ReceiveWaitSec             int    `envconfig:"AZURE_SERVICE_BUS_RECEIVE_WAIT_SEC" default:"10"`
	ConsumersEnabled           bool   `envconfig:"AZURE_SERVICE_BUS_CONSUMERS_ENABLED" default:"true"`
	DLQConsumerEnabled         bool   `envconfig:"AZURE_SERVICE_BUS_DLQ_CONSUMER_ENABLED" default:"true"`

	// Scheduled job settings
	DispatchPollIntervalMs   int  `envconfig:"DATABASE_MESSAGE_CONSUMER_POLL_INTERVAL_MS" default:"250"`
	DispatchMaxPerTick       int  `envconfig:"DATABASE_MESSAGE_CONSUMER_MAX_PER_TICK" default:"100"`
	ReadinessPollIntervalMs  int  `envconfig:"MESSAGE_READINESS_POLL_INTERVAL_MS" default:"500"`
	ProblemPollIntervalSec   int  `envconfig:"PROBLEM_MESSAGE_POLL_INTERVAL_SEC" default:"300"`
	CleanUpPollIntervalMin   int  `envconfig:"CLEAN_UP_POLL_INTERVAL_MIN" default:"60"`
	ProblemThresholdSec      int  `envconfig:"PROBLEM_MESSAGE_THRESHOLD_SEC" default:"3600"`
	ProblemResetHoldSec      int  `envconfig:"PROBLEM_MESSAGE_RESET_HOLD_SEC" default:"0"`
	ProblemAutoReset         bool `envconfig:"PROBLEM_MESSAGE_AUTO_RESET" default:"false"`
	NewMessageCacheTTLSec    int  `envconfig:"NEW_MESSAGE_CACHE_TTL_SEC" default:"10"`
	DispatchBackoffBaseSec   int  `envconfig:"DISPATCH_BACKOFF_BASE_SEC" default:"30"`
	DispatchBackoffMaxSec    int  `envconfig:"DISPATCH_BACKOFF_MAX_SEC" default:"3600"`
	ShutdownGracePeriodSec   int  `envconfig:"SHUTDOWN_GRACE_PERIOD_SEC" default:"30"`
	FeatureDLQReadinessCheck bool `envconfig:"FEATURE_DLQ_READINESS_CHECK" default:"true"`

	// Clean-up settings
	CleanUpEnvironment    string   `envconfig:"CLEAN_UP_ENVIRONMENT" default:"prod"`
	CleanUpStartedDaysAgo int      `envconfig:"CLEAN_UP_STARTED_DAYS_BEFORE" default:"90"`
	CleanUpDeleteLimit    int      `envconfig:"CLEAN_UP_DELETE_LIMIT" default:"100"`
	CleanUpStatesProd     []string `envconfig:"CLEAN_UP_STATES_PROD" default:"PROCESSED"`
	CleanUpStatesNonProd  []string `envconfig:"CLEAN_UP_STATES_NON_PROD" default:"PROCESSED,READY,UNPROCESSABLE"`

	// Handler pipeline settings
	HandlerMode             string `envconfig:"HANDLER_MODE" default:"http"`
	RuleEvaluatorURL        string `envconfig:"RULE_EVALUATOR_URL"`
	RuleEvaluatorTimeoutSec int    `envconfig:"RULE_EVALUATOR_TIMEOUT_SEC" default:"30"`
	GCPProjectID            string `envconfig:"GCP_PROJECT_ID"`
	PubSubHandlerTopic      string `envconfig:"PUBSUB_HANDLER_TOPIC"`

	// Secret Manager settings
	SecretsProjectID                 string `envconfig:"SECRETS_PROJECT_ID"`
	DBConnectionStringSecret         string `envconfig:"DB_CONNECTION_STRING_SECRET"`
	ServiceBusConnectionStringSecret string `envconfig:"AZURE_SERVICE_BUS_CONNECTION_STRING_SECRET"`

	// Archive settings
	ArchiveBucket    string `envconfig:"ARCHIVE_BUCKET"`
	ArchiveS3URL     string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region  string `envconfig:"ARCHIVE_S3_REGION" default:"us-east-1"`
	ArchiveAccessKey string `envconfig:"ARCHIVE_S3_ACCESS_KEY"`
	ArchiveSecretKey string `envconfig:"ARCHIVE_S3_SECRET_KEY"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, list := range [][]string{c.CleanUpStatesProd, c.CleanUpStatesNonProd} {
		if _, err := parseStates(list); err != nil {
			return err
		}
	}
	switch c.HandlerMode {
	case "http", "pubsub":
	default:
		return fmt.Errorf("invalid HANDLER_MODE %q: want http or pubsub", c.HandlerMode)
	}
	for _, s := range []struct {
		name  string
		value int
	}{
		{"DATABASE_MESSAGE_CONSUMER_POLL_INTERVAL_MS", c.DispatchPollIntervalMs},
		{"DATABASE_MESSAGE_CONSUMER_MAX_PER_TICK", c.DispatchMaxPerTick},
		{"MESSAGE_READINESS_POLL_INTERVAL_MS", c.ReadinessPollIntervalMs},
		{"PROBLEM_MESSAGE_POLL_INTERVAL_SEC", c.ProblemPollIntervalSec},
		{"CLEAN_UP_POLL_INTERVAL_MIN", c.CleanUpPollIntervalMin},
		{"NEW_MESSAGE_CACHE_TTL_SEC", c.NewMessageCacheTTLSec},
	} {
		if s.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.name, s.value)
		}
	}
	if c.DispatchBackoffMaxSec < c.DispatchBackoffBaseSec {
		return fmt.Errorf("DISPATCH_BACKOFF_MAX_SEC (%d) is below DISPATCH_BACKOFF_BASE_SEC (%d)", c.DispatchBackoffMaxSec, c.DispatchBackoffBaseSec)
	}
	return nil
}

func parseStates(names []string) ([]model.MessageState, error) {
	states := make([]model.MessageState, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		s, ok := model.ParseMessageState(strings.ToUpper(n))
		if !ok {
			return nil, fmt.Errorf("unknown message state %q in clean-up state list", n)
		}
		states = append(states, s)
	}
	return states, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// CleanUpStates returns the states the clean-up job may delete in the configured environment.
func (c *Config) CleanUpStates() []model.MessageState {
	list := c.CleanUpStatesNonProd
	if strings.EqualFold(c.CleanUpEnvironment, "prod") {
		list = c.CleanUpStatesProd
	}
	states, _ := parseStates(list)
	return states
}

// SecretGetter reads a named secret.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ResolveSecrets fills connection strings from the secret store for every *_SECRET setting
// that is set.
func (c *Config) ResolveSecrets(ctx context.Context, secrets SecretGetter) error {
	targets := []struct {
		secret string
		dst    *string
	}{
		{c.DBConnectionStringSecret, &c.DBConnectionString},
		{c.ServiceBusConnectionStringSecret, &c.ServiceBusConnectionString},
	}
	for _, t := range targets {
		if t.secret == "" {
			continue
		}
		v, err := secrets.GetSecret(ctx, t.secret)
		if err != nil {
			return fmt.Errorf("resolving secret %s: %w", t.secret, err)
		}
		*t.dst = strings.TrimSpace(v)
	}
	return nil
}

// HasSecrets reports whether any setting must be read from the secret store.
func (c *Config) HasSecrets() bool {
	return c.DBConnectionStringSecret != "" || c.ServiceBusConnectionStringSecret != ""
}

func (c *Config) Durations() Durations {
	return Durations{
		SessionWait:   time.Duration(c.SessionWaitSec) * time.Second,
		ReceiveWait:   time.Duration(c.ReceiveWaitSec) * time.Second,
		Dispatch:      time.Duration(c.DispatchPollIntervalMs) * time.Millisecond,
		Readiness:     time.Duration(c.ReadinessPollIntervalMs) * time.Millisecond,
		Problem:       time.Duration(c.ProblemPollIntervalSec) * time.Second,
		CleanUp:       time.Duration(c.CleanUpPollIntervalMin) * time.Minute,
		ProblemAge:    time.Duration(c.ProblemThresholdSec) * time.Second,
		ResetHold:     time.Duration(c.ProblemResetHoldSec) * time.Second,
		CacheTTL:      time.Duration(c.NewMessageCacheTTLSec) * time.Second,
		BackoffBase:   time.Duration(c.DispatchBackoffBaseSec) * time.Second,
		BackoffMax:    time.Duration(c.DispatchBackoffMaxSec) * time.Second,
		ShutdownGrace: time.Duration(c.ShutdownGracePeriodSec) * time.Second,
		RuleEvaluator: time.Duration(c.RuleEvaluatorTimeoutSec) * time.Second,
	}
}

// Durations holds the integer settings converted to time.Duration.
type Durations struct {
	SessionWait, ReceiveWait              time.Duration
	Dispatch, Readiness, Problem, CleanUp time.Duration
	ProblemAge, ResetHold, CacheTTL       time.Duration
	BackoffBase, BackoffMax               time.Duration
	ShutdownGrace, RuleEvaluator          time.Duration
}
