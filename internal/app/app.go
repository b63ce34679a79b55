// Package app wires configuration into the store, the bus, the handler pipeline and the jobs.
// It is shared by the long-running service and the one-shot job runner.
package app

import (
	"context"
	"errors"
	"fmt"

	"caseintake/internal/archive"
	"caseintake/internal/cache"
	"caseintake/internal/config"
	"caseintake/internal/consumer"
	"caseintake/internal/metrics"
	"caseintake/internal/model"
	"caseintake/internal/orchestrator/cleanup"
	"caseintake/internal/orchestrator/dispatch"
	"caseintake/internal/orchestrator/problem"
	"caseintake/internal/orchestrator/readiness"
	"caseintake/internal/pubsub"
	"caseintake/internal/repository"
	"caseintake/internal/service"
	"caseintake/internal/servicebus"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// App holds the long-lived dependencies built from Config.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Pool    *pgxpool.Pool
	Repo    repository.CaseEventMessageRepository
	// Bus is nil when no Service Bus connection string is configured.
	Bus *servicebus.Client

	handler service.Handler
	closers []func(ctx context.Context) error
}

// New connects to the store and, when configured, the bus. Secrets are resolved first.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.HasSecrets() {
		secrets, err := service.NewSecretManagerService(ctx, cfg.SecretsProjectID)
		if err != nil {
			return nil, err
		}
		err = cfg.ResolveSecrets(ctx, secrets)
		_ = secrets.Close()
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("Secrets resolved from Secret Manager")
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	a.Metrics = m

	if err := a.openStore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if cfg.ServiceBusConnectionString != "" {
		d := cfg.Durations()
		bus, err := servicebus.NewClient(servicebus.Options{
			ConnectionString: cfg.ServiceBusConnectionString,
			TopicName:        cfg.ServiceBusTopicName,
			SubscriptionName: cfg.ServiceBusSubscriptionName,
			SessionWait:      d.SessionWait,
			ReceiveWait:      d.ReceiveWait,
		}, logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Bus = bus
		a.closers = append(a.closers, bus.Close)
		logger.Info().Str("topic", cfg.ServiceBusTopicName).Str("subscription", cfg.ServiceBusSubscriptionName).Msg("Service Bus client initialized")
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.DBConnectionString == "" {
		return errors.New("DB_CONNECTION_STRING is not set")
	}
	poolCfg, err := pgxpool.ParseConfig(a.Config.DBConnectionString)
	if err != nil {
		return fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if a.Config.DBMaxConns > 0 {
		poolCfg.MaxConns = a.Config.DBMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
	a.Logger.Info().Msg("Database connection established")

	if a.Config.DBAutoMigrate {
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		a.Logger.Info().Msg("Database schema ensured")
	}
	a.Repo = repository.NewPostgresRepository(pool, a.Logger)
	return nil
}

// Handler returns the handler pipeline selected by HANDLER_MODE, creating it on first use.
func (a *App) Handler(ctx context.Context) (service.Handler, error) {
	if a.handler != nil {
		return a.handler, nil
	}
	cfg := a.Config
	switch cfg.HandlerMode {
	case "pubsub":
		fwd, err := pubsub.NewForwarder(ctx, cfg.GCPProjectID, cfg.PubSubHandlerTopic, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return fwd.Close() })
		a.handler = fwd
	default:
		if cfg.RuleEvaluatorURL == "" {
			return nil, errors.New("RULE_EVALUATOR_URL is not set")
		}
		a.handler = service.NewRuleEvaluatorClient(cfg.RuleEvaluatorURL, cfg.Durations().RuleEvaluator, a.Logger)
	}
	return a.handler, nil
}

func (a *App) requireBus() error {
	if a.Bus == nil {
		return errors.New("AZURE_SERVICE_BUS_CONNECTION_STRING is not set")
	}
	return nil
}

func (a *App) SessionConsumer() (*consumer.SessionConsumer, error) {
	if err := a.requireBus(); err != nil {
		return nil, err
	}
	h := consumer.NewMessageHandler(a.Repo, consumer.HandlerOptions{RetryAttempts: a.Config.RetryAttempts}, a.Logger, a.Metrics)
	return consumer.NewSessionConsumer(a.Bus, h, a.Config.ConcurrentSessions, a.Config.Durations().ShutdownGrace, a.Logger), nil
}

func (a *App) DeadLetterConsumer() (*consumer.DeadLetterConsumer, error) {
	if err := a.requireBus(); err != nil {
		return nil, err
	}
	h := consumer.NewMessageHandler(a.Repo, consumer.HandlerOptions{RetryAttempts: a.Config.RetryAttempts, FromDlq: true}, a.Logger, a.Metrics)
	return consumer.NewDeadLetterConsumer(a.Bus, h, 1, a.Config.Durations().ShutdownGrace, a.Logger), nil
}

func (a *App) Dispatcher(ctx context.Context) (*dispatch.Consumer, error) {
	h, err := a.Handler(ctx)
	if err != nil {
		return nil, err
	}
	return dispatch.NewConsumer(a.Repo, h, a.dispatchOptions(), a.Logger, a.Metrics), nil
}

func (a *App) dispatchOptions() dispatch.Options {
	d := a.Config.Durations()
	return dispatch.Options{
		BackoffBase: d.BackoffBase,
		BackoffMax:  d.BackoffMax,
		MaxPerTick:  a.Config.DispatchMaxPerTick,
	}
}

// Promoter needs the bus only while FEATURE_DLQ_READINESS_CHECK is on.
func (a *App) Promoter() (*readiness.Promoter, error) {
	flag := a.Config.FeatureDLQReadinessCheck
	var peeker servicebus.DeadLetterPeeker
	if flag {
		if err := a.requireBus(); err != nil {
			return nil, fmt.Errorf("readiness promoter checks the dead-letter queue: %w", err)
		}
		peeker = a.Bus
	}
	c := cache.NewReadThrough[[]model.CaseEventMessage](a.Config.Durations().CacheTTL)
	newMessages := cache.NewNewMessages(a.Repo, a.Config.Env, c)
	return readiness.NewPromoter(newMessages, a.Repo, peeker, func() bool { return flag }, a.Logger, a.Metrics), nil
}

func (a *App) ProblemJob() *problem.Job {
	d := a.Config.Durations()
	return problem.NewJob(a.Repo, problem.Options{
		Threshold:   d.ProblemAge,
		ResetHold:   d.ResetHold,
		ResetOnTick: a.Config.ProblemAutoReset,
	}, a.Logger, a.Metrics)
}

// CleanUpJob builds the clean-up job, archiving to S3 when ARCHIVE_BUCKET is set.
func (a *App) CleanUpJob(ctx context.Context) (*cleanup.Job, error) {
	cfg := a.Config
	opts := cleanup.Options{
		States:        cfg.CleanUpStates(),
		RetentionDays: cfg.CleanUpStartedDaysAgo,
		DeleteLimit:   cfg.CleanUpDeleteLimit,
	}
	if cfg.ArchiveBucket != "" {
		client, err := archive.NewS3Client(ctx, archive.S3Options{
			URL:       cfg.ArchiveS3URL,
			Region:    cfg.ArchiveS3Region,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
		})
		if err != nil {
			return nil, err
		}
		opts.Archive = archive.NewS3Archiver(client, cfg.ArchiveBucket, a.Logger).Archive
	}
	return cleanup.NewJob(a.Repo, opts, a.Logger, a.Metrics), nil
}

// Close releases everything New and Handler opened, newest first.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil
}
