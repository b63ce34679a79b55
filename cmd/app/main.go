package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"caseintake/internal/api"
	"caseintake/internal/app"
	"caseintake/internal/config"
	"caseintake/internal/logger"
	"caseintake/internal/orchestrator"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// lifecycle is anything started once and stopped with a deadline.
type lifecycle interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

type component struct {
	name string
	lifecycle
}

func main() {
	// 1. Load configuration
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info")
		bootLog.Fatal().Msgf("Error loading config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)
	if envErr != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Connect store, bus and handler pipeline
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close(context.Background())

	components, err := buildComponents(ctx, a)
	if err != nil {
		logger.Fatal().Msgf("Failed to build components: %v", err)
	}

	// 3. Health probes
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewHealthHandler(a.Repo, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Msgf("Health server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 4. Start consumers and scheduled jobs. Their work outlives ctx until Stop.
	runCtx := context.WithoutCancel(ctx)
	for _, c := range components {
		c.Start(runCtx)
	}
	logger.Info().Int("components", len(components)).Msg("Case event intake started")

	// 5. Graceful shutdown
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, stopping...")

	grace := cfg.Durations().ShutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, c := range components {
		g.Go(func() error {
			if err := c.Stop(shutdownCtx); err != nil {
				logger.Warn().Err(err).Str("component", c.name).Msg("Component stopped forcefully")
				return err
			}
			return nil
		})
	}
	stopErr := g.Wait()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Health server forced to shutdown")
	}
	if stopErr != nil {
		logger.Warn().Msg("Shut down with in-flight work cancelled")
		return
	}
	logger.Info().Msg("Shut down gracefully")
}

func buildComponents(ctx context.Context, a *app.App) ([]component, error) {
	cfg := a.Config
	d := cfg.Durations()
	var out []component

	if a.Bus != nil && cfg.ConsumersEnabled {
		sc, err := a.SessionConsumer()
		if err != nil {
			return nil, err
		}
		out = append(out, component{"session-consumer", sc})
	}
	if a.Bus != nil && cfg.DLQConsumerEnabled {
		dc, err := a.DeadLetterConsumer()
		if err != nil {
			return nil, err
		}
		out = append(out, component{"dead-letter-consumer", dc})
	}
	if a.Bus == nil {
		a.Logger.Warn().Msg("No Service Bus connection configured, consumers are disabled")
	}

	dispatcher, err := a.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, loop("database-message-consumer", d.Dispatch, d.ShutdownGrace, dispatcher, a.Logger))

	if a.Bus != nil || !cfg.FeatureDLQReadinessCheck {
		promoter, err := a.Promoter()
		if err != nil {
			return nil, err
		}
		out = append(out, loop("message-readiness", d.Readiness, d.ShutdownGrace, promoter, a.Logger))
	} else {
		a.Logger.Warn().Msg("Readiness promotion disabled: FEATURE_DLQ_READINESS_CHECK needs a Service Bus connection")
	}

	out = append(out, loop("problem-messages", d.Problem, d.ShutdownGrace, a.ProblemJob(), a.Logger))

	cleanUp, err := a.CleanUpJob(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, loop("clean-up", d.CleanUp, d.ShutdownGrace, cleanUp, a.Logger))
	return out, nil
}

func loop(name string, interval, grace time.Duration, job orchestrator.Job, logger zerolog.Logger) component {
	return component{name, orchestrator.NewLoop(name, interval, grace, job, logger)}
}
