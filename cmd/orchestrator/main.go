package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"caseintake/internal/app"
	"caseintake/internal/config"
	"caseintake/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Job mode: find-problem-messages|reset-problem-messages|clean-up-messages|promote|dispatch")
	flag.Parse()

	// Load environment variables
	envErr := godotenv.Load()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info")
		bootLog.Fatal().Msgf("Error loading config: %v", err)
	}
	logger := logger.New(cfg.LogLevel).With().Str("mode", *mode).Logger()
	if envErr != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close(context.Background())

	// Dispatch to the selected job
	var runErr error
	switch *mode {
	case "find-problem-messages":
		var ids []string
		ids, runErr = a.ProblemJob().FindProblemMessages(ctx)
		logger.Info().Strs("message_ids", ids).Int("count", len(ids)).Msg("Problem messages")
	case "reset-problem-messages":
		var ids []string
		ids, runErr = a.ProblemJob().ResetProblemMessages(ctx)
		logger.Info().Strs("message_ids", ids).Int("count", len(ids)).Msg("Reset messages")
	case "clean-up-messages":
		job, err := a.CleanUpJob(ctx)
		if err != nil {
			logger.Fatal().Msgf("Failed to build clean-up job: %v", err)
		}
		var n int64
		n, runErr = job.Run(ctx)
		logger.Info().Int64("deleted", n).Msg("Clean-up finished")
	case "promote":
		promoter, err := a.Promoter()
		if err != nil {
			logger.Fatal().Msgf("Failed to build promoter: %v", err)
		}
		var ids []string
		ids, runErr = promoter.Promote(ctx)
		logger.Info().Strs("message_ids", ids).Int("count", len(ids)).Msg("Promoted messages")
	case "dispatch":
		dispatcher, err := a.Dispatcher(ctx)
		if err != nil {
			logger.Fatal().Msgf("Failed to build dispatcher: %v", err)
		}
		runErr = dispatcher.Tick(ctx)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s failed: %v", *mode, runErr)
	}
	logger.Info().Msgf("%s finished", *mode)
}
