package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/utility-billing/internal/config"
	"github.com/septivank/utility-billing/internal/httpapi"
	"github.com/septivank/utility-billing/internal/logging"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const startStopTimeout = 30 * time.Second

// loadEnv loads the first .env file found in the working directory or one of
// its two parents. A missing file is fine in containers.
func loadEnv() {
	var envPaths []string
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	} else {
		envPaths = append(envPaths, ".env")
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			fmt.Printf("Loaded environment from: %s\n", envPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}

func main() {
	loadEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideStore,
			ProvideCache,
			ProvideMQConnection,
			ProvideEventPublisher,
			ProvideValidator,
			ProvideRequestValidator,
			ProvideAnomalyDetector,
			ProvideCollector,
			ProvideTariffService,
			ProvideCalculator,
			ProvideBillingRun,
			ProvideTracker,
			ProvideRollbackService,
			ProvideReporter,
			ProvideSecurityRecorder,
			ProvideProcessorService,
			httpapi.New,
			httpapi.NewServer,
		),
		fx.Invoke(startIngest, func(*http.Server) {}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), startStopTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "application start timed out: a dependency (database, Redis or RabbitMQ) is not reachable")
		}
		fmt.Fprintln(os.Stderr, "failed to start application:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), startStopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", err)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
