// Command migrate applies the embedded PostgreSQL migrations.
//
//	migrate up
//	migrate down 1
//	migrate version
//	migrate force 3
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/logging"
	"go.uber.org/zap"
)

func main() {
	databaseURL := flag.String("database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [-database-url URL] up | down N | version | force V\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// a missing .env is fine, DATABASE_URL may come from the environment
	_ = godotenv.Load()

	url := *databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.NewLogger("utility-billing-migrate", os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(url, flag.Args(), logger); err != nil {
		logger.Error("migration failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(url string, args []string, logger *zap.Logger) error {
	m, err := db.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		n, err := countArg(args)
		if err != nil {
			return err
		}
		return m.Steps(-n)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return nil
	case "force":
		n, err := countArg(args)
		if err != nil {
			return err
		}
		return m.Force(n)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func countArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a number", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid number %q", args[0], args[1])
	}
	return n, nil
}
