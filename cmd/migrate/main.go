// Command migrate manages the schema of the Postgres batch store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pulse/internal/infra/config"
	"github.com/coachpo/pulse/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (defaults to the config file, then $"+config.EnvDatabaseURL+")")
		cfgPath = fs.String("config", "", "pulse configuration file supplying database.dsn")
		dir     = fs.String("path", migrations.EmbeddedSource, "Directory containing SQL migrations (empty uses the embedded set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resolved, err := resolveDSN(ctx, *dsn, *cfgPath)
	if err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|version)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(out, "pulse-migrate ", log.LstdFlags)
	}

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, resolved, *dir, logger)
	case "down":
		steps, err := parseSteps(args[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, resolved, *dir, steps, logger)
	case "version":
		version, dirty, err := migrations.Version(ctx, resolved, *dir, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}
}

// resolveDSN prefers the flag, then database.dsn from the config file, then the environment.
func resolveDSN(ctx context.Context, flagValue, cfgPath string) (string, error) {
	if dsn := strings.TrimSpace(flagValue); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(cfgPath) != "" {
		cfg, err := config.Load(ctx, cfgPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.DSN != "" {
			return cfg.Database.DSN, nil
		}
	}
	if dsn := strings.TrimSpace(os.Getenv(config.EnvDatabaseURL)); dsn != "" {
		return dsn, nil
	}
	return "", errors.New("database DSN required (-database, -config or $" + config.EnvDatabaseURL + ")")
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q", args[0])
	}
	return n, nil
}
