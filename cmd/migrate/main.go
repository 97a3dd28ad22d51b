// Command migrate applies the decision store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/internal/infra/config"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = flags.String("dsn", "", "PostgreSQL DSN (defaults to $"+config.EnvVarDatabaseDSN+")")
		dir     = flags.String("path", "", "Directory of SQL migrations; the embedded set is used when empty")
		timeout = flags.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flags.Bool("quiet", false, "Suppress informational logs")
	)
	flags.StringVar(dsn, "database", "", "Alias of -dsn")
	if err := flags.Parse(argv); err != nil {
		return err
	}

	args := flags.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|list)")
	}

	logCfg := logging.DefaultConfig()
	logCfg.Format = "console"
	if *quiet {
		logCfg.Level = "warn"
	}
	logging.Init(logCfg)
	logger := logging.Component("migrate")

	if args[0] == "list" {
		return list(logger)
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(config.EnvVarDatabaseDSN))
	}
	if target == "" {
		return errors.New("-dsn flag or " + config.EnvVarDatabaseDSN + " is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) != "" {
			return migrations.ApplyDir(ctx, target, *dir, logger)
		}
		return migrations.Apply(ctx, target, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up, down or list)", args[0])
	}
}

func list(logger zerolog.Logger) error {
	versions, err := migrations.Embedded()
	if err != nil {
		return err
	}
	for _, v := range versions {
		logger.Info().Uint("version", v).Msg("embedded migration")
	}
	return nil
}
