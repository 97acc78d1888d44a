// Package main provides the database migration CLI for Aquifer.
//
// Migrations are embedded in the binary; the only required setting is DATABASE_URL.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aquifer-io/aquifer/internal/config"
)

// Version information, overridden with -ldflags at build time.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	name      = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "show help information")
		showVersion = flag.Bool("version", false, "show version information")
		assumeYes   = flag.Bool("yes", false, "skip the confirmation prompt for drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (%s)\n", name, Version, GitCommit)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("AQUIFER_LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, nil, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(flag.Arg(0), runner, confirmer(*assumeYes, os.Stdin, os.Stdout))

	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches a CLI command. confirm gates destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func(prompt string) bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm("WARNING: This will drop all tables. Are you sure? (y/N): ") {
			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func confirmer(assumeYes bool, in io.Reader, out io.Writer) func(string) bool {
	return func(prompt string) bool {
		if assumeYes {
			return true
		}

		_, _ = fmt.Fprint(out, prompt)

		answer, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.TrimSpace(answer)

		if answer == "y" || answer == "Y" {
			return true
		}

		_, _ = fmt.Fprintln(out, "Operation cancelled.")

		return false
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s v%s - database migration tool for Aquifer

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Compare the database schema with the embedded migrations
    version  Show the current schema version
    drop     Drop all tables (asks for confirmation)

OPTIONS:
    -help     Show this help message
    -version  Show version information
    -yes      Do not ask before drop

ENVIRONMENT VARIABLES:
    DATABASE_URL             PostgreSQL connection string (required)
    AQUIFER_MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    AQUIFER_LOG_LEVEL        debug, info, warn or error (default: info)
`, name, Version, name)
}
