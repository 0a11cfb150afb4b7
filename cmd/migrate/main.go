// Command migrate manages the ClearLedger Postgres schema. It reads the
// same configuration as the ledger service (CLEAR_CONFIG plus CLEAR_* env).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"ClearLedger/internal/config"
	"ClearLedger/internal/observability"
	"ClearLedger/internal/persistence"
)

const usageText = `usage: migrate up|down|status

  up      apply pending schema steps
  down    revert the newest applied step
  status  print each step and whether it is applied

configuration comes from CLEAR_CONFIG, CLEAR_POSTGRES_DSN and CLEAR_MIGRATIONS_DIR
`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load(os.Getenv("CLEAR_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	if err := run(os.Args[1], cfg, logger); err != nil {
		logger.Fatal().Err(err).Str("cmd", os.Args[1]).Msg("migrate failed")
	}
}

func run(cmd string, cfg config.Config, logger zerolog.Logger) error {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	m := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	switch cmd {
	case "up":
		return m.Up(ctx)
	case "down":
		return m.Down(ctx)
	case "status":
		steps, err := m.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATE\tFILE")
		for _, s := range steps {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, state, s.Filename)
		}
		return w.Flush()
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
