package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"posledger/backend/internal/logging"
	pgstore "posledger/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "migrate",
		Usage: "apply or roll back the POS ledger schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply all pending migrations",
				Action: withMigrator(func(_ *cli.Context, m *pgstore.Migrator) error {
					return m.Up()
				}),
			},
			{
				Name:  "down",
				Usage: "roll back every migration",
				Action: withMigrator(func(_ *cli.Context, m *pgstore.Migrator) error {
					return m.Down()
				}),
			},
			{
				Name:      "steps",
				Usage:     "apply (n > 0) or roll back (n < 0) n migrations",
				ArgsUsage: "n",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "n", Required: true}},
				Action: withMigrator(func(c *cli.Context, m *pgstore.Migrator) error {
					return m.Steps(c.Int("n"))
				}),
			},
			{
				Name:  "version",
				Usage: "print the current schema version",
				Action: withMigrator(func(c *cli.Context, m *pgstore.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(c.App.Writer, "version %d (dirty: %t)\n", version, dirty)
					return err
				}),
			},
			{
				Name:  "force",
				Usage: "set the schema version without running migrations",
				Flags: []cli.Flag{&cli.IntFlag{Name: "version", Required: true}},
				Action: withMigrator(func(c *cli.Context, m *pgstore.Migrator) error {
					return m.Force(c.Int("version"))
				}),
			},
		},
	}
}

func withMigrator(fn func(*cli.Context, *pgstore.Migrator) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		logger := logging.New(c.String("log-level"), "console")
		defer func() { _ = logger.Sync() }()

		m, err := pgstore.NewMigrator(c.String("database-url"), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Close(); err != nil {
				logger.Warn("migrator close failed", zap.Error(err))
			}
		}()
		if err := fn(c, m); err != nil {
			return fmt.Errorf("%s: %w", c.Command.Name, err)
		}
		return nil
	}
}
