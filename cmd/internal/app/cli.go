package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tandem/cmd/domain"
	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/store"

	"github.com/urfave/cli/v2"
)

// Run is the CLI entrypoint used by cmd/tandem. It returns an error instead
// of calling os.Exit to keep defers effective.
func Run(args []string, out io.Writer) error {
	return newCLI(out).Run(args)
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "tandem",
		Usage:  "Collaborative event sync server.",
		Writer: out,
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
		},
		DefaultCommand: "serve",
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and realtime gateway.",
		Action: func(c *cli.Context) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			log := NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := New(ctx, cfg, log)
			if err != nil {
				log.Error("server.init.fail", "err", err)
				return err
			}
			return a.Run(ctx)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the embedded schema to TANDEM_DATABASE_URL.",
		Action: func(c *cli.Context) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: TANDEM_DATABASE_URL is not set")
			}
			log := NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

			ctx, cancel := context.WithTimeout(c.Context, time.Minute)
			defer cancel()

			pool, err := openDBPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool, cfg.DBSchema); err != nil {
				return err
			}
			log.Info("db.migrate.done", "schema", cfg.DBSchema)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "PASETO v4 key and access-token helpers for development.",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Print a fresh keypair as environment assignments.",
				Action: func(c *cli.Context) error {
					kp := auth.GenerateKeypair()
					_, err := fmt.Fprintf(c.App.Writer,
						"TANDEM_AUTH_PASETO_V4_SECRET_KEY_HEX=%s\nTANDEM_AUTH_PASETO_V4_PUBLIC_KEY_HEX=%s\n",
						kp.SecretKeyHex, kp.PublicKeyHex)
					return err
				},
			},
			{
				Name:  "issue",
				Usage: "Mint an access token for an actor.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "actor id", Required: true},
					&cli.StringFlag{Name: "email", Usage: "actor email", Required: true},
					&cli.StringFlag{Name: "session", Usage: "optional session id"},
					&cli.DurationFlag{Name: "ttl", Usage: "override TANDEM_AUTH_ACCESS_TTL"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := LoadConfig()
					if err != nil {
						return err
					}
					if ttl := c.Duration("ttl"); ttl > 0 {
						cfg.Auth.AccessTTL = ttl
					}
					m, err := auth.NewTokenManager(cfg.Auth)
					if err != nil {
						return err
					}

					actor := domain.Actor{ID: c.String("user"), Email: domain.NormalizeEmail(c.String("email"))}
					if !domain.ValidEmail(actor.Email) {
						return domain.Invalid("token.issue", "invalid email")
					}
					tok, exp, err := m.Issue(actor, c.String("session"), time.Now())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(c.App.Writer, "%s\n# expires %s\n", tok, exp.UTC().Format(time.RFC3339))
					return err
				},
			},
		},
	}
}
