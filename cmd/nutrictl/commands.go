package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/nutrikeeper/internal/app"
	"github.com/and161185/nutrikeeper/internal/config"
	"github.com/and161185/nutrikeeper/internal/migrate"
	httpserver "github.com/and161185/nutrikeeper/internal/server/http"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	envFile    string
	dsn        string
	dev        bool
	timeout    time.Duration
}

func (g *globals) load() (*config.Config, error) {
	args := []string{"-env-file", g.envFile}
	if g.configPath != "" {
		args = append(args, "-config", g.configPath)
	}
	if g.dsn != "" {
		args = append(args, "-dsn", g.dsn)
	}
	if g.dev {
		args = append(args, "-dev")
	}
	return config.Load(args)
}

// open loads config and wires the app against its store. The caller must call the returned close func.
func (g *globals) open(ctx context.Context) (*app.App, func(), error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Build(ctx, cfg, st, zap.NewNop())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return a, st.Close, nil
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "nutrictl",
		Short:         "Administer a NutriKeeper deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", os.Getenv("NK_CONFIG"), "path to YAML config file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file to load if present")
	pf.StringVar(&g.dsn, "dsn", "", "PostgreSQL DSN (overrides config)")
	pf.BoolVar(&g.dev, "dev", false, "use the in-memory store")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		newVersionCmd(),
		newMigrateCmd(g),
		newTokenCmd(g),
		newExportCmd(g),
		newSweepCmd(g),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nutrictl %s (%s)\n", version, buildDate)
		},
	}
}

func newMigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	dsn := func() (string, error) {
		cfg, err := g.load()
		if err != nil {
			return "", err
		}
		if cfg.DSN == "" {
			return "", errors.New("migrate needs a database (--dsn or NK_DSN)")
		}
		return cfg.DSN, nil
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			if err := migrate.Up(ctx, d); err != nil {
				return err
			}
			v, err := migrate.Version(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			v, err := migrate.Version(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	})
	return cmd
}

func newTokenCmd(g *globals) *cobra.Command {
	var (
		user string
		ttl  time.Duration
		save bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			id := uuid.Nil
			if user == "" {
				if id, err = uuid.NewV4(); err != nil {
					return err
				}
			} else if id, err = uuid.FromString(user); err != nil {
				return fmt.Errorf("bad --user: %w", err)
			}

			now := time.Now()
			tok, err := httpserver.IssueToken([]byte(cfg.JWTKey), id, ttl, now)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(tokenFile{AccessToken: tok, UserID: id.String(), ExpiresAt: now.Add(ttl)}); err != nil {
					return fmt.Errorf("save token: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user UUID (new random user if empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the config directory")
	return cmd
}

// userFlag resolves --user, falling back to the saved token's user.
func userFlag(user string) (uuid.UUID, error) {
	if user == "" {
		tf, err := loadToken()
		if err != nil {
			return uuid.Nil, fmt.Errorf("--user not set: %w", err)
		}
		user = tf.UserID
	}
	id, err := uuid.FromString(user)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad user id: %w", err)
	}
	return id, nil
}

func newExportCmd(g *globals) *cobra.Command {
	var user, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all records, snapshots and the goal of a user as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := userFlag(user)
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			a, closeFn, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			e, err := a.Records.Export(ctx, id)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return httpserver.WriteExport(w, e)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user UUID (defaults to the saved token's user)")
	cmd.Flags().StringVarP(&out, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func newSweepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail meals stuck in pending enrichment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			a, closeFn, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := a.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale pending records\n", n)
			return nil
		},
	}
}
