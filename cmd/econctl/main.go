package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/guildhall/economy/internal/auth"
	"github.com/guildhall/economy/internal/config"
	"github.com/guildhall/economy/internal/guild"
	"github.com/guildhall/economy/internal/infra"
	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/logging"
	"github.com/guildhall/economy/internal/market"
	"github.com/guildhall/economy/internal/notification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "econctl")

	root := &cobra.Command{
		Use:          "econctl",
		Short:        "Operator tooling for the game economy",
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(cfg, logger),
		newSweepCmd(cfg, logger),
		newAuditCmd(cfg, logger),
		newTokenCmd(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	return infra.NewPostgresPool(ctx, cfg.DatabaseURL, 4)
}

func newMigrateCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := infra.Migrate(cmd.Context(), db, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newSweepCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue listings and stale join requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			tuning, err := config.LoadTuning(cfg.TuningFile)
			if err != nil {
				return err
			}

			var notifier notification.Notifier = notification.NewLoggerNotifier(logger)
			if cfg.NATSURL != "" {
				nc, js, err := infra.NewJetStream(ctx, cfg.NATSURL, "econctl")
				if err != nil {
					return err
				}
				defer nc.Close()
				notifier = notification.NewNATSNotifier(js, infra.EventSubjectPrefix)
			}

			l := ledger.NewPostgresLedger(db, ledger.WithTimeout(cfg.TxTimeout), ledger.WithMaxAttempts(cfg.TxMaxAttempts))
			guilds := guild.NewService(guild.NewPostgresRepository(db), l, notifier, logger, guild.Options{
				RejectCooldown: cfg.JoinRejectCooldown,
				RequestTTL:     cfg.JoinRequestTTL,
			})
			sweeper := market.NewSweeper(market.NewService(l, tuning, notifier, logger), guilds, cfg.SweepInterval, tuning.SweepBatchSize, logger)
			if loop {
				if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}
			res, err := sweeper.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d listing(s), %d join request(s)\n", res.Listings, res.JoinRequests)
			return err
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every SWEEP_INTERVAL until interrupted")
	return cmd
}

func newAuditCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Replay ledger history and compare it with stored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			mismatches, err := ledger.Audit(cmd.Context(), ledger.NewPostgresLedger(db))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range mismatches {
				fmt.Fprintf(out, "%s stored=%d replayed=%d\n", m.Account, m.Stored, m.Replayed)
			}
			if len(mismatches) > 0 {
				logger.Error("ledger audit failed", "mismatches", len(mismatches))
				return fmt.Errorf("%d account(s) out of balance", len(mismatches))
			}
			fmt.Fprintln(out, "ledger balanced")
			return nil
		},
	}
}

func newTokenCmd(cfg config.Config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SessionSecret == "" {
				return fmt.Errorf("SESSION_SECRET must be set")
			}
			token, exp, err := auth.NewSessions(cfg.SessionSecret, ttl).Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
