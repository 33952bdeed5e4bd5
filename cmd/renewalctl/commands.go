package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/delivery"
	"github.com/drfirst/go-rxrenew/internal/dispatchlock"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/internal/rules"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "renewalctl",
		Short:         "Prescription renewal and appointment reminder tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("policy", "", "policy file (defaults to POLICY_FILE, then the built-in policy)")

	root.AddCommand(
		newDecideCommand(),
		newScheduleCommand(),
		newDispatchCommand(),
		newMigrateCommand(),
	)
	return root
}

// loadPolicy prefers --policy, then POLICY_FILE.
func loadPolicy(cmd *cobra.Command, cfg *config.Config) (rules.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("policy")
	if err != nil {
		return rules.Config{}, fmt.Errorf("failed to get policy flag: %w", err)
	}
	if path == "" && cfg != nil {
		path = cfg.PolicyFile
	}
	return rules.LoadOrDefault(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type decideOutput struct {
	Decision renewal.Decision `json:"decision"`
	Dates    renewal.Dates    `json:"dates"`
}

func newDecideCommand() *cobra.Command {
	var (
		chronic   bool
		durations []int
		atcCodes  []string
		nowFlag   string
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Compute the renewal decision for a set of items",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := loadPolicy(cmd, nil)
			if err != nil {
				return err
			}
			now, err := parseNow(nowFlag)
			if err != nil {
				return err
			}
			d := policy.Decide(chronic, atcCodes, durations)
			return printJSON(cmd.OutOrStdout(), decideOutput{
				Decision: d,
				Dates:    renewal.ComputeDates(now, d),
			})
		},
	}
	cmd.Flags().BoolVar(&chronic, "chronic", false, "treat the prescription as chronic")
	cmd.Flags().IntSliceVar(&durations, "duration", nil, "item duration in days (repeatable)")
	cmd.Flags().StringSliceVar(&atcCodes, "atc", nil, "item ATC code (repeatable)")
	cmd.Flags().StringVar(&nowFlag, "now", "", "reference instant in RFC3339 (default: current time)")
	return cmd
}

func newScheduleCommand() *cobra.Command {
	var atFlag, nowFlag string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the reminders an appointment would get",
		RunE: func(cmd *cobra.Command, args []string) error {
			if atFlag == "" {
				return fmt.Errorf("--at is required")
			}
			at, err := time.Parse(time.RFC3339, atFlag)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			now, err := parseNow(nowFlag)
			if err != nil {
				return err
			}
			policy, err := loadPolicy(cmd, nil)
			if err != nil {
				return err
			}
			reminders := reminder.Schedule("preview", at, now, policy.Reminders)
			if reminders == nil {
				reminders = []reminder.Reminder{}
			}
			return printJSON(cmd.OutOrStdout(), reminders)
		},
	}
	cmd.Flags().StringVar(&atFlag, "at", "", "appointment instant in RFC3339")
	cmd.Flags().StringVar(&nowFlag, "now", "", "reference instant in RFC3339 (default: current time)")
	return cmd
}

func newDispatchCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one reminder dispatch batch against the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			policy, err := loadPolicy(cmd, cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 4})
			if err != nil {
				return err
			}
			defer pool.Close()

			router, err := delivery.RouterFromConfig(cfg, delivery.NewBreakers(nil, logger), logger)
			if err != nil {
				return err
			}
			locker, closeLocker, err := dispatchlock.New(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			store := postgres.NewReminderStore(pool, logger)
			worker, err := reminder.NewWorker(store, store, router, policy.Reminders, reminder.DefaultWorkerConfig(), logger,
				reminder.WithLocker(locker))
			if err != nil {
				return err
			}

			res, err := worker.ProcessDue(ctx, time.Now(), limit)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum reminders to handle")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

// setup loads the environment configuration for commands that need the
// database.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func parseNow(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --now: %w", err)
	}
	return t, nil
}
