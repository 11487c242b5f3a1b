package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/logger"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/db/migrate"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/service"
)

var (
	// logLevel overrides LOG_LEVEL for one invocation.
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "freshtrackctl",
		Short:         "Operate the freshtrack evaluator and notifier.",
		Long:          "One-shot operations against the freshtrack database: schema migrations, a single evaluation run, dispatch of specific alerts, a notifier sweep and alert acknowledgement. Connection settings come from the same environment as the services.",
		SilenceUsage: true,
	}

	migrateCmd = &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the schema migrations.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := migrate.Run(cfg.Database.GetURL(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
			return nil
		},
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Run the unit state evaluator once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(service.NewEvaluatorService, func(ctx context.Context, s *service.EvaluatorService) error {
				res, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), res)
			})
		},
	}

	dispatchCmd = &cobra.Command{
		Use:   "dispatch <alert-id>...",
		Short: "Deliver notifications for the given pending alerts.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(service.NewNotifierService, func(ctx context.Context, s *service.NotifierService) error {
				res, err := s.Dispatch(ctx, args)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), res)
			})
		},
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch pending alerts, due escalations and reminders once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(service.NewNotifierService, func(ctx context.Context, s *service.NotifierService) error {
				res, err := s.Sweep(ctx)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), res)
			})
		},
	}

	ackCmd = &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an active alert, stopping its reminders.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(service.NewNotifierService, func(ctx context.Context, s *service.NotifierService) error {
				if err := s.Acknowledge(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "alert %s acknowledged\n", args[0])
				return nil
			})
		},
	}
)

type stoppable interface {
	Stop() error
}

// withService builds a service from the environment, runs fn under a
// signal-aware context and stops the service.
func withService[S stoppable](build func(*config.Config, *zap.Logger) (S, error), fn func(context.Context, S) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logger.NewLogger(cfg.Log.Level, "console", "freshtrackctl")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Stop(); err != nil {
			log.Warn("Failed to stop service", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return fn(ctx, s)
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// Execute runs freshtrackctl and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(migrateCmd, evaluateCmd, dispatchCmd, sweepCmd, ackCmd)
}
