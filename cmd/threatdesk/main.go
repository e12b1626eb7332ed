package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"threatdesk/internal/app"
	"threatdesk/internal/config"
	"threatdesk/internal/httpserver"
	"threatdesk/internal/logging"
	"threatdesk/internal/scheduler"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "threatdesk",
		Short:         "Security incident correlation and lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML)")

	rootCmd.AddCommand(serveCmd(), detectCmd(), transitionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config, builds the logger and wires the application.
func setup(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return a, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled detection job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			logger := a.Logger

			sched := scheduler.New(logger)
			if spec := a.Config.Detection.Schedule; spec != "" {
				err := sched.AddJob(scheduler.JobConfig{
					Name:     "detection",
					Schedule: spec,
					Timeout:  a.Config.Detection.Timeout,
				}, func(ctx context.Context) error {
					_, err := a.Incidents.RunDetection(ctx)
					return err
				})
				if err != nil {
					return err
				}
				logger.Info("detection scheduled", zap.String("schedule", spec))
			}
			sched.Start()

			server := httpserver.New(httpserver.Config{Addr: a.Config.HTTPAddr}, a.Handler(), logger)
			serveErr := server.Run(ctx)
			if serveErr != nil {
				serveErr = fmt.Errorf("http server: %w", serveErr)
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				logger.Warn("scheduler stop", zap.Error(err))
			}
			return serveErr
		},
	}
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run detection once and print the report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			report, runErr := a.Incidents.RunDetection(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return runErr
		},
	}
}

func transitionCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "transition <incident-id> <stage>",
		Short: "Move an incident to a new lifecycle stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			inc, err := a.Incidents.Transition(ctx, args[0], args[1], notes)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inc)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Analyst notes recorded in the incident history")
	return cmd
}
