package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rxfield/crm/internal/app"
	"github.com/rxfield/crm/internal/config"
	"github.com/rxfield/crm/internal/pkg/logger"
)

func main() {
	cmd := &cli.Command{
		Name:  "crm-worker",
		Usage: "Run the campaign automation engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule of the sweep (overrides config)",
				Sources: cli.EnvVars("ENGINE_SCHEDULE"),
			},
		},
		Action: runWorker,
		Commands: []*cli.Command{
			{
				Name:   "sweep",
				Usage:  "Run a single sweep and exit",
				Action: runOnce,
			},
			{
				Name:   "recover",
				Usage:  "Fail executions abandoned by a crashed worker and exit",
				Action: runRecover,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("worker exited", "component", "worker", "error", err.Error())
		os.Exit(1)
	}
}

func build(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	logger.SetService("crm-worker")
	cfg, err := config.LoadFromEnv(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if s := cmd.String("schedule"); s != "" {
		cfg.Engine.Schedule = s
	}
	return app.New(ctx, cfg, app.Options{})
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	a, err := build(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Engine.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker", "component", "worker")
	a.Engine.Stop()
	st := a.Engine.Stats()
	logger.Info("worker stopped", "component", "worker",
		"sweeps", st.Sweeps, "executed", st.Executed, "failed", st.Failed)
	return nil
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	a, err := build(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Engine.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("claimed=%d recovered=%d skipped=%t\n", res.Claimed, res.Recovered, res.Skipped)
	return nil
}

func runRecover(ctx context.Context, cmd *cli.Command) error {
	a, err := build(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Engine.RecoverStale(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("failed %d stale executions\n", n)
	return nil
}
