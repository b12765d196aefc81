package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rxfield/crm/internal/api"
	"github.com/rxfield/crm/internal/app"
	"github.com/rxfield/crm/internal/config"
	"github.com/rxfield/crm/internal/pkg/logger"
)

func main() {
	cmd := &cli.Command{
		Name:  "crm-server",
		Usage: "Serve the campaign automation admin API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Listen port (overrides config)",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "memory",
				Usage:   "Keep all data in memory instead of Postgres",
				Sources: cli.EnvVars("CRM_IN_MEMORY"),
			},
			&cli.BoolFlag{
				Name:    "with-engine",
				Usage:   "Also run the campaign sweep in this process",
				Sources: cli.EnvVars("CRM_WITH_ENGINE"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("server exited", "component", "server", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger.SetService("crm-server")
	cfg, err := config.LoadFromEnv(cmd.String("config"))
	if err != nil {
		return err
	}
	if p := cmd.Int("port"); p > 0 {
		cfg.Server.Port = p
	}

	a, err := app.New(ctx, cfg, app.Options{InMemory: cmd.Bool("memory")})
	if err != nil {
		return err
	}
	defer a.Close()

	var engine api.EngineStatus
	if cmd.Bool("with-engine") {
		if err := a.Engine.Start(); err != nil {
			return err
		}
		defer a.Engine.Stop()
		engine = a.Engine
	}

	health := api.NewHealthChecker(a.DB, a.Redis, engine, 3*cfg.Engine.StaleAfter())
	server := api.NewServer(cfg.Server, api.NewHandlers(a.Service, a.CRM, a.Engine.Enroller(), health))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "component", "server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down", "component", "server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
