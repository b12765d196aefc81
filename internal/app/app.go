// Package app wires configuration into the stores, transports and engine
// shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/config"
	"github.com/rxfield/crm/internal/mailing"
	"github.com/rxfield/crm/internal/pkg/distlock"
	"github.com/rxfield/crm/internal/pkg/logger"
	"github.com/rxfield/crm/internal/repository/memory"
	"github.com/rxfield/crm/internal/repository/postgres"
	"github.com/rxfield/crm/internal/service/campaign"
	"github.com/rxfield/crm/internal/whatsapp"
)

// ErrNoDatabase is returned when neither a database URL nor in-memory mode
// was requested.
var ErrNoDatabase = errors.New("database url is required unless running in memory mode")

// CRMStore is what the engine and API need from the CRM collaborators.
type CRMStore interface {
	automation.LeadStore
	automation.TemplateStore
	automation.TagStore
}

// App holds the wired components. Close releases them.
type App struct {
	DB      *sql.DB
	Redis   *redis.Client
	Memory  *memory.Store
	CRM     CRMStore
	Engine  *automation.Engine
	Service *campaign.Service

	closers []func() error
}

// Options select optional wiring.
type Options struct {
	// InMemory keeps every store in process. For demos and local runs.
	InMemory bool
	// Email overrides the SES sender.
	Email automation.EmailTransport
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	a := &App{}
	var (
		stores automation.Stores
		repo   campaign.Repository
	)

	switch {
	case opts.InMemory:
		a.Memory = memory.New()
		a.CRM = a.Memory.CRM()
		repo = a.Memory.Campaigns()
		stores = automation.Stores{
			Campaigns:   a.Memory.Campaigns(),
			Enrollments: a.Memory.Enrollments(),
			Executions:  a.Memory.Executions(),
			Engagements: a.Memory.Engagements(),
		}
		logger.Warn("running with in-memory stores", "component", "app")
	case cfg.Database.URL != "":
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		a.CRM = postgres.NewCRMRepo(db)
		campaigns := postgres.NewCampaignRepo(db)
		repo = campaigns
		stores = automation.Stores{
			Campaigns:   campaigns,
			Enrollments: postgres.NewEnrollmentRepo(db),
			Executions:  postgres.NewExecutionRepo(db),
			Engagements: postgres.NewEngagementRepo(db),
		}
	default:
		return nil, ErrNoDatabase
	}

	a.Redis = openRedis(ctx, cfg.Redis)
	if a.Redis != nil {
		a.closers = append(a.closers, a.Redis.Close)
	}

	email := opts.Email
	if email == nil {
		sender, err := mailing.NewSESSender(ctx, mailing.SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			FromName:         cfg.SES.FromName,
			FromEmail:        cfg.SES.FromEmail,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ses sender: %w", err)
		}
		email = sender
	}

	a.Engine = automation.NewEngine(stores, automation.Collaborators{
		Leads:       a.CRM,
		Templates:   a.CRM,
		Tags:        a.CRM,
		Engagements: stores.Engagements,
		Email:       email,
		Messaging:   whatsapp.NewClient(cfg.WhatsApp),
		Renderer:    mailing.NewTemplateService(),
	}, automation.Config{
		Schedule:        cfg.Engine.Schedule,
		BatchSize:       cfg.Engine.BatchSize,
		Concurrency:     cfg.Engine.WorkerConcurrency,
		HandlerTimeout:  cfg.Engine.HandlerTimeout(),
		RecheckInterval: cfg.Engine.RecheckInterval(),
		StaleAfter:      cfg.Engine.StaleAfter(),
	})
	if a.Redis != nil || a.DB != nil {
		a.Engine.WithLock(distlock.NewLock(a.Redis, a.DB, cfg.Engine.LockKey, cfg.Engine.LockTTL()))
	}

	a.Service = campaign.NewService(repo, stores.Enrollments, stores.Executions, a.Engine.Enroller(), a.Engine)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.URL
	if !strings.Contains(dsn, "connect_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "connect_timeout=5"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime())
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database", "component", "app")
	return db, nil
}

// openRedis returns nil when Redis is not configured or unreachable; the
// sweep lock then falls back to a Postgres advisory lock.
func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("redis not configured, using advisory locks", "component", "app")
		return nil
	}
	var client *redis.Client
	if opts, err := redis.ParseURL(cfg.Addr); err == nil {
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using advisory locks", "component", "app", "addr", cfg.Addr, "error", err.Error())
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "app", "addr", cfg.Addr)
	return client
}
