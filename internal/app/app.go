package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"threatdesk/internal/auth"
	"threatdesk/internal/claim"
	"threatdesk/internal/config"
	"threatdesk/internal/db"
	"threatdesk/internal/detection"
	"threatdesk/internal/events"
	"threatdesk/internal/httpserver"
	"threatdesk/internal/incidents"
	"threatdesk/internal/reasoning"
	"threatdesk/internal/storage"
)

// App holds the wired components shared by every command.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Auth      *auth.Service
	Events    events.Repository
	Incidents *incidents.Service

	closers []func() error
}

type stores struct {
	incidents incidents.Repository
	events    events.Repository
	users     auth.UserStore
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	if cfg.Auth.UsersPath != "" {
		n, err := auth.SeedFromFile(ctx, st.users, cfg.Auth.UsersPath)
		if err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
		if n > 0 {
			a.Logger.Info("seeded users", zap.Int("count", n))
		}
	}
	a.Auth = auth.NewService(st.users, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	a.Events = st.events

	detector, err := a.newDetector(st.events)
	if err != nil {
		return err
	}

	var reasoner incidents.Reasoner = reasoning.Disabled{}
	if cfg.Reasoning.Endpoint != "" {
		client, err := reasoning.NewClient(reasoning.Config(cfg.Reasoning), a.Logger)
		if err != nil {
			return fmt.Errorf("reasoning client: %w", err)
		}
		reasoner = client
	} else {
		a.Logger.Info("reasoning endpoint not configured, enrichment disabled")
	}
	dispatcher := incidents.NewDispatcher(reasoner, cfg.Enrichment.Timeout, a.Logger)

	var claimer incidents.Claimer
	if cfg.Redis.Addr != "" {
		rc, err := claim.NewRedisClaimer(claim.RedisConfig(cfg.Redis))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rc.Close)
		claimer = rc
	}

	builder := incidents.NewBuilder(st.incidents, claimer, dispatcher, incidents.BuilderConfig{
		DuplicateWindow:  cfg.Correlation.DuplicateWindow,
		EscalationWindow: cfg.Correlation.EscalationWindow,
		RepeatThreshold:  cfg.Correlation.RepeatThreshold,
		AnalysisMinRisk:  cfg.Enrichment.AnalysisMinRisk,
	}, a.Logger)
	lifecycle := incidents.NewLifecycle(st.incidents, dispatcher, incidents.DefaultTransitionRetries, a.Logger)
	a.Incidents = incidents.NewService(st.incidents, detector, builder, lifecycle, a.Logger)
	return nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "postgres":
		conn, err := db.Open(ctx, cfg.DSN)
		if err != nil {
			return stores{}, fmt.Errorf("open db: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		if err := db.RunMigrations(ctx, conn, cfg.SchemaDir); err != nil {
			return stores{}, fmt.Errorf("run migrations: %w", err)
		}
		return stores{
			incidents: incidents.NewStore(conn),
			events:    events.NewStore(conn),
			users:     auth.NewStore(conn),
		}, nil
	case "badger":
		var kv *storage.BadgerStore
		var err error
		if cfg.BadgerKey != "" {
			kv, err = storage.NewBadgerStoreWithKey(cfg.BadgerPath, cfg.BadgerKey)
		} else {
			kv, err = storage.NewBadgerStore(cfg.BadgerPath)
		}
		if err != nil {
			return stores{}, fmt.Errorf("open badger %s: %w", cfg.BadgerPath, err)
		}
		a.closers = append(a.closers, kv.Close)
		return stores{
			incidents: incidents.NewKVStore(kv),
			events:    events.NewKVStore(kv),
			users:     auth.NewKVStore(kv),
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func (a *App) newDetector(repo events.Repository) (*detection.Detector, error) {
	cfg := a.Config.Detection
	var rules []detection.RuleConfig
	if cfg.RulesPath != "" {
		loaded, err := detection.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rules = loaded
	}
	var engine *detection.SigmaEngine
	if cfg.SigmaPath != "" {
		e, stats, err := detection.NewSigmaEngine(cfg.SigmaPath)
		if err != nil {
			return nil, fmt.Errorf("load sigma rules: %w", err)
		}
		a.Logger.Info("sigma rules loaded",
			zap.Int("files", stats.TotalFiles),
			zap.Int("loaded", stats.Loaded),
			zap.Int("skipped_complex", stats.SkippedComplex),
			zap.Int("skipped_datasource", stats.SkippedDatasource),
			zap.Int("skipped_invalid", stats.SkippedInvalid),
		)
		engine = e
	}
	a.Logger.Info("detection rules loaded", zap.Int("rules", len(rules)))
	return detection.New(repo, rules, engine, detection.Config{
		Lookback:     cfg.Lookback,
		MinRiskScore: cfg.MinRiskScore,
	}, a.Logger), nil
}

func (a *App) Handler() http.Handler {
	return httpserver.NewRouter(httpserver.Deps{
		Logger:      a.Logger,
		Auth:        a.Auth,
		Events:      a.Events,
		Incidents:   a.Incidents,
		IngestToken: a.Config.Auth.IngestToken,
	})
}

// Close releases stores and clients in reverse open order.
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
