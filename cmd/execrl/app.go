package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/config"
	"github.com/tathienbao/execrl/internal/experience"
	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/persistence"
	"github.com/tathienbao/execrl/internal/policy"
	"github.com/tathienbao/execrl/internal/recommend"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/trainer"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *persistence.SQLiteRepository
	alerter alerting.EventAlerter

	recorder *experience.Recorder
	policies *policy.Store
	trainer  *trainer.Trainer
	cache    *recommend.Cache
	service  *recommend.Service
	builder  *state.Builder
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.Persistence.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	m := metrics.NewRecorder()
	alerter := newAlerter(cfg, logger)

	policies := policy.NewStore(repo, alerter, m, logger)
	tr := trainer.New(cfg.ToTrainerConfig(), repo, policies, alerter, m, logger)
	cache := recommend.NewCache(cfg.ToCacheConfig(), policies, alerter, m, logger)
	tr.AddListener(cache)

	return &app{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		alerter:  alerter,
		recorder: experience.NewRecorder(cfg.ToRecorderConfig(), repo, m, logger),
		policies: policies,
		trainer:  tr,
		cache:    cache,
		service:  recommend.NewService(cache, m, logger),
		builder:  state.NewBuilder(cfg.ToBuilderConfig(), repo, logger),
	}, nil
}

func (a *app) Close() error {
	a.recorder.Wait()
	return a.repo.Close()
}

// newAlerter builds the configured alert channels behind the event filter.
func newAlerter(cfg *config.Config, logger *slog.Logger) alerting.EventAlerter {
	if !cfg.Alerting.Enabled {
		return alerting.Nop{}
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		}
	}
	if len(cfg.Alerting.Channels) == 0 {
		multi.AddAlerter(alerting.NewConsoleAlerter(logger))
	}

	return alerting.NewFiltered(multi, cfg.Alerting.Events)
}

// healthChecks registers database and policy checks on srv.
func (a *app) healthChecks(srv *metrics.Server) {
	srv.RegisterHealthCheck("database", func(ctx context.Context) metrics.Check {
		if err := a.repo.Ping(ctx); err != nil {
			return metrics.Unhealthy(err.Error())
		}
		return metrics.Healthy("")
	})
	srv.RegisterHealthCheck("policy", func(ctx context.Context) metrics.Check {
		if p := a.cache.Get(ctx); p != nil {
			return metrics.Healthy(fmt.Sprintf("version %d", p.Version))
		}
		// Serving defaults is still healthy.
		return metrics.Healthy("no active policy, serving defaults")
	})
}
