// Package api exposes the verdict engine and its collaborators over
// HTTP: result ingestion, per-test health, skip-rule management,
// pipeline verdicts, prompt templates and report artifact serving.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/arbiter"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/store"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/verdict"
)

const (
	shutdownTimeout = 10 * time.Second

	// verdictCacheTTL bounds how long a memoized pipeline verdict is
	// served; ingestion invalidates entries eagerly anyway.
	verdictCacheTTL = 5 * time.Minute

	readHeaderTimeout = 10 * time.Second
)

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log logrus.FieldLogger
	cfg *config.Config

	store     store.Store
	engine    *verdict.Engine
	templates *arbiter.Templates

	presigner   *s3Presigner
	localServer *localReportServer

	httpServer *http.Server
	retention  *cron.Cron
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start connects the store, builds the verdict engine and its optional
// collaborators, and starts the HTTP server and retention sweep.
func (s *server) Start(ctx context.Context) error {
	s.store = store.New(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if s.cfg.Auth.Enabled {
		if err := s.store.SeedUsers(ctx, s.cfg.Auth.Users); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}

	s.templates = arbiter.NewTemplates(s.loadPromptTemplate)

	arb, err := arbiter.New(s.log, s.cfg.Arbitration, s.templates)
	if err != nil {
		return fmt.Errorf("initializing arbitration client: %w", err)
	}

	if arb != nil {
		s.log.WithField("endpoint", s.cfg.Arbitration.Endpoint).
			Info("Arbitration enabled")
	}

	s.engine = verdict.New(
		s.log, s.store, arb, verdict.NewMemoryCache(verdictCacheTTL),
	)

	if s.cfg.Reports != nil && s.cfg.Reports.S3 != nil && s.cfg.Reports.S3.Enabled {
		presigner, err := newS3Presigner(s.log, s.cfg.Reports.S3)
		if err != nil {
			return fmt.Errorf("initializing s3 presigner: %w", err)
		}

		s.presigner = presigner

		s.log.Info("S3 presigned report URLs enabled")
	}

	if s.cfg.Reports != nil && s.cfg.Reports.Local != nil && s.cfg.Reports.Local.Enabled {
		s.localServer = newLocalReportServer(s.log, s.cfg.Reports.Local)

		s.log.Info("Local report serving enabled")
	}

	if s.cfg.Retention.Enabled {
		if err := s.startRetention(); err != nil {
			return fmt.Errorf("starting retention sweep: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		s.log.WithField("listen", s.cfg.Server.Listen).Info("HTTP server listening")

		if err := s.httpServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// Stop shuts down the HTTP server, retention sweep and store.
func (s *server) Stop() error {
	if s.retention != nil {
		s.retention.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	return nil
}

// loadPromptTemplate is the arbiter's template loader, backed by the
// store.
func (s *server) loadPromptTemplate(ctx context.Context) (string, error) {
	tpl, err := s.store.GetPromptTemplate(ctx, arbiter.DefaultTemplateName)
	if err != nil {
		return "", err
	}

	return tpl.Content, nil
}

// startRetention schedules the periodic purge of expired runs and their
// results. Skip rules and error signatures are never purged.
func (s *server) startRetention() error {
	maxAge, err := s.cfg.Retention.MaxAgeDuration()
	if err != nil {
		return fmt.Errorf("parsing retention.max_age: %w", err)
	}

	s.retention = cron.New()

	_, err = s.retention.AddFunc(s.cfg.Retention.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		purged, err := s.store.PurgeRunsBefore(ctx, time.Now().Add(-maxAge))
		if err != nil {
			s.log.WithError(err).Warn("Retention sweep failed")

			return
		}

		if purged > 0 {
			s.log.WithField("runs", purged).Info("Purged expired runs")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}

	s.retention.Start()

	return nil
}
