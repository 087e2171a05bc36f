package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/cloud-render/internal/config"
	"github.com/yourusername/cloud-render/internal/jobs"
	"github.com/yourusername/cloud-render/internal/render"
	"github.com/yourusername/cloud-render/internal/storage"
)

const retentionInterval = time.Hour

type renderApp struct {
	store   *storage.Local
	manager *jobs.Manager
	history *jobs.RedisStore
	unlock  func() error
}

// Close は外部接続を閉じます。
func (a *renderApp) Close() {
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.unlock != nil {
		_ = a.unlock()
	}
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*renderApp, error) {
	store := storage.NewLocal(cfg.StorageDir,
		storage.WithChunkSize(cfg.UploadChunkBytes),
		storage.WithProjectFilename(cfg.ProjectFilename),
		storage.WithOutputFilename(cfg.OutputFilename),
	)
	if err := store.Init(); err != nil {
		return nil, err
	}
	unlock, err := store.Lock()
	if err != nil {
		return nil, err
	}

	supervisor := render.NewSupervisor(cfg.MeltPath,
		render.WithTimeout(cfg.RenderTimeout()),
		render.WithLogger(logger),
	)

	app := &renderApp{store: store, unlock: unlock}
	opts := []jobs.ManagerOption{jobs.WithManagerLogger(logger)}
	if cfg.HistoryRedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		history, err := jobs.NewRedisStoreFromURL(pingCtx, cfg.HistoryRedisURL, cfg.HistoryTTL())
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to set up job history: %w", err)
		}
		app.history = history
		opts = append(opts, jobs.WithHistory(history))
		logger.WithField("ttl", cfg.HistoryTTL()).Info("Job history is stored in Redis")
	}

	manager, err := jobs.NewManager(store, supervisor, opts...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.manager = manager
	return app, nil
}

// runRetention は保持期間を過ぎた終了済みジョブのディレクトリを定期的に削除します。
func runRetention(ctx context.Context, app *renderApp, retention time.Duration, logger logrus.FieldLogger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		purgeExpired(app, retention, time.Now(), logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func purgeExpired(app *renderApp, retention time.Duration, now time.Time, logger logrus.FieldLogger) {
	removed, err := app.store.Purge(now.Add(-retention), app.manager.Removable)
	if err != nil {
		logger.WithError(err).Warn("Failed to purge expired jobs")
	}
	for _, id := range removed {
		app.manager.Release(id)
	}
	if len(removed) > 0 {
		logger.WithField("jobs", removed).Info("Purged expired jobs")
	}
}
