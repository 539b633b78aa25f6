package server

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

// every вызывает fn с периодом interval до отмены ctx. interval <= 0 отключает задачу.
func every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// reconcileJob плановая сверка всех терминалов
func reconcileJob(engine sync.Servicer, log *slog.Logger) func(context.Context) {
	log = log.With("component", "scheduler", "job", "reconcile")
	return func(ctx context.Context) {
		runs, err := engine.ReconcileAll(ctx, sync.TriggerSchedule)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("scheduled reconciliation finished with errors", logger.Err(err))
		}
		for _, run := range runs {
			log.Debug("scheduled pass", "terminal", run.TerminalID, "status", run.Status)
		}
	}
}

// drainJob выгрузка очередей фотографий по всем терминалам
func drainJob(terminals terminal.Repository, photos photo.Servicer, log *slog.Logger) func(context.Context) {
	log = log.With("component", "scheduler", "job", "photo_drain")
	return func(ctx context.Context) {
		list, err := terminals.List(ctx)
		if err != nil {
			log.Error("failed to list terminals", logger.Err(err))
			return
		}
		for _, t := range list {
			res, err := photos.Drain(ctx, t.ID)
			if err != nil {
				log.Warn("photo drain failed", "terminal", t.ID, logger.Err(err))
				continue
			}
			if res.Batches > 0 {
				log.Info("photo queue drained", "terminal", t.ID,
					"accepted", res.Accepted, "rejected", res.Rejected, "requeued", res.Requeued)
			}
		}
	}
}
