package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

func (s *Service) startPass(terminalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passes[terminalID]; ok {
		return false
	}
	s.passes[terminalID] = struct{}{}
	return true
}

func (s *Service) endPass(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passes, terminalID)
}

// Reconcile сверяет терминал с каталогом upstream и сопоставлениями.
// Отказ связи с терминалом прерывает проход только этого терминала, отмена контекста
// останавливает проход между идентичностями. Запись журнала добавляется в любом случае.
func (s *Service) Reconcile(ctx context.Context, terminalID string, trigger Trigger) (*Run, error) {
	targets, err := s.targets(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	t := &targets[0]

	if !s.startPass(t.ID) {
		return nil, ErrPassInProgress
	}
	defer s.endPass(t.ID)

	log := s.log.With("terminal", t.ID, "trigger", trigger)
	log.Info("reconciliation pass started")

	run := &Run{TerminalID: t.ID, Trigger: trigger, StartedAt: s.now()}
	err = s.pass(ctx, t, run)
	run.FinishedAt = s.now()

	switch {
	case ctx.Err() != nil:
		run.Status = RunCancelled
		run.Error = ctx.Err().Error()
		err = ctx.Err()
	case err != nil:
		run.Status = RunAborted
		run.Error = err.Error()
	default:
		run.Status = RunCompleted
		if uerr := s.terminals.UpdateLastFullSync(ctx, t.ID, run.FinishedAt); uerr != nil {
			log.Error("failed to update last full sync", logger.Err(uerr))
		}
	}

	if aerr := s.runs.Append(context.WithoutCancel(ctx), run); aerr != nil {
		log.Error("failed to append sync run", logger.Err(aerr))
		if err == nil {
			err = fmt.Errorf("failed to append sync run: %w", aerr)
		}
	}

	log.Info("reconciliation pass finished",
		"status", run.Status,
		"created", run.Created,
		"updated", run.Updated,
		"deleted", run.Deleted,
		"skipped", run.Skipped,
		"failed", run.Failed,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)
	return run, err
}

func (s *Service) pass(ctx context.Context, t *terminal.Terminal, run *Run) error {
	rows, err := s.gateway.LoadAll(ctx, t, terminal.LoadRequest{
		Object: terminal.ObjectUsers,
		Limit:  s.config.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to load terminal users: %w", err)
	}
	obs := observe(rows)

	entries, err := s.directory.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}
	mappings, err := s.mappings.ListByTerminal(ctx, t.ID)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		known[e.UpstreamID] = struct{}{}
	}
	// идентичность пропала из каталога, а строка еще живая
	for _, m := range mappings {
		if _, ok := known[m.UpstreamID]; ok || m.State == mapping.StateDeleted {
			continue
		}
		entries = append(entries, DirectoryEntry{
			Identity: Identity{UpstreamID: m.UpstreamID, Registration: m.NaturalKey},
			Deleted:  true,
			Sequence: m.Sequence,
		})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.Concurrency())
	for i := range entries {
		if gctx.Err() != nil {
			break
		}
		e := &entries[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := s.syncLocked(gctx, t, e, obs)

			mu.Lock()
			tally(run, res.Outcome)
			mu.Unlock()

			if err != nil && terminal.KindOf(err) == terminal.KindTransient {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.config.PruneUnmanaged {
		if err := s.prune(ctx, t, obs, run); err != nil {
			return err
		}
	}
	return s.cleanupPhotos(ctx, t)
}

func tally(run *Run, outcome Outcome) {
	switch outcome {
	case OutcomeCreated, OutcomeAdopted:
		run.Created++
	case OutcomeUpdated:
		run.Updated++
	case OutcomeDeleted:
		run.Deleted++
	case OutcomeSkipped:
		run.Skipped++
	case OutcomeFailed:
		run.Failed++
	}
}

// managed идентификаторы терминала, за которыми стоит живое сопоставление
func (s *Service) managed(ctx context.Context, terminalID string) (map[int64]struct{}, []mapping.Mapping, error) {
	list, err := s.mappings.ListByTerminal(ctx, terminalID)
	if err != nil {
		return nil, nil, err
	}
	ids := make(map[int64]struct{}, len(list))
	for _, m := range list {
		if m.Live() && m.HasDevice() {
			ids[m.DeviceUserID] = struct{}{}
		}
	}
	return ids, list, nil
}

// prune удаляет пользователей терминала, которых нет ни в одном сопоставлении
func (s *Service) prune(ctx context.Context, t *terminal.Terminal, obs *observation, run *Run) error {
	ids, _, err := s.managed(ctx, t.ID)
	if err != nil {
		return err
	}

	var unmanaged []int64
	for id := range obs.byID {
		if _, ok := ids[id]; !ok {
			unmanaged = append(unmanaged, id)
		}
	}
	sort.Slice(unmanaged, func(i, j int) bool { return unmanaged[i] < unmanaged[j] })

	for _, id := range unmanaged {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.gateway.DestroyEntities(ctx, t, terminal.ObjectUsers, terminal.Values{"id": id})
		switch {
		case err == nil:
			if n > 0 {
				run.Deleted++
			}
			s.log.Info("unmanaged terminal user removed", "terminal", t.ID, "device_user_id", id)
		case terminal.KindOf(err) == terminal.KindTransient:
			return err
		default:
			run.Failed++
			s.log.Warn("failed to remove unmanaged terminal user", "terminal", t.ID, "device_user_id", id, logger.Err(err))
		}
	}
	return nil
}

// cleanupPhotos сбрасывает отпечатки фотографий, которых на терминале больше нет,
// и по настройке удаляет фотографии без владельца
func (s *Service) cleanupPhotos(ctx context.Context, t *terminal.Terminal) error {
	owners, err := s.gateway.ListPhotoOwners(ctx, t)
	if err != nil {
		if terminal.KindOf(err) == terminal.KindTransient {
			return err
		}
		s.log.Warn("failed to list photo owners", "terminal", t.ID, logger.Err(err))
		return nil
	}
	have := make(map[int64]struct{}, len(owners))
	for _, o := range owners {
		have[o.UserID] = struct{}{}
	}

	_, list, err := s.managed(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, m := range list {
		if !m.Live() || !m.HasDevice() || m.PhotoFingerprint == "" {
			continue
		}
		if _, ok := have[m.DeviceUserID]; ok {
			continue
		}
		if err := s.mappings.SetPhotoFingerprint(ctx, m.UpstreamID, t.ID, ""); err != nil {
			s.log.Error("failed to clear photo fingerprint", "upstream_id", m.UpstreamID, logger.Err(err))
			continue
		}
		s.log.Info("photo missing on terminal, fingerprint cleared", "terminal", t.ID, "upstream_id", m.UpstreamID)
	}

	if !s.config.DeleteOrphanPhotos {
		return nil
	}
	if err := s.gateway.DeletePhotos(ctx, t, terminal.PhotoDeletion{Orphaned: true}); err != nil {
		if terminal.KindOf(err) == terminal.KindTransient {
			return err
		}
		s.log.Warn("failed to delete orphaned photos", "terminal", t.ID, logger.Err(err))
	}
	return nil
}

// ReconcileAll запускает проходы по всем терминалам параллельно. Отказ одного терминала
// не влияет на остальные, уже идущий проход пропускается.
func (s *Service) ReconcileAll(ctx context.Context, trigger Trigger) ([]Run, error) {
	list, err := s.terminals.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}

	var (
		mu   sync.Mutex
		runs []Run
		errs []error
		wg   sync.WaitGroup
	)
	for _, t := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.Reconcile(ctx, t.ID, trigger)

			mu.Lock()
			defer mu.Unlock()
			if run != nil {
				runs = append(runs, *run)
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrPassInProgress):
				s.log.Info("reconciliation pass already running, skipped", "terminal", t.ID)
			default:
				errs = append(errs, fmt.Errorf("terminal %s: %w", t.ID, err))
			}
		}()
	}
	wg.Wait()

	sort.Slice(runs, func(i, j int) bool { return runs[i].TerminalID < runs[j].TerminalID })
	return runs, errors.Join(errs...)
}
