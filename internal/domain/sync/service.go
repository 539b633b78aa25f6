package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/gateway"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/terminal"
)

// Servicer интерфейс движка сверки
type Servicer interface {
	// Apply применяет уведомление upstream к адресованному терминалу или ко всем терминалам
	Apply(ctx context.Context, ev Event) ([]Result, error)

	// Reconcile выполняет полный проход сверки одного терминала
	Reconcile(ctx context.Context, terminalID string, trigger Trigger) (*Run, error)

	// ReconcileAll запускает проходы по всем терминалам
	ReconcileAll(ctx context.Context, trigger Trigger) ([]Run, error)

	// Runs возвращает журнал проходов терминала, новые первыми
	Runs(ctx context.Context, terminalID string, limit int) ([]Run, error)
}

// Locker сериализует операции над одной идентичностью на одном терминале
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Result исход обработки идентичности на одном терминале
type Result struct {
	TerminalID   string  `json:"terminal_id"`
	UpstreamID   string  `json:"upstream_id"`
	Outcome      Outcome `json:"outcome"`
	DeviceUserID int64   `json:"device_user_id,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// DefaultConfig одно подтверждение удаления, пользователи без сопоставления удаляются,
// фото без владельца не трогаются
func DefaultConfig() Config {
	return Config{
		DeleteConfirmations: 1,
		PruneUnmanaged:      true,
		PageSize:            500,
	}
}

// Service движок сверки
type Service struct {
	terminals terminal.Repository
	mappings  mapping.Servicer
	gateway   gateway.Servicer
	directory DirectoryRepository
	runs      RunRepository
	locker    Locker
	photos    photo.Servicer
	log       *slog.Logger
	config    Config

	mu     sync.Mutex
	passes map[string]struct{}
	now    func() time.Time
}

// NewService создает движок. photos может быть nil, тогда события фотографий отклоняются.
func NewService(
	terminals terminal.Repository,
	mappings mapping.Servicer,
	gw gateway.Servicer,
	directory DirectoryRepository,
	runs RunRepository,
	locker Locker,
	photos photo.Servicer,
	log *slog.Logger,
	config ...Config,
) *Service {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.DeleteConfirmations <= 0 {
		cfg.DeleteConfirmations = 1
	}
	return &Service{
		terminals: terminals,
		mappings:  mappings,
		gateway:   gw,
		directory: directory,
		runs:      runs,
		locker:    locker,
		photos:    photos,
		log:       log.With("component", "sync"),
		config:    cfg,
		passes:    make(map[string]struct{}),
		now:       time.Now,
	}
}

// Validate проверяет уведомление до применения
func (ev *Event) Validate() error {
	if ev.UpstreamID == "" {
		return fmt.Errorf("%w: upstream_id is required", ErrInvalidEvent)
	}
	switch ev.Type {
	case EventIdentityCreated, EventIdentityUpdated:
		if ev.Identity == nil {
			return fmt.Errorf("%w: identity is required for %s", ErrInvalidEvent, ev.Type)
		}
		if ev.Identity.UpstreamID != "" && ev.Identity.UpstreamID != ev.UpstreamID {
			return fmt.Errorf("%w: identity upstream_id mismatch", ErrInvalidEvent)
		}
		if ev.Identity.Registration == "" {
			return fmt.Errorf("%w: registration is required", ErrInvalidEvent)
		}
	case EventIdentityDeleted:
	case EventPhotoAttached:
		if ev.Photo == nil || len(ev.Photo.Image) == 0 {
			return fmt.Errorf("%w: photo is required for %s", ErrInvalidEvent, ev.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence", ErrInvalidEvent)
	}
	return nil
}

func (s *Service) targets(ctx context.Context, terminalID string) ([]terminal.Terminal, error) {
	if terminalID == "" {
		list, err := s.terminals.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list terminals: %w", err)
		}
		return list, nil
	}
	t, err := s.terminals.Get(ctx, terminalID)
	if err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, terminalID)
		}
		return nil, fmt.Errorf("failed to get terminal: %w", err)
	}
	return []terminal.Terminal{*t}, nil
}

func (s *Service) Apply(ctx context.Context, ev Event) ([]Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.Sequence == 0 {
		ev.Sequence = s.now().UnixNano()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}

	targets, err := s.targets(ctx, ev.TerminalID)
	if err != nil {
		return nil, err
	}

	log := s.log.With("event_id", ev.ID, "type", ev.Type, "upstream_id", ev.UpstreamID, "sequence", ev.Sequence)
	if ev.Type == EventPhotoAttached {
		return s.applyPhoto(ctx, targets, ev)
	}

	entry, err := s.record(ctx, ev)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(targets))
	for i := range targets {
		t := &targets[i]
		res, err := s.syncLocked(ctx, t, entry, nil)
		if err != nil && ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, res)
	}
	log.Info("change event applied", "terminals", len(results))
	return results, nil
}

// record сохраняет событие в реплику каталога и возвращает актуальную запись
func (s *Service) record(ctx context.Context, ev Event) (*DirectoryEntry, error) {
	entry := &DirectoryEntry{
		Deleted:   ev.Type == EventIdentityDeleted,
		Sequence:  ev.Sequence,
		UpdatedAt: ev.OccurredAt,
	}
	switch {
	case ev.Identity != nil:
		entry.Identity = *ev.Identity
	case entry.Deleted:
		prev, err := s.directory.Get(ctx, ev.UpstreamID)
		switch {
		case err == nil:
			entry.Identity = prev.Identity
		case !errors.Is(err, ErrEntryNotFound):
			return nil, fmt.Errorf("failed to get directory entry: %w", err)
		}
	}
	entry.UpstreamID = ev.UpstreamID

	applied, err := s.directory.Put(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record directory entry: %w", err)
	}
	if applied {
		return entry, nil
	}

	current, err := s.directory.Get(ctx, ev.UpstreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get directory entry: %w", err)
	}
	s.log.Debug("stale change event, using newer directory entry",
		"upstream_id", ev.UpstreamID,
		"event_sequence", ev.Sequence,
		"directory_sequence", current.Sequence,
	)
	return current, nil
}

func (s *Service) applyPhoto(ctx context.Context, targets []terminal.Terminal, ev Event) ([]Result, error) {
	if s.photos == nil {
		return nil, ErrPhotosNotWired
	}

	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		res := Result{TerminalID: t.ID, UpstreamID: ev.UpstreamID, Outcome: OutcomeQueued}

		var err error
		if ev.Photo.Urgent {
			var pr terminal.PhotoResult
			pr, err = s.photos.SubmitUrgent(ctx, t.ID, ev.UpstreamID, ev.Photo.Image, ev.Photo.Timestamp)
			switch {
			case err == nil:
				res.Outcome = OutcomeUpdated
				res.DeviceUserID = pr.UserID
			case errors.Is(err, photo.ErrNoMapping):
				err = s.photos.Submit(ctx, t.ID, ev.UpstreamID, ev.Photo.Image, ev.Photo.Timestamp)
			case terminal.KindOf(err) == terminal.KindTransient:
				err = nil
			}
		} else {
			err = s.photos.Submit(ctx, t.ID, ev.UpstreamID, ev.Photo.Image, ev.Photo.Timestamp)
		}

		switch {
		case err == nil:
		case errors.Is(err, photo.ErrUnchanged):
			res.Outcome = OutcomeSkipped
		case ctx.Err() != nil:
			return results, ctx.Err()
		default:
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) Runs(ctx context.Context, terminalID string, limit int) ([]Run, error) {
	if _, err := s.targets(ctx, terminalID); err != nil {
		return nil, err
	}
	runs, err := s.runs.ListByTerminal(ctx, terminalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
