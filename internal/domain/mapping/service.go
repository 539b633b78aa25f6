package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

type Servicer interface {
	Get(ctx context.Context, upstreamID, terminalID string) (*Mapping, error)
	Upsert(ctx context.Context, m *Mapping) (*Mapping, error)
	Mutate(ctx context.Context, upstreamID, terminalID string, fn func(m *Mapping) error) (*Mapping, error)
	MarkDeleted(ctx context.Context, upstreamID, terminalID string) (*Mapping, error)
	ListByTerminal(ctx context.Context, terminalID string) ([]Mapping, error)
	FindByNaturalKey(ctx context.Context, terminalID, naturalKey string) (*Mapping, error)
	FindByDeviceID(ctx context.Context, terminalID string, deviceUserID int64) (*Mapping, error)
	SetPhotoFingerprint(ctx context.Context, upstreamID, terminalID, fingerprint string) error
	RecordError(ctx context.Context, upstreamID, terminalID, message, rejectedDigest string) error
}

// Service хранилище сопоставлений. Все записи идут через атомарный Update репозитория
// и не дают состоянию откатиться назад.
type Service struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With("component", "mapping"),
		now:  time.Now,
	}
}

func (s *Service) Get(ctx context.Context, upstreamID, terminalID string) (*Mapping, error) {
	m, err := s.repo.Get(ctx, upstreamID, terminalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// Mutate применяет fn к копии текущей строки (или к новой строке) и сохраняет результат,
// проверив переход состояния и порядок Sequence
func (s *Service) Mutate(ctx context.Context, upstreamID, terminalID string, fn func(m *Mapping) error) (*Mapping, error) {
	saved, err := s.repo.Update(ctx, upstreamID, terminalID, func(current *Mapping) (*Mapping, error) {
		next := &Mapping{UpstreamID: upstreamID, TerminalID: terminalID}
		var from State
		if current != nil {
			c := *current
			next = &c
			from = current.State
		}
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpstreamID, next.TerminalID = upstreamID, terminalID
		if err := s.check(current, from, next); err != nil {
			return nil, err
		}

		now := s.now()
		if current == nil || next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save mapping %s/%s: %w", terminalID, upstreamID, err)
	}
	return saved, nil
}

func (s *Service) check(current *Mapping, from State, next *Mapping) error {
	if !CanTransition(from, next.State) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, next.State)
	}
	if current != nil && next.Sequence < current.Sequence {
		return fmt.Errorf("%w: %d < %d", ErrStaleSequence, next.Sequence, current.Sequence)
	}
	return nil
}

// Upsert записывает строку целиком, сохраняя CreatedAt
func (s *Service) Upsert(ctx context.Context, m *Mapping) (*Mapping, error) {
	if m.UpstreamID == "" || m.TerminalID == "" {
		return nil, errors.New("mapping key is incomplete")
	}
	return s.Mutate(ctx, m.UpstreamID, m.TerminalID, func(cur *Mapping) error {
		created := cur.CreatedAt
		*cur = *m
		cur.CreatedAt = created
		return nil
	})
}

// MarkDeleted фиксирует подтвержденное удаление
func (s *Service) MarkDeleted(ctx context.Context, upstreamID, terminalID string) (*Mapping, error) {
	return s.Mutate(ctx, upstreamID, terminalID, func(m *Mapping) error {
		if m.State == "" {
			return ErrNotFound
		}
		m.State = StateDeleted
		m.LastError = ""
		m.MissingCount = 0
		m.PhotoFingerprint = ""
		return nil
	})
}

func (s *Service) ListByTerminal(ctx context.Context, terminalID string) ([]Mapping, error) {
	list, err := s.repo.ListByTerminal(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return list, nil
}

// FindByNaturalKey ищет живую строку по натуральному ключу
func (s *Service) FindByNaturalKey(ctx context.Context, terminalID, naturalKey string) (*Mapping, error) {
	list, err := s.repo.FindByNaturalKey(ctx, terminalID, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find mapping by natural key: %w", err)
	}

	var found *Mapping
	for i := range list {
		if !list[i].Live() {
			continue
		}
		if found != nil {
			return nil, ErrAmbiguous
		}
		found = &list[i]
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *Service) FindByDeviceID(ctx context.Context, terminalID string, deviceUserID int64) (*Mapping, error) {
	m, err := s.repo.FindByDeviceID(ctx, terminalID, deviceUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find mapping by device id: %w", err)
	}
	return m, nil
}

// SetPhotoFingerprint отмечает принятую терминалом фотографию. Пустой отпечаток сбрасывает отметку.
func (s *Service) SetPhotoFingerprint(ctx context.Context, upstreamID, terminalID, fingerprint string) error {
	_, err := s.Mutate(ctx, upstreamID, terminalID, func(m *Mapping) error {
		if m.State == "" {
			return ErrNotFound
		}
		m.PhotoFingerprint = fingerprint
		if fingerprint != "" {
			m.LastError = ""
		}
		return nil
	})
	return err
}

// RecordError сохраняет ошибку по идентичности. Непустой rejectedDigest блокирует автоматические повторы.
func (s *Service) RecordError(ctx context.Context, upstreamID, terminalID, message, rejectedDigest string) error {
	_, err := s.Mutate(ctx, upstreamID, terminalID, func(m *Mapping) error {
		if m.State == "" {
			return ErrNotFound
		}
		m.LastError = message
		if rejectedDigest != "" {
			m.RejectedDigest = rejectedDigest
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Warn("identity sync error recorded", "terminal", terminalID, "upstream_id", upstreamID, "error", message)
	return nil
}
