package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"

	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

const DefaultProbeInterval = 30 * time.Second

var ErrEmptyToken = errors.New("terminal returned empty session token")

type Servicer interface {
	Acquire(ctx context.Context, t *terminal.Terminal) (string, error)
	Invalidate(terminalID, token string)
	Close(ctx context.Context)
}

type Config struct {
	// ProbeInterval как долго токен считается проверенным без session_is_valid, 0 - проверять всегда
	ProbeInterval time.Duration
}

type entry struct {
	token       string
	validatedAt time.Time
	terminal    terminal.Terminal
}

// Service держит не более одной живой сессии на терминал
type Service struct {
	auth   Authenticator
	log    *slog.Logger
	config Config

	mu     sync.Mutex
	cache  map[string]*entry
	flight singleflight.Group
	now    func() time.Time
}

// NewService создает менеджер сессий
func NewService(auth Authenticator, log *slog.Logger, config ...Config) *Service {
	cfg := Config{ProbeInterval: DefaultProbeInterval}
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Service{
		auth:   auth,
		log:    log.With("component", "session"),
		config: cfg,
		cache:  make(map[string]*entry),
		now:    time.Now,
	}
}

// Acquire возвращает действующий токен терминала, при необходимости выполняя вход.
// Параллельные вызовы для одного терминала разделяют один вход.
func (s *Service) Acquire(ctx context.Context, t *terminal.Terminal) (string, error) {
	if token, ok := s.fresh(t.ID); ok {
		return token, nil
	}

	ch := s.flight.DoChan(t.ID, func() (any, error) {
		return s.acquire(context.WithoutCancel(ctx), t)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Service) fresh(terminalID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[terminalID]
	if !ok || s.config.ProbeInterval <= 0 {
		return "", false
	}
	if s.now().Sub(e.validatedAt) < s.config.ProbeInterval {
		return e.token, true
	}
	return "", false
}

func (s *Service) cached(terminalID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[terminalID]
	if !ok {
		return "", false
	}
	return e.token, true
}

func (s *Service) acquire(ctx context.Context, t *terminal.Terminal) (string, error) {
	if token, ok := s.fresh(t.ID); ok {
		return token, nil
	}

	if token, ok := s.cached(t.ID); ok {
		valid, err := s.auth.IsValid(ctx, t, token)
		switch {
		case err == nil && valid:
			s.store(t, token)
			return token, nil
		case err != nil && terminal.KindOf(err) == terminal.KindTransient:
			return "", fmt.Errorf("failed to probe session: %w", err)
		case err != nil:
			s.log.Debug("session probe failed, logging in again", "terminal", t.ID, logger.Err(err))
		}
		s.Invalidate(t.ID, token)
	}

	token, err := s.auth.Login(ctx, t)
	if err != nil {
		if terminal.KindOf(err) == terminal.KindSessionExpired {
			err = terminal.Fatal("login", fmt.Errorf("credentials rejected: %w", err))
		}
		s.log.Error("terminal login failed", "terminal", t.ID, logger.Err(err))
		return "", fmt.Errorf("failed to login: %w", err)
	}
	if token == "" {
		return "", terminal.Fatal("login", ErrEmptyToken)
	}

	s.store(t, token)
	s.log.Info("terminal session opened", "terminal", t.ID)
	return token, nil
}

func (s *Service) store(t *terminal.Terminal, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[t.ID] = &entry{token: token, validatedAt: s.now(), terminal: *t}
}

// Invalidate сбрасывает кэшированный токен.
// Непустой token сбрасывает кэш только если там все еще этот токен.
func (s *Service) Invalidate(terminalID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[terminalID]
	if !ok {
		return
	}
	if token != "" && e.token != token {
		return
	}
	delete(s.cache, terminalID)
}

// Close завершает все открытые сессии
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, e)
	}
	s.cache = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		if err := s.auth.Logout(ctx, &e.terminal, e.token); err != nil {
			s.log.Warn("terminal logout failed", "terminal", e.terminal.ID, logger.Err(err))
		}
	}
}
