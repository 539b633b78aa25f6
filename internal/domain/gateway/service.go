package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"

	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

type Servicer interface {
	CreateEntities(ctx context.Context, t *terminal.Terminal, object string, values []terminal.Values) ([]int64, error)
	ModifyEntities(ctx context.Context, t *terminal.Terminal, object string, values, where terminal.Values) (int, error)
	LoadEntities(ctx context.Context, t *terminal.Terminal, req terminal.LoadRequest) ([]terminal.Values, error)
	LoadAll(ctx context.Context, t *terminal.Terminal, req terminal.LoadRequest) ([]terminal.Values, error)
	DestroyEntities(ctx context.Context, t *terminal.Terminal, object string, where terminal.Values) (int, error)
	UploadPhoto(ctx context.Context, t *terminal.Terminal, item terminal.PhotoItem, match bool) (terminal.PhotoResult, error)
	UploadPhotoBatch(ctx context.Context, t *terminal.Terminal, items []terminal.PhotoItem, match bool) ([]terminal.PhotoResult, error)
	ListPhotoOwners(ctx context.Context, t *terminal.Terminal) ([]terminal.PhotoOwner, error)
	FetchPhotos(ctx context.Context, t *terminal.Terminal, userIDs []int64) ([]terminal.StoredPhoto, error)
	DeletePhotos(ctx context.Context, t *terminal.Terminal, d terminal.PhotoDeletion) error
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	PageSize    int
}

// DefaultConfig пять попыток, 200ms с удвоением до 5s, 10s на попытку
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		CallTimeout: 10 * time.Second,
		PageSize:    500,
	}
}

// Service шлюз к терминалам: повторы, классификация отказов, продление сессии
type Service struct {
	transport Transport
	sessions  Sessions
	log       *slog.Logger
	config    Config

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	mu    sync.Mutex
	slots map[string]*slot
}

// slot потолок одновременных вызовов одного терминала
type slot struct {
	size int
	sem  *semaphore.Weighted
}

// NewService создает шлюз терминалов
func NewService(transport Transport, sessions Sessions, log *slog.Logger, config ...Config) *Service {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	return &Service{
		transport: transport,
		sessions:  sessions,
		log:       log.With("component", "gateway"),
		config:    cfg,
		sleep:     sleepCtx,
		jitter:    rand.Float64,
		slots:     make(map[string]*slot),
	}
}

// limiter возвращает семафор терминала. Смена MaxConcurrency заводит новый семафор,
// вызовы на старом дорабатывают под прежним потолком.
func (s *Service) limiter(t *terminal.Terminal) *semaphore.Weighted {
	size := t.Concurrency()

	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[t.ID]
	if !ok || sl.size != size {
		sl = &slot{size: size, sem: semaphore.NewWeighted(int64(size))}
		s.slots[t.ID] = sl
	}
	return sl.sem
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff задержка перед попыткой attempt+1: base*2^(attempt-1), не больше MaxDelay, с джиттером 0.5..1
func (s *Service) backoff(attempt int) time.Duration {
	d := s.config.BaseDelay
	for i := 1; i < attempt && d < s.config.MaxDelay; i++ {
		d *= 2
	}
	if s.config.MaxDelay > 0 && d > s.config.MaxDelay {
		d = s.config.MaxDelay
	}
	half := d / 2
	return half + time.Duration(s.jitter()*float64(half))
}

// do выполняет вызов с повторами транзиентных отказов и однократным продлением сессии
func do[T any](ctx context.Context, s *Service, t *terminal.Terminal, op string, call func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T

	requestID := uuid.NewString()
	ctx = terminal.WithRequestID(ctx, requestID)
	log := s.log.With("terminal", t.ID, "op", op, "request_id", requestID)
	sem := s.limiter(t)

	var (
		lastErr error
		renewed bool
		attempt int
	)
	for attempt < s.config.MaxAttempts {
		attempt++

		// слот держится только на время попытки, паузы между повторами его не занимают
		if err := sem.Acquire(ctx, 1); err != nil {
			return zero, err
		}
		token, err := s.sessions.Acquire(ctx, t)
		if err != nil {
			sem.Release(1)
			return zero, fmt.Errorf("failed to acquire session: %w", err)
		}

		callCtx := ctx
		cancel := func() {}
		if s.config.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		}
		res, err := call(callCtx, token)
		cancel()
		sem.Release(1)

		if err == nil {
			log.Debug("terminal call succeeded", "attempt", attempt)
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		switch terminal.KindOf(err) {
		case terminal.KindSessionExpired:
			if renewed {
				log.Error("session expired again after renewal", logger.Err(err))
				return zero, err
			}
			renewed = true
			s.sessions.Invalidate(t.ID, token)
			log.Info("session expired, renewing")
			attempt--
			continue
		case terminal.KindTransient:
			lastErr = err
			if attempt >= s.config.MaxAttempts {
				continue
			}
			delay := s.backoff(attempt)
			log.Warn("transient terminal failure, retrying", "attempt", attempt, "delay", delay, logger.Err(err))
			if err := s.sleep(ctx, delay); err != nil {
				return zero, err
			}
		default:
			log.Debug("terminal call failed", "kind", terminal.KindOf(err).String(), logger.Err(err))
			return zero, err
		}
	}

	log.Error("terminal call exhausted retries", "attempts", attempt, logger.Err(lastErr))
	return zero, &terminal.Failure{
		Kind:     terminal.KindTransient,
		Op:       op,
		Attempts: attempt,
		Message:  fmt.Sprintf("gave up after %d attempts", attempt),
		Err:      lastErr,
	}
}

func (s *Service) CreateEntities(ctx context.Context, t *terminal.Terminal, object string, values []terminal.Values) ([]int64, error) {
	if len(values) == 0 {
		return nil, terminal.Fatal("create_objects", fmt.Errorf("no values"))
	}
	ids, err := do(ctx, s, t, "create_objects", func(ctx context.Context, token string) ([]int64, error) {
		return s.transport.CreateObjects(ctx, t, token, object, values)
	})
	if err != nil {
		return nil, err
	}
	if len(ids) != len(values) {
		return nil, terminal.Fatal("create_objects", fmt.Errorf("terminal returned %d ids for %d objects", len(ids), len(values)))
	}
	return ids, nil
}

func (s *Service) ModifyEntities(ctx context.Context, t *terminal.Terminal, object string, values, where terminal.Values) (int, error) {
	if len(where) == 0 {
		return 0, terminal.Fatal("modify_objects", fmt.Errorf("modify without filter"))
	}
	return do(ctx, s, t, "modify_objects", func(ctx context.Context, token string) (int, error) {
		return s.transport.ModifyObjects(ctx, t, token, object, values, where)
	})
}

func (s *Service) LoadEntities(ctx context.Context, t *terminal.Terminal, req terminal.LoadRequest) ([]terminal.Values, error) {
	return do(ctx, s, t, "load_objects", func(ctx context.Context, token string) ([]terminal.Values, error) {
		return s.transport.LoadObjects(ctx, t, token, req)
	})
}

// LoadAll постранично читает все объекты
func (s *Service) LoadAll(ctx context.Context, t *terminal.Terminal, req terminal.LoadRequest) ([]terminal.Values, error) {
	pageSize := req.Limit
	if pageSize <= 0 {
		pageSize = s.config.PageSize
	}

	var all []terminal.Values
	for offset := req.Offset; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := req
		page.Limit = pageSize
		page.Offset = offset

		rows, err := s.LoadEntities(ctx, t, page)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s at offset %d: %w", req.Object, offset, err)
		}
		all = append(all, rows...)
		if len(rows) < pageSize {
			return all, nil
		}
	}
}

func (s *Service) DestroyEntities(ctx context.Context, t *terminal.Terminal, object string, where terminal.Values) (int, error) {
	if len(where) == 0 {
		return 0, terminal.Fatal("destroy_objects", fmt.Errorf("destroy without filter"))
	}
	return do(ctx, s, t, "destroy_objects", func(ctx context.Context, token string) (int, error) {
		return s.transport.DestroyObjects(ctx, t, token, object, where)
	})
}
