package photo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/gateway"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

type Servicer interface {
	Submit(ctx context.Context, terminalID, upstreamID string, img []byte, timestamp int64) error
	SubmitUrgent(ctx context.Context, terminalID, upstreamID string, img []byte, timestamp int64) (terminal.PhotoResult, error)
	Drain(ctx context.Context, terminalID string) (DrainResult, error)
	Fetch(ctx context.Context, terminalID, upstreamID string) (*terminal.StoredPhoto, error)
}

// DefaultConfig 50 фото и 2 MB на пакет, 5 попыток на элемент, проверка дубликатов включена
func DefaultConfig() Config {
	return Config{
		MaxBatchItems: 50,
		MaxBatchBytes: terminal.MaxBatchBytes,
		MaxAttempts:   5,
		Match:         true,
	}
}

// Service координатор пакетной загрузки фотографий
type Service struct {
	queue     Queue
	mappings  mapping.Servicer
	gateway   gateway.Servicer
	terminals terminal.Repository
	log       *slog.Logger
	config    Config

	mu        sync.Mutex
	effective map[string]int
	draining  map[string]*sync.Mutex
	now       func() time.Time
}

func NewService(queue Queue, mappings mapping.Servicer, gw gateway.Servicer, terminals terminal.Repository, log *slog.Logger, config ...Config) *Service {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 1
	}
	if cfg.MaxBatchBytes <= 0 || cfg.MaxBatchBytes > terminal.MaxBatchBytes {
		cfg.MaxBatchBytes = terminal.MaxBatchBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Service{
		queue:     queue,
		mappings:  mappings,
		gateway:   gw,
		terminals: terminals,
		log:       log.With("component", "photo"),
		config:    cfg,
		effective: make(map[string]int),
		draining:  make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Submit ставит фотографию в очередь. Неизменившаяся фотография не ставится (ErrUnchanged).
func (s *Service) Submit(ctx context.Context, terminalID, upstreamID string, img []byte, timestamp int64) error {
	if err := terminal.ValidatePhoto(img); err != nil {
		return terminal.Fatal("submit_photo", err)
	}
	fp := Fingerprint(img)

	m, err := s.mappings.Get(ctx, upstreamID, terminalID)
	switch {
	case err == nil && m.PhotoFingerprint == fp:
		return ErrUnchanged
	case err != nil && !errors.Is(err, mapping.ErrNotFound):
		return err
	}

	if timestamp == 0 {
		timestamp = s.now().UnixMilli()
	}
	p := &Pending{
		UpstreamID:  upstreamID,
		TerminalID:  terminalID,
		Image:       img,
		Fingerprint: fp,
		Timestamp:   timestamp,
		Match:       s.config.Match,
		EnqueuedAt:  s.now(),
	}
	if err := s.queue.Enqueue(ctx, p); err != nil {
		return fmt.Errorf("failed to enqueue photo: %w", err)
	}
	s.log.Debug("photo queued", "terminal", terminalID, "upstream_id", upstreamID, "bytes", len(img))
	return nil
}

// SubmitUrgent загружает фотографию сразу одиночным вызовом.
// При транзиентном отказе фотография остается в очереди.
func (s *Service) SubmitUrgent(ctx context.Context, terminalID, upstreamID string, img []byte, timestamp int64) (terminal.PhotoResult, error) {
	if err := terminal.ValidatePhoto(img); err != nil {
		return terminal.PhotoResult{}, terminal.Fatal("submit_photo", err)
	}
	fp := Fingerprint(img)

	m, err := s.mappings.Get(ctx, upstreamID, terminalID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return terminal.PhotoResult{}, ErrNoMapping
		}
		return terminal.PhotoResult{}, err
	}
	if !m.Live() || !m.HasDevice() {
		return terminal.PhotoResult{}, ErrNoMapping
	}
	if m.PhotoFingerprint == fp {
		return terminal.PhotoResult{}, ErrUnchanged
	}

	t, err := s.terminals.Get(ctx, terminalID)
	if err != nil {
		return terminal.PhotoResult{}, fmt.Errorf("failed to get terminal: %w", err)
	}
	if timestamp == 0 {
		timestamp = s.now().UnixMilli()
	}

	item := terminal.PhotoItem{UserID: m.DeviceUserID, Timestamp: timestamp, Image: img}
	res, err := s.gateway.UploadPhoto(ctx, t, item, s.config.Match)
	switch terminal.KindOf(err) {
	case terminal.KindUnknown:
		if err != nil {
			return res, err
		}
		if ferr := s.mappings.SetPhotoFingerprint(ctx, upstreamID, terminalID, fp); ferr != nil {
			return res, ferr
		}
		return res, nil
	case terminal.KindTransient:
		if qerr := s.Submit(ctx, terminalID, upstreamID, img, timestamp); qerr != nil {
			s.log.Error("failed to queue photo after transient failure", "upstream_id", upstreamID, logger.Err(qerr))
		}
		return res, err
	default:
		if rerr := s.mappings.RecordError(ctx, upstreamID, terminalID, err.Error(), ""); rerr != nil {
			s.log.Error("failed to record photo error", "upstream_id", upstreamID, logger.Err(rerr))
		}
		return res, err
	}
}

type item struct {
	pending Pending
	photo   terminal.PhotoItem
}

func (s *Service) terminalLock(terminalID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.draining[terminalID]
	if !ok {
		l = &sync.Mutex{}
		s.draining[terminalID] = l
	}
	return l
}

// EffectiveBatchItems текущий потолок элементов в пакете для терминала
func (s *Service) EffectiveBatchItems(terminalID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.effective[terminalID]; ok {
		return n
	}
	return s.config.MaxBatchItems
}

func (s *Service) shrink(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.effective[terminalID]
	if !ok {
		n = s.config.MaxBatchItems
	}
	n /= 2
	if n < 1 {
		n = 1
	}
	s.effective[terminalID] = n
}

func (s *Service) grow(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.effective[terminalID]
	if !ok {
		return
	}
	step := n / 2
	if step < 1 {
		step = 1
	}
	n += step
	if n >= s.config.MaxBatchItems {
		delete(s.effective, terminalID)
		return
	}
	s.effective[terminalID] = n
}

// Drain выгружает очередь терминала пакетами в пределах потолков размера и числа элементов.
// Пакет с транзиентным отказом возвращается в очередь поэлементно, потолок элементов уменьшается вдвое.
func (s *Service) Drain(ctx context.Context, terminalID string) (DrainResult, error) {
	var result DrainResult

	l := s.terminalLock(terminalID)
	l.Lock()
	defer l.Unlock()

	t, err := s.terminals.Get(ctx, terminalID)
	if err != nil {
		return result, fmt.Errorf("failed to get terminal: %w", err)
	}
	pending, err := s.queue.ListByTerminal(ctx, terminalID)
	if err != nil {
		return result, fmt.Errorf("failed to list pending photos: %w", err)
	}

	var singles []item
	byMatch := map[bool][]item{}
	for _, p := range pending {
		m, err := s.mappings.Get(ctx, p.UpstreamID, terminalID)
		switch {
		case errors.Is(err, mapping.ErrNotFound):
			result.Waiting++
			continue
		case err != nil:
			return result, err
		case m.State == mapping.StateDeleted:
			s.remove(ctx, p)
			result.Dropped++
			continue
		case !m.HasDevice():
			result.Waiting++
			continue
		case m.PhotoFingerprint == p.Fingerprint:
			s.remove(ctx, p)
			result.Dropped++
			continue
		}

		it := item{pending: p, photo: terminal.PhotoItem{UserID: m.DeviceUserID, Timestamp: p.Timestamp, Image: p.Image}}
		if !terminal.FitsBatch(it.photo, s.config.MaxBatchBytes) {
			singles = append(singles, it)
			continue
		}
		byMatch[p.Match] = append(byMatch[p.Match], it)
	}

	for _, match := range []bool{true, false} {
		for _, batch := range plan(byMatch[match], s.config.MaxBatchBytes, s.EffectiveBatchItems(terminalID)) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := s.uploadBatch(ctx, t, batch, match, &result); err != nil {
				return result, err
			}
		}
	}

	for _, it := range singles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.uploadSingle(ctx, t, it, &result); err != nil {
			return result, err
		}
	}

	s.log.Info("photo queue drained",
		"terminal", terminalID,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"requeued", result.Requeued,
		"waiting", result.Waiting,
		"batches", result.Batches,
	)
	return result, nil
}

// plan делит элементы на пакеты по порядку, не превышая maxBytes и maxItems
func plan(items []item, maxBytes, maxItems int) [][]item {
	var (
		batches [][]item
		cur     []item
		size    = terminal.BatchSize(nil)
	)
	for _, it := range items {
		n := terminal.EncodedSize(it.photo)
		if len(cur) > 0 && (len(cur) >= maxItems || size+n > maxBytes) {
			batches = append(batches, cur)
			cur = nil
			size = terminal.BatchSize(nil)
		}
		cur = append(cur, it)
		size += n
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (s *Service) uploadBatch(ctx context.Context, t *terminal.Terminal, batch []item, match bool, result *DrainResult) error {
	photos := make([]terminal.PhotoItem, len(batch))
	for i, it := range batch {
		photos[i] = it.photo
	}
	result.Batches++

	results, err := s.gateway.UploadPhotoBatch(ctx, t, photos, match)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if terminal.KindOf(err) == terminal.KindTransient {
			s.shrink(t.ID)
			s.log.Warn("photo batch failed, items requeued",
				"terminal", t.ID,
				"items", len(batch),
				"batch_limit", s.EffectiveBatchItems(t.ID),
				logger.Err(err),
			)
			for _, it := range batch {
				s.retry(ctx, it, err, result)
			}
			return nil
		}
		for _, it := range batch {
			s.fail(ctx, it, err.Error(), result)
		}
		return nil
	}

	s.grow(t.ID)
	for i, res := range results {
		s.resolve(ctx, batch[i], res, result)
	}
	return nil
}

func (s *Service) uploadSingle(ctx context.Context, t *terminal.Terminal, it item, result *DrainResult) error {
	res, err := s.gateway.UploadPhoto(ctx, t, it.photo, it.pending.Match)
	switch terminal.KindOf(err) {
	case terminal.KindUnknown:
		if err != nil {
			return err
		}
		s.resolve(ctx, it, res, result)
	case terminal.KindTransient:
		s.retry(ctx, it, err, result)
	default:
		s.fail(ctx, it, err.Error(), result)
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, it item, res terminal.PhotoResult, result *DrainResult) {
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = string(res.Reason)
		}
		s.fail(ctx, it, fmt.Sprintf("photo rejected (%s): %s", res.Reason, msg), result)
		return
	}
	if err := s.mappings.SetPhotoFingerprint(ctx, it.pending.UpstreamID, it.pending.TerminalID, it.pending.Fingerprint); err != nil {
		s.log.Error("failed to store photo fingerprint", "upstream_id", it.pending.UpstreamID, logger.Err(err))
	}
	s.remove(ctx, it.pending)
	result.Accepted++
}

func (s *Service) retry(ctx context.Context, it item, cause error, result *DrainResult) {
	attempts := it.pending.Attempts + 1
	if attempts >= s.config.MaxAttempts {
		s.fail(ctx, it, fmt.Sprintf("photo upload gave up after %d attempts: %v", attempts, cause), result)
		return
	}
	if err := s.queue.Requeue(ctx, it.pending.ID, attempts); err != nil {
		s.log.Error("failed to requeue photo", "upstream_id", it.pending.UpstreamID, logger.Err(err))
		return
	}
	result.Requeued++
}

func (s *Service) fail(ctx context.Context, it item, msg string, result *DrainResult) {
	if err := s.mappings.RecordError(ctx, it.pending.UpstreamID, it.pending.TerminalID, msg, ""); err != nil {
		s.log.Error("failed to record photo error", "upstream_id", it.pending.UpstreamID, logger.Err(err))
	}
	s.remove(ctx, it.pending)
	result.Rejected++
}

func (s *Service) remove(ctx context.Context, p Pending) {
	if err := s.queue.Remove(ctx, p.ID); err != nil {
		s.log.Error("failed to remove pending photo", "id", p.ID, logger.Err(err))
	}
}

// Fetch выгружает фотографию идентичности в том виде, в каком она хранится на терминале
func (s *Service) Fetch(ctx context.Context, terminalID, upstreamID string) (*terminal.StoredPhoto, error) {
	m, err := s.mappings.Get(ctx, upstreamID, terminalID)
	if err != nil {
		return nil, err
	}
	if !m.Live() || !m.HasDevice() {
		return nil, ErrNoMapping
	}
	t, err := s.terminals.Get(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal: %w", err)
	}

	photos, err := s.gateway.FetchPhotos(ctx, t, []int64{m.DeviceUserID})
	if err != nil {
		return nil, err
	}
	for i := range photos {
		if photos[i].UserID == m.DeviceUserID {
			return &photos[i], nil
		}
	}
	return nil, ErrNoPhoto
}
