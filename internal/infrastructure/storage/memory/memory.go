// Package memory хранилище в памяти процесса для драйвера memory и тестов
package memory

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

type Storage struct {
	terminals *TerminalRepository
	mappings  *MappingRepository
	runs      *RunRepository
	directory *DirectoryRepository
	photos    *PhotoQueue
}

func New() *Storage {
	return &Storage{
		terminals: &TerminalRepository{rows: make(map[string]terminal.Terminal)},
		mappings:  &MappingRepository{rows: make(map[key]mapping.Mapping)},
		runs:      &RunRepository{},
		directory: &DirectoryRepository{rows: make(map[string]sync.DirectoryEntry)},
		photos:    &PhotoQueue{rows: make(map[string]photo.Pending), order: make(map[string]int64)},
	}
}

func (s *Storage) Terminals() terminal.Repository      { return s.terminals }
func (s *Storage) Mappings() mapping.Repository        { return s.mappings }
func (s *Storage) Runs() sync.RunRepository            { return s.runs }
func (s *Storage) Directory() sync.DirectoryRepository { return s.directory }
func (s *Storage) Photos() photo.Queue                 { return s.photos }
func (s *Storage) Close() error                        { return nil }

type TerminalRepository struct {
	mu   gosync.RWMutex
	rows map[string]terminal.Terminal
}

func (r *TerminalRepository) Upsert(_ context.Context, t *terminal.Terminal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *t
	if cur, ok := r.rows[t.ID]; ok {
		row.LastFullSync = cur.LastFullSync
	}
	r.rows[t.ID] = row
	return nil
}

func (r *TerminalRepository) Get(_ context.Context, id string) (*terminal.Terminal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, terminal.ErrNotFound
	}
	return &t, nil
}

func (r *TerminalRepository) List(_ context.Context) ([]terminal.Terminal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]terminal.Terminal, 0, len(r.rows))
	for _, t := range r.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *TerminalRepository) UpdateLastFullSync(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return terminal.ErrNotFound
	}
	t.LastFullSync = at
	r.rows[id] = t
	return nil
}

type key struct {
	upstreamID string
	terminalID string
}

// MappingRepository держит один мьютекс на все строки, Update атомарен
type MappingRepository struct {
	mu   gosync.RWMutex
	rows map[key]mapping.Mapping
}

func (r *MappingRepository) Get(_ context.Context, upstreamID, terminalID string) (*mapping.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[key{upstreamID, terminalID}]
	if !ok {
		return nil, mapping.ErrNotFound
	}
	return &m, nil
}

func (r *MappingRepository) Update(_ context.Context, upstreamID, terminalID string, fn mapping.UpdateFunc) (*mapping.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{upstreamID, terminalID}
	var current *mapping.Mapping
	if m, ok := r.rows[k]; ok {
		current = &m
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	if next.DeviceUserID > 0 && next.State != mapping.StateDeleted {
		for other, m := range r.rows {
			if other == k || other.terminalID != terminalID || m.State == mapping.StateDeleted {
				continue
			}
			if m.DeviceUserID == next.DeviceUserID {
				return nil, fmt.Errorf("%w: %d", mapping.ErrDuplicateDeviceID, next.DeviceUserID)
			}
		}
	}

	r.rows[k] = *next
	saved := *next
	return &saved, nil
}

func (r *MappingRepository) ListByTerminal(_ context.Context, terminalID string) ([]mapping.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(m mapping.Mapping) bool { return m.TerminalID == terminalID }), nil
}

func (r *MappingRepository) FindByNaturalKey(_ context.Context, terminalID, naturalKey string) ([]mapping.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(m mapping.Mapping) bool {
		return m.TerminalID == terminalID && m.NaturalKey == naturalKey
	}), nil
}

func (r *MappingRepository) FindByDeviceID(_ context.Context, terminalID string, deviceUserID int64) (*mapping.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := r.filter(func(m mapping.Mapping) bool {
		return m.TerminalID == terminalID && m.DeviceUserID == deviceUserID && m.State != mapping.StateDeleted
	})
	if len(found) == 0 {
		return nil, mapping.ErrNotFound
	}
	return &found[0], nil
}

func (r *MappingRepository) filter(pred func(mapping.Mapping) bool) []mapping.Mapping {
	var out []mapping.Mapping
	for _, m := range r.rows {
		if pred(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpstreamID < out[j].UpstreamID })
	return out
}

type RunRepository struct {
	mu   gosync.RWMutex
	rows []sync.Run
}

func (r *RunRepository) Append(_ context.Context, run *sync.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	r.rows = append(r.rows, *run)
	return nil
}

// ListByTerminal возвращает проходы от новых к старым
func (r *RunRepository) ListByTerminal(_ context.Context, terminalID string, limit int) ([]sync.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []sync.Run
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].TerminalID != terminalID {
			continue
		}
		out = append(out, r.rows[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type DirectoryRepository struct {
	mu   gosync.RWMutex
	rows map[string]sync.DirectoryEntry
}

func (r *DirectoryRepository) Put(_ context.Context, e *sync.DirectoryEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rows[e.UpstreamID]; ok && cur.Sequence >= e.Sequence {
		return false, nil
	}
	r.rows[e.UpstreamID] = *e
	return true, nil
}

func (r *DirectoryRepository) Get(_ context.Context, upstreamID string) (*sync.DirectoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[upstreamID]
	if !ok {
		return nil, sync.ErrEntryNotFound
	}
	return &e, nil
}

func (r *DirectoryRepository) List(_ context.Context) ([]sync.DirectoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sync.DirectoryEntry, 0, len(r.rows))
	for _, e := range r.rows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpstreamID < out[j].UpstreamID })
	return out, nil
}

type PhotoQueue struct {
	mu   gosync.Mutex
	rows map[string]photo.Pending
	seq  int64
	// порядок очереди
	order map[string]int64
}

func (q *PhotoQueue) Enqueue(_ context.Context, p *photo.Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, cur := range q.rows {
		if cur.UpstreamID == p.UpstreamID && cur.TerminalID == p.TerminalID {
			delete(q.rows, id)
			delete(q.order, id)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now()
	}
	q.seq++
	q.rows[p.ID] = *p
	q.order[p.ID] = q.seq
	return nil
}

func (q *PhotoQueue) ListByTerminal(_ context.Context, terminalID string) ([]photo.Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []photo.Pending
	for _, p := range q.rows {
		if p.TerminalID == terminalID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.order[out[i].ID] < q.order[out[j].ID] })
	return out, nil
}

func (q *PhotoQueue) Requeue(_ context.Context, id string, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.rows[id]
	if !ok {
		return nil
	}
	p.Attempts = attempts
	q.seq++
	q.rows[id] = p
	q.order[id] = q.seq
	return nil
}

func (q *PhotoQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.rows, id)
	delete(q.order, id)
	return nil
}
