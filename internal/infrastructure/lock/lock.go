// Package lock сериализует операции над одной идентичностью на терминале
package lock

import (
	"context"
	"sync"
)

// Key ключ блокировки пары (терминал, идентичность)
func Key(terminalID, upstreamID string) string {
	return terminalID + "/" + upstreamID
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Memory блокировки по ключу внутри процесса
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// Lock ждет освобождения ключа или отмены контекста
func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *Memory) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
