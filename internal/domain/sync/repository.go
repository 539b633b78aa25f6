package sync

import (
	"context"
)

// RunRepository журнал проходов, только добавление
type RunRepository interface {
	Append(ctx context.Context, run *Run) error
	ListByTerminal(ctx context.Context, terminalID string, limit int) ([]Run, error)
}

// DirectoryRepository реплика каталога upstream
type DirectoryRepository interface {
	// Put сохраняет запись, если ее Sequence новее сохраненной. Возвращает false для устаревшей.
	Put(ctx context.Context, e *DirectoryEntry) (bool, error)
	Get(ctx context.Context, upstreamID string) (*DirectoryEntry, error)
	List(ctx context.Context) ([]DirectoryEntry, error)
}
