package terminal

import (
	"context"
	"time"
)

type Repository interface {
	Upsert(ctx context.Context, t *Terminal) error
	Get(ctx context.Context, id string) (*Terminal, error)
	List(ctx context.Context) ([]Terminal, error)
	UpdateLastFullSync(ctx context.Context, id string, at time.Time) error
}
