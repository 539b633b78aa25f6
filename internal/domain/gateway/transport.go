package gateway

import (
	"context"

	"controlsync/internal/domain/terminal"
)

// Transport один вызов REST API терминала с уже полученным токеном
type Transport interface {
	CreateObjects(ctx context.Context, t *terminal.Terminal, token, object string, values []terminal.Values) ([]int64, error)
	ModifyObjects(ctx context.Context, t *terminal.Terminal, token, object string, values, where terminal.Values) (int, error)
	LoadObjects(ctx context.Context, t *terminal.Terminal, token string, req terminal.LoadRequest) ([]terminal.Values, error)
	DestroyObjects(ctx context.Context, t *terminal.Terminal, token, object string, where terminal.Values) (int, error)
	SetImage(ctx context.Context, t *terminal.Terminal, token string, item terminal.PhotoItem, match bool) (terminal.PhotoResult, error)
	SetImageList(ctx context.Context, t *terminal.Terminal, token string, items []terminal.PhotoItem, match bool) ([]terminal.PhotoResult, error)
	ListImages(ctx context.Context, t *terminal.Terminal, token string) ([]terminal.PhotoOwner, error)
	GetImageList(ctx context.Context, t *terminal.Terminal, token string, userIDs []int64) ([]terminal.StoredPhoto, error)
	DestroyImages(ctx context.Context, t *terminal.Terminal, token string, d terminal.PhotoDeletion) error
}

// Sessions источник токенов терминала
type Sessions interface {
	Acquire(ctx context.Context, t *terminal.Terminal) (string, error)
	Invalidate(terminalID, token string)
}
