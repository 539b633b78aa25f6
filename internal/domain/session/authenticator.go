package session

import (
	"context"

	"controlsync/internal/domain/terminal"
)

// Authenticator выполняет сессионные вызовы терминала
type Authenticator interface {
	Login(ctx context.Context, t *terminal.Terminal) (string, error)
	IsValid(ctx context.Context, t *terminal.Terminal, token string) (bool, error)
	Logout(ctx context.Context, t *terminal.Terminal, token string) error
}
