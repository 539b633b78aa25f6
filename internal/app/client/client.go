package client

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/client/config"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

// App клиент командной строки к API демона синхронизации
type App struct {
	config *config.Config
	log    *slog.Logger
	api    *httpClient
	now    func() time.Time
}

func New(cfg *config.Config, log *slog.Logger) *App {
	return &App{
		config: cfg,
		log:    log,
		api:    newHTTPClient(cfg, log),
		now:    time.Now,
	}
}

// Config текущая конфигурация клиента
func (a *App) Config() *config.Config {
	return a.config
}

// SaveToken сохраняет токен API и использует его в следующих запросах
func (a *App) SaveToken(token string) error {
	if err := a.config.SaveToken(token); err != nil {
		return err
	}
	a.api.token = token
	return nil
}

// CheckConnection проверяет, что демон отвечает
func (a *App) CheckConnection(ctx context.Context) (*HealthStatus, error) {
	return a.api.Health(ctx)
}

// IdentityChange желаемое состояние идентичности для уведомления
type IdentityChange struct {
	TerminalID string
	Sequence   int64
	Identity   sync.Identity
}

// UpsertIdentity отправляет identity.updated: демон сам решит, создать или изменить пользователя
func (a *App) UpsertIdentity(ctx context.Context, ch IdentityChange) (*ApplyResult, error) {
	identity := ch.Identity
	return a.api.ApplyEvent(ctx, a.event(sync.EventIdentityUpdated, identity.UpstreamID, ch.TerminalID, ch.Sequence, func(ev *sync.Event) {
		ev.Identity = &identity
	}))
}

// DeleteIdentity отправляет identity.deleted
func (a *App) DeleteIdentity(ctx context.Context, terminalID, upstreamID string, sequence int64) (*ApplyResult, error) {
	return a.api.ApplyEvent(ctx, a.event(sync.EventIdentityDeleted, upstreamID, terminalID, sequence, nil))
}

// PhotoUpload фотография из файла для одной идентичности
type PhotoUpload struct {
	TerminalID string
	UpstreamID string
	Path       string
	Urgent     bool
	Sequence   int64
}

// UploadPhoto читает JPEG с диска и отправляет photo.attached
func (a *App) UploadPhoto(ctx context.Context, up PhotoUpload) (*ApplyResult, error) {
	img, err := os.ReadFile(up.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	if err := terminal.ValidatePhoto(img); err != nil {
		return nil, err
	}
	return a.api.ApplyEvent(ctx, a.event(sync.EventPhotoAttached, up.UpstreamID, up.TerminalID, up.Sequence, func(ev *sync.Event) {
		ev.Photo = &sync.PhotoPayload{
			Image:     img,
			Timestamp: a.now().UnixMilli(),
			Urgent:    up.Urgent,
		}
	}))
}

func (a *App) event(typ sync.EventType, upstreamID, terminalID string, sequence int64, fill func(*sync.Event)) sync.Event {
	ev := sync.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UpstreamID: upstreamID,
		TerminalID: terminalID,
		Sequence:   sequence,
		OccurredAt: a.now().UTC(),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

// Reconcile полный проход по терминалу
func (a *App) Reconcile(ctx context.Context, terminalID string) (*sync.Run, error) {
	return a.api.Reconcile(ctx, terminalID)
}

// Runs журнал проходов
func (a *App) Runs(ctx context.Context, terminalID string, limit int) ([]sync.Run, error) {
	return a.api.Runs(ctx, terminalID, limit)
}

// Terminals управляемые терминалы
func (a *App) Terminals(ctx context.Context) ([]terminal.Terminal, error) {
	return a.api.Terminals(ctx)
}

// Mapping состояние идентичности на терминале
func (a *App) Mapping(ctx context.Context, terminalID, upstreamID string) (*mapping.Mapping, error) {
	return a.api.Mapping(ctx, terminalID, upstreamID)
}

// Mappings сопоставления терминала
func (a *App) Mappings(ctx context.Context, terminalID string, state mapping.State) ([]mapping.Mapping, error) {
	return a.api.Mappings(ctx, terminalID, state)
}

// DrainPhotos выгружает очередь фотографий
func (a *App) DrainPhotos(ctx context.Context, terminalID string) (*photo.DrainResult, error) {
	return a.api.DrainPhotos(ctx, terminalID)
}

// FetchPhoto скачивает фотографию с терминала в файл, если path не пуст
func (a *App) FetchPhoto(ctx context.Context, terminalID, upstreamID, path string) (*photo.Stored, error) {
	p, err := a.api.FetchPhoto(ctx, terminalID, upstreamID)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.WriteFile(path, p.Image, 0600); err != nil {
			return nil, fmt.Errorf("failed to save photo: %w", err)
		}
	}
	return p, nil
}
