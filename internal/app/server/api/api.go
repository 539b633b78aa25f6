// GET  /api/v1/health                                          # Состояние (публичный)
// POST /api/v1/events                                          # Уведомление об изменении (auth)
// GET  /api/v1/terminals                                       # Терминалы (auth)
// GET  /api/v1/terminals/{terminal_id}/mappings                # Сопоставления (auth)
// GET  /api/v1/terminals/{terminal_id}/mappings/{upstream_id}  # Сопоставление (auth)
// POST /api/v1/terminals/{terminal_id}/reconcile               # Проход сверки (auth)
// GET  /api/v1/terminals/{terminal_id}/runs                    # Журнал проходов (auth)
// POST /api/v1/terminals/{terminal_id}/photos/drain            # Выгрузка фото (auth)
// GET  /api/v1/terminals/{terminal_id}/photos/{upstream_id}    # Фото на терминале (auth)

package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	healthAPI "controlsync/internal/app/server/api/http/health"
	mappingAPI "controlsync/internal/app/server/api/http/mapping"
	"controlsync/internal/app/server/api/http/middleware"
	"controlsync/internal/app/server/api/http/middleware/auth"
	"controlsync/internal/app/server/api/http/middleware/logger"
	photoAPI "controlsync/internal/app/server/api/http/photo"
	syncAPI "controlsync/internal/app/server/api/http/sync"
	terminalAPI "controlsync/internal/app/server/api/http/terminal"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

// Deps сервисы, которые обслуживает API
type Deps struct {
	Engine    sync.Servicer
	Mappings  mapping.Servicer
	Photos    photo.Servicer
	Terminals terminal.Repository
	// Publisher nil, если очередь не настроена
	Publisher syncAPI.Publisher
	APIToken  string
}

type Handlers struct {
	Health   *healthAPI.Handler
	Sync     *syncAPI.Handler
	Terminal *terminalAPI.Handler
	Mapping  *mappingAPI.Handler
	Photo    *photoAPI.Handler
}

// New создает *chi.Mux со всеми операциями через huma.Register
func New(deps Deps, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()

	config := huma.DefaultConfig("controlsync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, config)

	h := handlers(deps, log)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)
	h.Terminal.SetupRoutes(API)
	h.Mapping.SetupRoutes(API)
	if h.Photo != nil {
		h.Photo.SetupRoutes(API)
	}

	return mux
}

func handlers(deps Deps, log *slog.Logger) *Handlers {
	authMW := auth.New(deps.APIToken, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(deps.Terminals, log, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(authMW.Middleware())
	syncHandler := syncAPI.NewHandler(deps.Engine, deps.Publisher, log, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(authMW.Middleware())
	terminalHandler := terminalAPI.NewHandler(deps.Terminals, log, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(authMW.Middleware())
	mappingHandler := mappingAPI.NewHandler(deps.Mappings, log, middlewares.GetAllAndClear())

	var photoHandler *photoAPI.Handler
	if deps.Photos != nil {
		middlewares.Add(loggerMW.Middleware())
		middlewares.Add(authMW.Middleware())
		photoHandler = photoAPI.NewHandler(deps.Photos, log, middlewares.GetAllAndClear())
	}

	return &Handlers{
		Health:   healthHandler,
		Sync:     syncHandler,
		Terminal: terminalHandler,
		Mapping:  mappingHandler,
		Photo:    photoHandler,
	}
}
