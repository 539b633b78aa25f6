package health

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"controlsync/internal/domain/terminal"
)

// Lister источник списка терминалов, заодно проверяет доступность хранилища
type Lister interface {
	List(ctx context.Context) ([]terminal.Terminal, error)
}

type Handler struct {
	terminals  Lister
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(terminals Lister, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		terminals:  terminals,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

func (h *Handler) healthCheck(ctx context.Context, _ *Input) (*Output, error) {
	h.log.Debug("health check request received")

	terminals, err := h.terminals.List(ctx)
	if err != nil {
		h.log.Error("storage unavailable", "error", err)
		return &Output{
			Status: http.StatusServiceUnavailable,
			Body:   Response{Status: "Error", Error: "storage unavailable"},
		}, nil
	}

	return &Output{
		Status: http.StatusOK,
		Body: Response{
			Status:    "OK",
			Terminals: len(terminals),
		},
	}, nil
}
