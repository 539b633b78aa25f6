package terminal

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/server/api/http/httperr"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

type Handler struct {
	terminals  terminal.Repository
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(terminals terminal.Repository, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		terminals:  terminals,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "terminals-list",
		Method:      http.MethodGet,
		Path:        "/api/v1/terminals",
		Summary:     "Управляемые терминалы",
		Tags:        []string{"terminals"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}, h.list)
}

func (h *Handler) list(ctx context.Context, _ *struct{}) (*listOutput, error) {
	list, err := h.terminals.List(ctx)
	if err != nil {
		h.log.Error("failed to list terminals", logger.Err(err))
		return &listOutput{
			Status: httperr.Code(err),
			Body:   terminal.ListResponse{Status: "Error", Error: err.Error()},
		}, nil
	}
	return &listOutput{
		Status: http.StatusOK,
		Body:   terminal.ListResponse{Status: "Ok", Data: list},
	}, nil
}
