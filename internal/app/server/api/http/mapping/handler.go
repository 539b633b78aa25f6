package mapping

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/server/api/http/httperr"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/utils/logger"
)

// Reader часть mapping.Servicer, нужная API
type Reader interface {
	Get(ctx context.Context, upstreamID, terminalID string) (*mapping.Mapping, error)
	ListByTerminal(ctx context.Context, terminalID string) ([]mapping.Mapping, error)
}

type Handler struct {
	service    Reader
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service Reader, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.listOp(), h.list)
	huma.Register(api, h.getOp(), h.get)
}

func (h *Handler) list(ctx context.Context, input *listInput) (*listOutput, error) {
	rows, err := h.service.ListByTerminal(ctx, input.TerminalID)
	if err != nil {
		h.log.Error("failed to list mappings", "terminal", input.TerminalID, logger.Err(err))
		return &listOutput{
			Status: httperr.Code(err),
			Body:   mapping.ListResponse{Status: "Error", Error: err.Error()},
		}, nil
	}

	if input.State != "" {
		filtered := rows[:0]
		for _, m := range rows {
			if string(m.State) == input.State {
				filtered = append(filtered, m)
			}
		}
		rows = filtered
	}

	return &listOutput{
		Status: http.StatusOK,
		Body:   mapping.ListResponse{Status: "Ok", Data: rows},
	}, nil
}

func (h *Handler) get(ctx context.Context, input *getInput) (*getOutput, error) {
	m, err := h.service.Get(ctx, input.UpstreamID, input.TerminalID)
	if err != nil {
		return &getOutput{
			Status: httperr.Code(err),
			Body:   mapping.GetResponse{Status: "Error", Error: err.Error()},
		}, nil
	}
	return &getOutput{
		Status: http.StatusOK,
		Body:   mapping.GetResponse{Status: "Ok", Data: m},
	}, nil
}
