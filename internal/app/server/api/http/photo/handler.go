package photo

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/server/api/http/httperr"
	"controlsync/internal/domain/photo"
	"controlsync/internal/utils/logger"
)

type Handler struct {
	service    photo.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service photo.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.drainOp(), h.drain)
	huma.Register(api, h.fetchOp(), h.fetch)
}

func (h *Handler) drain(ctx context.Context, input *drainInput) (*drainOutput, error) {
	res, err := h.service.Drain(ctx, input.TerminalID)
	if err != nil {
		h.log.Warn("photo drain failed", "terminal", input.TerminalID, logger.Err(err))
		return &drainOutput{
			Status: httperr.Code(err),
			Body:   photo.DrainResponse{Status: "Error", Error: err.Error(), Data: &res},
		}, nil
	}
	return &drainOutput{
		Status: http.StatusOK,
		Body:   photo.DrainResponse{Status: "Ok", Data: &res},
	}, nil
}

func (h *Handler) fetch(ctx context.Context, input *fetchInput) (*fetchOutput, error) {
	stored, err := h.service.Fetch(ctx, input.TerminalID, input.UpstreamID)
	if err != nil {
		return &fetchOutput{
			Status: httperr.Code(err),
			Body:   photo.FetchResponse{Status: "Error", Error: err.Error()},
		}, nil
	}
	return &fetchOutput{
		Status: http.StatusOK,
		Body: photo.FetchResponse{
			Status: "Ok",
			Data: &photo.Stored{
				UpstreamID:   input.UpstreamID,
				DeviceUserID: stored.UserID,
				Timestamp:    stored.Timestamp,
				Image:        stored.Image,
				Fingerprint:  photo.Fingerprint(stored.Image),
			},
		},
	}, nil
}
