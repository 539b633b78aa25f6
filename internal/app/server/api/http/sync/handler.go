package sync

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/server/api/http/httperr"
	"controlsync/internal/domain/sync"
)

// Publisher очередь уведомлений. nil означает синхронное применение.
type Publisher interface {
	Publish(ctx context.Context, ev sync.Event) error
}

type Handler struct {
	service    sync.Servicer
	publisher  Publisher
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, publisher Publisher, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		publisher:  publisher,
		log:        log,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.applyEventOp(), h.applyEvent)
	huma.Register(api, h.reconcileOp(), h.reconcile)
	huma.Register(api, h.runsOp(), h.runs)
}

func (h *Handler) applyEvent(ctx context.Context, input *eventInput) (*eventOutput, error) {
	ev := input.Body
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if h.publisher != nil {
		if err := ev.Validate(); err != nil {
			return eventError(err), nil
		}
		if err := h.publisher.Publish(ctx, ev); err != nil {
			h.log.Error("failed to publish event", "event_id", ev.ID, "error", err)
			return &eventOutput{
				Status: http.StatusServiceUnavailable,
				Body:   sync.ApplyResponse{Status: "Error", Error: "event queue unavailable"},
			}, nil
		}
		return &eventOutput{
			Status: http.StatusAccepted,
			Body:   sync.ApplyResponse{Status: "Ok", Queued: true},
		}, nil
	}

	results, err := h.service.Apply(ctx, ev)
	if err != nil {
		h.log.Warn("event not applied", "event_id", ev.ID, "upstream_id", ev.UpstreamID, "error", err)
		return eventError(err), nil
	}
	return &eventOutput{
		Status: http.StatusOK,
		Body:   sync.ApplyResponse{Status: "Ok", Data: results},
	}, nil
}

func eventError(err error) *eventOutput {
	return &eventOutput{
		Status: httperr.Code(err),
		Body:   sync.ApplyResponse{Status: "Error", Error: err.Error()},
	}
}

func (h *Handler) reconcile(ctx context.Context, input *terminalInput) (*runOutput, error) {
	run, err := h.service.Reconcile(ctx, input.TerminalID, sync.TriggerManual)
	if err != nil {
		return &runOutput{
			Status: httperr.Code(err),
			Body:   sync.RunResponse{Status: "Error", Error: err.Error(), Data: run},
		}, nil
	}
	return &runOutput{
		Status: http.StatusOK,
		Body:   sync.RunResponse{Status: "Ok", Data: run},
	}, nil
}

func (h *Handler) runs(ctx context.Context, input *runsInput) (*runsOutput, error) {
	runs, err := h.service.Runs(ctx, input.TerminalID, input.Limit)
	if err != nil {
		return &runsOutput{
			Status: httperr.Code(err),
			Body:   sync.RunsResponse{Status: "Error", Error: err.Error()},
		}, nil
	}
	return &runsOutput{
		Status: http.StatusOK,
		Body:   sync.RunsResponse{Status: "Ok", Data: runs},
	}, nil
}
