package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) applyEventOp() huma.Operation {
	return huma.Operation{
		OperationID: "events-apply",
		Method:      http.MethodPost,
		Path:        "/api/v1/events",
		Summary:     "Уведомление об изменении идентичности",
		Description: "Применяет изменение к адресованному терминалу или ко всем терминалам. При настроенной очереди ставит уведомление в RabbitMQ и отвечает 202.",
		Tags:        []string{"sync"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) reconcileOp() huma.Operation {
	return huma.Operation{
		OperationID: "terminals-reconcile",
		Method:      http.MethodPost,
		Path:        "/api/v1/terminals/{terminal_id}/reconcile",
		Summary:     "Полный проход сверки терминала",
		Tags:        []string{"sync"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) runsOp() huma.Operation {
	return huma.Operation{
		OperationID: "terminals-runs",
		Method:      http.MethodGet,
		Path:        "/api/v1/terminals/{terminal_id}/runs",
		Summary:     "Журнал проходов сверки",
		Tags:        []string{"sync"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}
