package mapping

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) listOp() huma.Operation {
	return huma.Operation{
		OperationID: "mappings-list",
		Method:      http.MethodGet,
		Path:        "/api/v1/terminals/{terminal_id}/mappings",
		Summary:     "Сопоставления терминала",
		Tags:        []string{"mappings"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) getOp() huma.Operation {
	return huma.Operation{
		OperationID: "mappings-get",
		Method:      http.MethodGet,
		Path:        "/api/v1/terminals/{terminal_id}/mappings/{upstream_id}",
		Summary:     "Состояние сопоставления идентичности",
		Tags:        []string{"mappings"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}
