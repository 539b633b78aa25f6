package photo

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) drainOp() huma.Operation {
	return huma.Operation{
		OperationID: "photos-drain",
		Method:      http.MethodPost,
		Path:        "/api/v1/terminals/{terminal_id}/photos/drain",
		Summary:     "Выгрузить очередь фотографий",
		Description: "Отправляет накопленные фотографии пакетами в пределах ограничений терминала.",
		Tags:        []string{"photos"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) fetchOp() huma.Operation {
	return huma.Operation{
		OperationID: "photos-fetch",
		Method:      http.MethodGet,
		Path:        "/api/v1/terminals/{terminal_id}/photos/{upstream_id}",
		Summary:     "Фотография идентичности на терминале",
		Tags:        []string{"photos"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}
