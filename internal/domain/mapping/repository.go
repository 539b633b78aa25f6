package mapping

import "context"

// UpdateFunc получает текущую строку (nil, если ее нет) внутри транзакции
// и возвращает строку для записи. Ошибка отменяет запись.
type UpdateFunc func(current *Mapping) (*Mapping, error)

type Repository interface {
	Get(ctx context.Context, upstreamID, terminalID string) (*Mapping, error)
	// Update атомарно читает и перезаписывает одну строку
	Update(ctx context.Context, upstreamID, terminalID string, fn UpdateFunc) (*Mapping, error)
	ListByTerminal(ctx context.Context, terminalID string) ([]Mapping, error)
	FindByNaturalKey(ctx context.Context, terminalID, naturalKey string) ([]Mapping, error)
	FindByDeviceID(ctx context.Context, terminalID string, deviceUserID int64) (*Mapping, error)
}
