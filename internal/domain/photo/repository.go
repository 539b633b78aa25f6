package photo

import "context"

// Queue очередь фотографий на загрузку
type Queue interface {
	// Enqueue заменяет ранее поставленную фотографию той же пары
	Enqueue(ctx context.Context, p *Pending) error
	ListByTerminal(ctx context.Context, terminalID string) ([]Pending, error)
	// Requeue возвращает элемент в конец очереди с новым числом попыток
	Requeue(ctx context.Context, id string, attempts int) error
	Remove(ctx context.Context, id string) error
}
