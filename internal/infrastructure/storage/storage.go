package storage

import (
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

// Storage набор репозиториев одного хранилища
type Storage interface {
	// Терминалы
	Terminals() terminal.Repository

	// Сопоставления идентичностей
	Mappings() mapping.Repository

	// Журнал проходов и реплика каталога
	Runs() sync.RunRepository
	Directory() sync.DirectoryRepository

	// Очередь фотографий
	Photos() photo.Queue

	Close() error
}
