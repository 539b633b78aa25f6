package terminal

import (
	"errors"
	"strings"
	"time"
)

// Mode режим работы терминала
type Mode string

const (
	// ModeStandalone терминал принимает решения о доступе сам
	ModeStandalone Mode = "standalone"
	// ModeOnline терминал делегирует каждое событие доступа внешней системе
	ModeOnline Mode = "online"
)

// Terminal управляемое устройство контроля доступа
type Terminal struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Login          string    `json:"-"`
	Password       string    `json:"-"`
	Mode           Mode      `json:"mode"`
	MaxConcurrency int       `json:"max_concurrency"`
	LastFullSync   time.Time `json:"last_full_sync"`
}

var (
	ErrNotFound        = errors.New("terminal not found")
	ErrInvalidTerminal = errors.New("invalid terminal definition")
)

// Validate проверяет описание терминала из конфигурации
func (t *Terminal) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.Join(ErrInvalidTerminal, errors.New("id is required"))
	}
	if strings.TrimSpace(t.Address) == "" {
		return errors.Join(ErrInvalidTerminal, errors.New("address is required"))
	}
	switch t.Mode {
	case "", ModeStandalone, ModeOnline:
	default:
		return errors.Join(ErrInvalidTerminal, errors.New("unknown mode "+string(t.Mode)))
	}
	return nil
}

// Concurrency возвращает потолок одновременных операций с терминалом
func (t *Terminal) Concurrency() int {
	if t.MaxConcurrency <= 0 {
		return 1
	}
	return t.MaxConcurrency
}

// BaseURL адрес терминала со схемой
func (t *Terminal) BaseURL() string {
	addr := strings.TrimRight(t.Address, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
