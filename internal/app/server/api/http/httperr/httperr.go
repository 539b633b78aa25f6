// Package httperr сопоставляет доменные ошибки кодам HTTP
package httperr

import (
	"errors"
	"net/http"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

func Code(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sync.ErrInvalidEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sync.ErrUnknownTerminal),
		errors.Is(err, terminal.ErrNotFound),
		errors.Is(err, mapping.ErrNotFound),
		errors.Is(err, photo.ErrNoMapping),
		errors.Is(err, photo.ErrNoPhoto):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, sync.ErrPhotosNotWired):
		return http.StatusNotImplemented
	}

	switch terminal.KindOf(err) {
	case terminal.KindTransient:
		return http.StatusServiceUnavailable
	case terminal.KindRejected:
		return http.StatusUnprocessableEntity
	case terminal.KindSessionExpired, terminal.KindFatal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
