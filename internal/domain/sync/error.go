package sync

import "errors"

var (
	ErrInvalidEvent    = errors.New("invalid change event")
	ErrUnknownTerminal = errors.New("unknown terminal")
	ErrEntryNotFound   = errors.New("directory entry not found")
	ErrPassInProgress  = errors.New("reconciliation pass already running")
	ErrPhotosNotWired  = errors.New("photo coordinator is not configured")
)
