package terminal

import "controlsync/internal/domain/terminal"

type listOutput struct {
	Status int
	Body   terminal.ListResponse
}
