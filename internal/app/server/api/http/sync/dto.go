package sync

import "controlsync/internal/domain/sync"

type eventInput struct {
	Body sync.Event
}

type eventOutput struct {
	Status int
	Body   sync.ApplyResponse
}

type terminalInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
}

type runOutput struct {
	Status int
	Body   sync.RunResponse
}

type runsInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
	Limit      int    `query:"limit" minimum:"1" maximum:"500" default:"20" doc:"Сколько последних проходов вернуть"`
}

type runsOutput struct {
	Status int
	Body   sync.RunsResponse
}
