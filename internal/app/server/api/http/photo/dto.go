package photo

import "controlsync/internal/domain/photo"

type drainInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
}

type drainOutput struct {
	Status int
	Body   photo.DrainResponse
}

type fetchInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
	UpstreamID string `path:"upstream_id" example:"emp-1042" doc:"ID идентичности в upstream"`
}

type fetchOutput struct {
	Status int
	Body   photo.FetchResponse
}
