package mapping

import "controlsync/internal/domain/mapping"

type listInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
	State      string `query:"state" enum:"pending_create,created,pending_update,pending_delete,deleted" required:"false" doc:"Фильтр по состоянию"`
}

type listOutput struct {
	Status int
	Body   mapping.ListResponse
}

type getInput struct {
	TerminalID string `path:"terminal_id" example:"gate-1" doc:"ID терминала"`
	UpstreamID string `path:"upstream_id" example:"emp-1042" doc:"ID идентичности в upstream"`
}

type getOutput struct {
	Status int
	Body   mapping.GetResponse
}
