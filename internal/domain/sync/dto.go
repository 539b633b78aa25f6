package sync

// ApplyResponse ответ на уведомление об изменении
type ApplyResponse struct {
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Queued bool     `json:"queued,omitempty"`
	Data   []Result `json:"data,omitempty"`
}

// RunResponse итог прохода сверки
type RunResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   *Run   `json:"data,omitempty"`
}

// RunsResponse журнал проходов терминала
type RunsResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   []Run  `json:"data,omitempty"`
}
