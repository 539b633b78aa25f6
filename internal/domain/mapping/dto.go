package mapping

// GetResponse ответ с состоянием сопоставления
type GetResponse struct {
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Data   *Mapping `json:"data,omitempty"`
}

// ListResponse ответ со списком сопоставлений терминала
type ListResponse struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Data   []Mapping `json:"data,omitempty"`
}
