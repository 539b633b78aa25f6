package terminal

// ListResponse список управляемых терминалов
type ListResponse struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Data   []Terminal `json:"data,omitempty"`
}
