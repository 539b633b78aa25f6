package photo

// DrainResponse итог прохода очереди
type DrainResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Data   *DrainResult `json:"data,omitempty"`
}

// Stored фотография, как она хранится на терминале
type Stored struct {
	UpstreamID   string `json:"upstream_id"`
	DeviceUserID int64  `json:"device_user_id"`
	Timestamp    int64  `json:"timestamp"`
	Image        []byte `json:"image"`
	Fingerprint  string `json:"fingerprint"`
}

// FetchResponse ответ с фотографией
type FetchResponse struct {
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
	Data   *Stored `json:"data,omitempty"`
}
