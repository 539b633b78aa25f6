package photo

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Pending фотография в очереди на загрузку.
// На пару (upstream, терминал) хранится не больше одной записи.
type Pending struct {
	ID          string    `json:"id"`
	UpstreamID  string    `json:"upstream_id"`
	TerminalID  string    `json:"terminal_id"`
	Image       []byte    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   int64     `json:"timestamp"`
	Match       bool      `json:"match"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Fingerprint blake2b-256 содержимого фотографии
func Fingerprint(img []byte) string {
	sum := blake2b.Sum256(img)
	return hex.EncodeToString(sum[:])
}

// Config параметры координатора
type Config struct {
	MaxBatchItems int
	MaxBatchBytes int
	MaxAttempts   int
	Match         bool
}

// DrainResult итог одного прохода очереди
type DrainResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Requeued int `json:"requeued"`
	Waiting  int `json:"waiting"`
	Dropped  int `json:"dropped"`
	Batches  int `json:"batches"`
}
