package sync

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Trigger источник прохода сверки
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerEvent    Trigger = "event"
)

// RunStatus итог прохода сверки
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunCancelled RunStatus = "cancelled"
)

// Run запись журнала прохода сверки. Добавляется один раз после завершения прохода.
type Run struct {
	ID         string    `json:"id"`
	TerminalID string    `json:"terminal_id"`
	Trigger    Trigger   `json:"trigger"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Deleted    int       `json:"deleted"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Identity желаемое состояние пользователя в upstream
type Identity struct {
	UpstreamID   string         `json:"upstream_id" required:"false"`
	Registration string         `json:"registration"`
	Name         string         `json:"name" required:"false"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	GroupIDs     []int64        `json:"group_ids,omitempty"`
}

// Digest отпечаток атрибутов, которые движок переносит на терминал
func (i *Identity) Digest() string {
	groups := append([]int64(nil), i.GroupIDs...)
	sort.Slice(groups, func(a, b int) bool { return groups[a] < groups[b] })

	payload, _ := json.Marshal(struct {
		Registration string         `json:"registration"`
		Name         string         `json:"name"`
		Attributes   map[string]any `json:"attributes"`
		GroupIDs     []int64        `json:"group_ids"`
	}{i.Registration, i.Name, i.Attributes, groups})

	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Values поля объекта users на терминале
func (i *Identity) Values() map[string]any {
	v := make(map[string]any, len(i.Attributes)+2)
	for k, val := range i.Attributes {
		v[k] = val
	}
	v["registration"] = i.Registration
	v["name"] = i.Name
	return v
}

// DirectoryEntry реплика записи каталога upstream
type DirectoryEntry struct {
	Identity
	Deleted   bool      `json:"deleted"`
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType вид уведомления об изменении
type EventType string

const (
	EventIdentityCreated EventType = "identity.created"
	EventIdentityUpdated EventType = "identity.updated"
	EventIdentityDeleted EventType = "identity.deleted"
	EventPhotoAttached   EventType = "photo.attached"
)

// PhotoPayload фотография в уведомлении
type PhotoPayload struct {
	Image     []byte `json:"image"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Urgent    bool   `json:"urgent,omitempty"`
}

// Event уведомление upstream об изменении, повторное применение безопасно
type Event struct {
	ID         string        `json:"id,omitempty"`
	Type       EventType     `json:"type" enum:"identity.created,identity.updated,identity.deleted,photo.attached"`
	UpstreamID string        `json:"upstream_id"`
	TerminalID string        `json:"terminal_id,omitempty"`
	Sequence   int64         `json:"sequence,omitempty"`
	Identity   *Identity     `json:"identity,omitempty"`
	Photo      *PhotoPayload `json:"photo,omitempty"`
	OccurredAt time.Time     `json:"occurred_at,omitempty"`
}

// Outcome исход обработки одной идентичности
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeAdopted Outcome = "adopted"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeQueued  Outcome = "queued"
)

// Config параметры движка сверки
type Config struct {
	DeleteConfirmations int
	PruneUnmanaged      bool
	DeleteOrphanPhotos  bool
	PageSize            int
}
