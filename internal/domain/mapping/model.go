package mapping

import "time"

// State состояние жизненного цикла строки сопоставления
type State string

const (
	StatePendingCreate State = "pending_create"
	StateCreated       State = "created"
	StatePendingUpdate State = "pending_update"
	StatePendingDelete State = "pending_delete"
	StateDeleted       State = "deleted"
)

// Mapping связь идентичности upstream с идентификатором, выданным терминалом
type Mapping struct {
	UpstreamID       string    `json:"upstream_id"`
	TerminalID       string    `json:"terminal_id"`
	DeviceUserID     int64     `json:"device_user_id,omitempty"`
	NaturalKey       string    `json:"natural_key"`
	PhotoFingerprint string    `json:"photo_fingerprint,omitempty"`
	State            State     `json:"state"`
	LastError        string    `json:"last_error,omitempty"`
	Digest           string    `json:"digest,omitempty"`
	RejectedDigest   string    `json:"rejected_digest,omitempty"`
	Sequence         int64     `json:"sequence"`
	MissingCount     int       `json:"missing_count,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Live строка описывает пользователя, который есть или должен быть на терминале
func (m *Mapping) Live() bool {
	return m != nil && m.State != StateDeleted && m.State != ""
}

// HasDevice терминал уже выдал идентификатор
func (m *Mapping) HasDevice() bool {
	return m != nil && m.DeviceUserID > 0
}

// Blocked отказ терминала для этих атрибутов уже зафиксирован
func (m *Mapping) Blocked(digest string) bool {
	return m != nil && m.RejectedDigest != "" && m.RejectedDigest == digest
}

var transitions = map[State][]State{
	"":                 {StatePendingCreate, StateCreated},
	StatePendingCreate: {StatePendingCreate, StateCreated, StatePendingDelete, StateDeleted},
	StateCreated:       {StateCreated, StatePendingUpdate, StatePendingDelete},
	StatePendingUpdate: {StateCreated, StatePendingUpdate, StatePendingDelete},
	StatePendingDelete: {StatePendingDelete, StateDeleted, StatePendingUpdate, StateCreated},
	StateDeleted:       {StateDeleted, StatePendingCreate, StateCreated},
}

// CanTransition разрешен ли переход между состояниями
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
