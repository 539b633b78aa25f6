package terminal

import (
	"context"
	"fmt"
)

// Объекты хранилища терминала
const (
	ObjectUsers      = "users"
	ObjectUserGroups = "user_groups"
	ObjectGroups     = "groups"
)

const (
	// MaxPhotoBytes предел размера одной фотографии
	MaxPhotoBytes = 2 << 20
	// MaxBatchBytes предел размера тела пакетной загрузки
	MaxBatchBytes = 2 << 20
	// MaxFetchPhotos предел фотографий за один вызов user_get_image_list
	MaxFetchPhotos = 100
)

// Values набор полей объекта
type Values map[string]any

// LoadRequest параметры load_objects
type LoadRequest struct {
	Object string
	Fields []string
	Where  Values
	Limit  int
	Offset int
}

// PhotoItem фотография для загрузки
type PhotoItem struct {
	UserID    int64
	Timestamp int64
	Image     []byte
}

// PhotoResult исход загрузки одной фотографии
type PhotoResult struct {
	UserID  int64
	Success bool
	Reason  Reason
	Message string
	Scores  map[string]float64
}

// Err преобразует неуспешный исход в Failure
func (r PhotoResult) Err(op string) error {
	if r.Success {
		return nil
	}
	reason := r.Reason
	if reason == "" {
		reason = ReasonOther
	}
	return Rejected(op, reason, r.Message)
}

// PhotoOwner владелец фотографии на терминале
type PhotoOwner struct {
	UserID    int64
	Timestamp int64
}

// StoredPhoto фотография, выгруженная с терминала
type StoredPhoto struct {
	UserID    int64
	Timestamp int64
	Image     []byte
}

// PhotoDeletion фильтр удаления фотографий
type PhotoDeletion struct {
	UserID   int64
	UserIDs  []int64
	All      bool
	Orphaned bool
}

type requestIDKey struct{}

// WithRequestID кладет идентификатор корреляции в контекст
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID достает идентификатор корреляции из контекста
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Int64 читает целочисленное поле объекта
func (v Values) Int64(key string) (int64, bool) {
	switch n := v[key].(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// String читает строковое поле объекта
func (v Values) String(key string) string {
	switch s := v[key].(type) {
	case string:
		return s
	case nil:
		return ""
	case interface{ String() string }:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}
