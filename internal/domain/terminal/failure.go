package terminal

import (
	"context"
	"errors"
	"fmt"
)

// Kind класс отказа при обращении к терминалу
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient сеть, таймаут, 5xx: можно повторить
	KindTransient
	// KindSessionExpired терминал не признал сессию
	KindSessionExpired
	// KindRejected бизнес-отказ терминала, повторять как есть бессмысленно
	KindRejected
	// KindFatal некорректный запрос или неисправимое состояние
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSessionExpired:
		return "session_expired"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Reason классификация отказа, которую вернул терминал
type Reason string

const (
	ReasonDuplicateKey  Reason = "duplicate_key"
	ReasonDuplicateFace Reason = "duplicate_face"
	ReasonQuality       Reason = "quality"
	ReasonCapacity      Reason = "capacity"
	ReasonNotFound      Reason = "not_found"
	ReasonAmbiguous     Reason = "ambiguous"
	ReasonOther         Reason = "other"
)

// Failure результат неуспешного вызова терминала
type Failure struct {
	Kind       Kind
	Reason     Reason
	Op         string
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (f *Failure) Error() string {
	msg := f.Message
	switch {
	case f.Err == nil:
	case msg == "":
		msg = f.Err.Error()
	default:
		msg += ": " + f.Err.Error()
	}
	if f.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %s", f.Op, f.Kind, f.Reason, msg)
	}
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind, msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func Transient(op string, err error) *Failure {
	return &Failure{Kind: KindTransient, Op: op, Err: err}
}

func SessionExpired(op, message string) *Failure {
	return &Failure{Kind: KindSessionExpired, Op: op, Message: message}
}

func Rejected(op string, reason Reason, message string) *Failure {
	return &Failure{Kind: KindRejected, Op: op, Reason: reason, Message: message}
}

func Fatal(op string, err error) *Failure {
	return &Failure{Kind: KindFatal, Op: op, Err: err}
}

// KindOf извлекает класс отказа из цепочки ошибок.
// Ошибки без Failure считаются фатальными, отмена контекста не классифицируется.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	return KindFatal
}

// ReasonOf возвращает причину отказа для KindRejected
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) && f.Kind == KindRejected {
		return f.Reason
	}
	return ""
}

// IsRejected проверяет, что терминал отказал по указанной причине
func IsRejected(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}
