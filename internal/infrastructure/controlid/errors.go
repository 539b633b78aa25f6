package controlid

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"controlsync/internal/domain/terminal"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e errorBody) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// classify переводит неуспешный HTTP-ответ терминала в Failure
func classify(op string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.text()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &terminal.Failure{Kind: terminal.KindSessionExpired, Op: op, StatusCode: status, Message: msg}
	case status == http.StatusTooManyRequests || status >= 500:
		return &terminal.Failure{Kind: terminal.KindTransient, Op: op, StatusCode: status, Message: msg}
	case isSessionMessage(msg):
		return &terminal.Failure{Kind: terminal.KindSessionExpired, Op: op, StatusCode: status, Message: msg}
	}

	if reason := reasonOf(msg, isPhotoOp(op)); reason != "" {
		return &terminal.Failure{Kind: terminal.KindRejected, Reason: reason, Op: op, StatusCode: status, Message: msg}
	}
	if isPhotoOp(op) && status == http.StatusBadRequest {
		return &terminal.Failure{Kind: terminal.KindRejected, Reason: terminal.ReasonOther, Op: op, StatusCode: status, Message: msg}
	}
	return &terminal.Failure{
		Kind:       terminal.KindFatal,
		Op:         op,
		StatusCode: status,
		Message:    msg,
		Err:        fmt.Errorf("unexpected status %d", status),
	}
}

func isSessionMessage(msg string) bool {
	m := strings.ToLower(msg)
	if !strings.Contains(m, "session") && !strings.Contains(m, "not logged") {
		return false
	}
	return strings.Contains(m, "invalid") ||
		strings.Contains(m, "expired") ||
		strings.Contains(m, "not logged")
}

func isPhotoOp(op string) bool {
	return strings.HasPrefix(op, "user_set_image") ||
		strings.HasPrefix(op, "user_get_image") ||
		strings.HasPrefix(op, "user_destroy_image")
}

var reasonKeywords = []struct {
	reason   terminal.Reason
	photo    bool
	keywords []string
}{
	{terminal.ReasonDuplicateFace, true, []string{"face exists", "face already", "already registered", "duplicate", "similar face"}},
	{terminal.ReasonQuality, true, []string{"quality", "pose", "sharp", "blur", "face not", "no face", "too small", "too large", "too big", "out of range", "low light", "center"}},
	{terminal.ReasonDuplicateKey, false, []string{"unique constraint", "already exists", "duplicate", "constraint failed"}},
	{terminal.ReasonCapacity, false, []string{"capacity", "is full", "storage full", "limit reached", "maximum number", "no space"}},
	{terminal.ReasonNotFound, false, []string{"not found", "does not exist", "no such", "inexistent"}},
}

// reasonOf классифицирует бизнес-отказ по тексту ошибки терминала
func reasonOf(msg string, photo bool) terminal.Reason {
	m := strings.ToLower(msg)
	for _, rk := range reasonKeywords {
		if rk.photo && !photo {
			continue
		}
		for _, kw := range rk.keywords {
			if strings.Contains(m, kw) {
				return rk.reason
			}
		}
	}
	return ""
}
