// Package gatewaytest содержит терминал в памяти для тестов шлюза и движка
package gatewaytest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"controlsync/internal/domain/terminal"
)

// Terminal терминал в памяти. Реализует gateway.Transport и session.Authenticator.
type Terminal struct {
	mu sync.Mutex

	nextID     int64
	tokenSeq   int
	tokens     map[string]bool
	users      map[int64]terminal.Values
	userGroups []terminal.Values
	photos     map[int64]terminal.StoredPhoto

	faults map[string][]error
	calls  map[string]int
	// BatchCalls размеры пакетов user_set_image_list в порядке вызовов
	BatchCalls [][]int64

	// MaxUsers емкость терминала, 0 - без ограничения
	MaxUsers int
	// RejectQuality пользователи, чьи фото отклоняются по качеству
	RejectQuality map[int64]bool
}

func New() *Terminal {
	return &Terminal{
		nextID:        1,
		tokens:        make(map[string]bool),
		users:         make(map[int64]terminal.Values),
		photos:        make(map[int64]terminal.StoredPhoto),
		faults:        make(map[string][]error),
		calls:         make(map[string]int),
		RejectQuality: make(map[int64]bool),
	}
}

// Fail ставит в очередь ошибки для следующих вызовов op
func (f *Terminal) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

// Expire делает недействительными все выданные сессии
func (f *Terminal) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]bool)
}

// Calls число вызовов op
func (f *Terminal) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Seed добавляет пользователя в обход движка
func (f *Terminal) Seed(values terminal.Values) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	row := copyValues(values)
	row["id"] = id
	f.users[id] = row
	return id
}

// SetNextID задает идентификатор следующего пользователя
func (f *Terminal) SetNextID(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// SeedPhoto добавляет фотографию в обход движка
func (f *Terminal) SeedPhoto(userID int64, img []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos[userID] = terminal.StoredPhoto{UserID: userID, Image: img}
}

// Remove удаляет пользователя в обход движка
func (f *Terminal) Remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
}

func (f *Terminal) User(id int64) (terminal.Values, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	return copyValues(u), ok
}

func (f *Terminal) Users() []terminal.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedUsers()
}

func (f *Terminal) Photo(userID int64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.photos[userID]
	return p.Image, ok
}

func (f *Terminal) UserGroups(userID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, row := range f.userGroups {
		if uid, _ := row.Int64("user_id"); uid == userID {
			gid, _ := row.Int64("group_id")
			ids = append(ids, gid)
		}
	}
	return ids
}

// enter учитывает вызов, проверяет токен и отдает запланированную ошибку
func (f *Terminal) enter(op, token string) error {
	f.calls[op]++
	if q := f.faults[op]; len(q) > 0 {
		f.faults[op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	if !f.tokens[token] {
		return terminal.SessionExpired(op, "Invalid session")
	}
	return nil
}

func (f *Terminal) Login(_ context.Context, _ *terminal.Terminal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["login"]++
	if q := f.faults["login"]; len(q) > 0 {
		f.faults["login"] = q[1:]
		if q[0] != nil {
			return "", q[0]
		}
	}
	f.tokenSeq++
	token := fmt.Sprintf("tok-%d", f.tokenSeq)
	f.tokens[token] = true
	return token, nil
}

func (f *Terminal) IsValid(_ context.Context, _ *terminal.Terminal, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["session_is_valid"]++
	return f.tokens[token], nil
}

func (f *Terminal) Logout(_ context.Context, _ *terminal.Terminal, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["logout"]++
	delete(f.tokens, token)
	return nil
}

func (f *Terminal) CreateObjects(_ context.Context, _ *terminal.Terminal, token, object string, values []terminal.Values) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_objects", token); err != nil {
		return nil, err
	}

	switch object {
	case terminal.ObjectUsers:
		if f.MaxUsers > 0 && len(f.users)+len(values) > f.MaxUsers {
			return nil, terminal.Rejected("create_objects", terminal.ReasonCapacity, "users capacity reached")
		}
		for _, v := range values {
			reg := v.String("registration")
			for _, u := range f.users {
				if reg != "" && u.String("registration") == reg {
					return nil, terminal.Rejected("create_objects", terminal.ReasonDuplicateKey, "UNIQUE constraint failed: users.registration")
				}
			}
		}
		ids := make([]int64, 0, len(values))
		for _, v := range values {
			id := f.nextID
			f.nextID++
			row := copyValues(v)
			row["id"] = id
			f.users[id] = row
			ids = append(ids, id)
		}
		return ids, nil
	case terminal.ObjectUserGroups:
		ids := make([]int64, 0, len(values))
		for _, v := range values {
			f.userGroups = append(f.userGroups, copyValues(v))
			ids = append(ids, int64(len(f.userGroups)))
		}
		return ids, nil
	default:
		return nil, terminal.Fatal("create_objects", fmt.Errorf("unknown object %s", object))
	}
}

func (f *Terminal) ModifyObjects(_ context.Context, _ *terminal.Terminal, token, object string, values, where terminal.Values) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("modify_objects", token); err != nil {
		return 0, err
	}
	if object != terminal.ObjectUsers {
		return 0, terminal.Fatal("modify_objects", fmt.Errorf("unsupported object %s", object))
	}

	n := 0
	for id, u := range f.users {
		if !matches(u, where) {
			continue
		}
		for k, v := range values {
			u[k] = v
		}
		u["id"] = id
		n++
	}
	return n, nil
}

func (f *Terminal) LoadObjects(_ context.Context, _ *terminal.Terminal, token string, req terminal.LoadRequest) ([]terminal.Values, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("load_objects", token); err != nil {
		return nil, err
	}

	var source []terminal.Values
	switch req.Object {
	case terminal.ObjectUsers:
		source = f.sortedUsers()
	case terminal.ObjectUserGroups:
		for _, row := range f.userGroups {
			source = append(source, copyValues(row))
		}
	}

	var rows []terminal.Values
	for _, row := range source {
		if matches(row, req.Where) {
			rows = append(rows, row)
		}
	}
	if req.Offset >= len(rows) {
		return nil, nil
	}
	rows = rows[req.Offset:]
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return rows, nil
}

func (f *Terminal) DestroyObjects(_ context.Context, _ *terminal.Terminal, token, object string, where terminal.Values) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("destroy_objects", token); err != nil {
		return 0, err
	}

	n := 0
	switch object {
	case terminal.ObjectUsers:
		for id, u := range f.users {
			if matches(u, where) {
				delete(f.users, id)
				delete(f.photos, id)
				n++
			}
		}
	case terminal.ObjectUserGroups:
		kept := f.userGroups[:0]
		for _, row := range f.userGroups {
			if matches(row, where) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		f.userGroups = kept
	}
	return n, nil
}

func (f *Terminal) accept(item terminal.PhotoItem, match bool) terminal.PhotoResult {
	if _, ok := f.users[item.UserID]; !ok {
		return terminal.PhotoResult{UserID: item.UserID, Reason: terminal.ReasonNotFound, Message: "user not found"}
	}
	if f.RejectQuality[item.UserID] {
		return terminal.PhotoResult{UserID: item.UserID, Reason: terminal.ReasonQuality, Message: "Face pose out of range"}
	}
	if match {
		for owner, p := range f.photos {
			if owner != item.UserID && bytes.Equal(p.Image, item.Image) {
				return terminal.PhotoResult{UserID: item.UserID, Reason: terminal.ReasonDuplicateFace, Message: "Face exists"}
			}
		}
	}
	f.photos[item.UserID] = terminal.StoredPhoto{UserID: item.UserID, Timestamp: item.Timestamp, Image: item.Image}
	return terminal.PhotoResult{UserID: item.UserID, Success: true}
}

func (f *Terminal) SetImage(_ context.Context, _ *terminal.Terminal, token string, item terminal.PhotoItem, match bool) (terminal.PhotoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("user_set_image", token); err != nil {
		return terminal.PhotoResult{}, err
	}
	return f.accept(item, match), nil
}

func (f *Terminal) SetImageList(_ context.Context, _ *terminal.Terminal, token string, items []terminal.PhotoItem, match bool) ([]terminal.PhotoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("user_set_image_list", token); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	results := make([]terminal.PhotoResult, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.UserID)
		results = append(results, f.accept(it, match))
	}
	f.BatchCalls = append(f.BatchCalls, ids)
	return results, nil
}

func (f *Terminal) ListImages(_ context.Context, _ *terminal.Terminal, token string) ([]terminal.PhotoOwner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("user_list_images", token); err != nil {
		return nil, err
	}
	owners := make([]terminal.PhotoOwner, 0, len(f.photos))
	for id, p := range f.photos {
		owners = append(owners, terminal.PhotoOwner{UserID: id, Timestamp: p.Timestamp})
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].UserID < owners[j].UserID })
	return owners, nil
}

func (f *Terminal) GetImageList(_ context.Context, _ *terminal.Terminal, token string, userIDs []int64) ([]terminal.StoredPhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("user_get_image_list", token); err != nil {
		return nil, err
	}
	if len(userIDs) > terminal.MaxFetchPhotos {
		return nil, terminal.Fatal("user_get_image_list", fmt.Errorf("too many user ids"))
	}
	var out []terminal.StoredPhoto
	for _, id := range userIDs {
		if p, ok := f.photos[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Terminal) DestroyImages(_ context.Context, _ *terminal.Terminal, token string, d terminal.PhotoDeletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("user_destroy_image", token); err != nil {
		return err
	}
	switch {
	case d.All:
		f.photos = make(map[int64]terminal.StoredPhoto)
	case d.UserID != 0:
		delete(f.photos, d.UserID)
	default:
		for _, id := range d.UserIDs {
			delete(f.photos, id)
		}
	}
	return nil
}

func (f *Terminal) sortedUsers() []terminal.Values {
	ids := make([]int64, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]terminal.Values, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyValues(f.users[id]))
	}
	return out
}

func matches(row, where terminal.Values) bool {
	for k, v := range where {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func copyValues(v terminal.Values) terminal.Values {
	if v == nil {
		return nil
	}
	out := make(terminal.Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
