package controlid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"controlsync/internal/domain/terminal"
)

type photoError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type photoResponse struct {
	UserID  int64              `json:"user_id"`
	Success *bool              `json:"success"`
	Errors  []photoError       `json:"errors"`
	Scores  map[string]float64 `json:"scores"`
}

func (r photoResponse) result(userID int64) terminal.PhotoResult {
	res := terminal.PhotoResult{UserID: userID, Scores: r.Scores}
	if r.Success == nil {
		res.Success = len(r.Errors) == 0
	} else {
		res.Success = *r.Success
	}
	if res.Success {
		return res
	}

	res.Reason = terminal.ReasonOther
	for _, e := range r.Errors {
		if res.Message == "" {
			res.Message = e.Message
		}
		if reason := reasonOf(e.Message, true); reason != "" {
			res.Reason = reason
			res.Message = e.Message
			break
		}
	}
	if res.Message == "" {
		res.Message = "photo rejected"
	}
	return res
}

func matchFlag(match bool) int {
	if match {
		return 1
	}
	return 0
}

// SetImage загружает одну фотографию бинарным телом
func (c *Client) SetImage(ctx context.Context, t *terminal.Terminal, token string, item terminal.PhotoItem, match bool) (terminal.PhotoResult, error) {
	const op = "user_set_image"
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(item.UserID, 10))
	query.Set("timestamp", strconv.FormatInt(item.Timestamp, 10))
	query.Set("match", strconv.Itoa(matchFlag(match)))

	data, err := c.doRequest(ctx, op, http.MethodPost, endpoint(t, op+".fcgi", token, query), "application/octet-stream", item.Image)
	if err != nil {
		return terminal.PhotoResult{}, err
	}

	var resp photoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// некоторые прошивки отвечают пустым телом или текстом
		return terminal.PhotoResult{UserID: item.UserID, Success: true}, nil
	}
	return resp.result(item.UserID), nil
}

type imageListItem struct {
	UserID    int64  `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	Image     string `json:"image"`
}

// SetImageList загружает пакет фотографий. Исходы выровнены по порядку запроса.
func (c *Client) SetImageList(ctx context.Context, t *terminal.Terminal, token string, items []terminal.PhotoItem, match bool) ([]terminal.PhotoResult, error) {
	const op = "user_set_image_list"
	payload := struct {
		Match      int             `json:"match"`
		UserImages []imageListItem `json:"user_images"`
	}{Match: matchFlag(match), UserImages: make([]imageListItem, 0, len(items))}
	for _, it := range items {
		payload.UserImages = append(payload.UserImages, imageListItem{
			UserID:    it.UserID,
			Timestamp: it.Timestamp,
			Image:     base64.StdEncoding.EncodeToString(it.Image),
		})
	}

	var resp struct {
		Results []photoResponse `json:"results"`
	}
	if err := c.postJSON(ctx, t, op, token, payload, &resp); err != nil {
		return nil, err
	}
	return alignResults(items, resp.Results), nil
}

// alignResults сопоставляет ответы с элементами запроса по порядку,
// а при расхождении длины по user_id. Элемент без ответа считается неуспешным.
func alignResults(items []terminal.PhotoItem, results []photoResponse) []terminal.PhotoResult {
	out := make([]terminal.PhotoResult, len(items))

	if len(results) == len(items) {
		for i, it := range items {
			if results[i].UserID == 0 || results[i].UserID == it.UserID {
				out[i] = results[i].result(it.UserID)
				continue
			}
			out[i] = byUser(it.UserID, results)
		}
		return out
	}

	for i, it := range items {
		out[i] = byUser(it.UserID, results)
	}
	return out
}

func byUser(userID int64, results []photoResponse) terminal.PhotoResult {
	for _, r := range results {
		if r.UserID == userID {
			return r.result(userID)
		}
	}
	return terminal.PhotoResult{UserID: userID, Reason: terminal.ReasonOther, Message: "no result returned for item"}
}

// ListImages возвращает владельцев фотографий
func (c *Client) ListImages(ctx context.Context, t *terminal.Terminal, token string) ([]terminal.PhotoOwner, error) {
	const op = "user_list_images"
	query := url.Values{}
	query.Set("get_timestamp", "1")

	data, err := c.doRequest(ctx, op, http.MethodGet, endpoint(t, op+".fcgi", token, query), "", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		UserIDs []json.RawMessage `json:"user_ids"`
	}
	if err := decode(op, data, &resp); err != nil {
		return nil, err
	}

	owners := make([]terminal.PhotoOwner, 0, len(resp.UserIDs))
	for _, raw := range resp.UserIDs {
		var id int64
		if err := json.Unmarshal(raw, &id); err == nil {
			owners = append(owners, terminal.PhotoOwner{UserID: id})
			continue
		}
		var obj struct {
			ID        int64 `json:"id"`
			UserID    int64 `json:"user_id"`
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, terminal.Fatal(op, fmt.Errorf("failed to parse owner: %w", err))
		}
		if obj.ID == 0 {
			obj.ID = obj.UserID
		}
		owners = append(owners, terminal.PhotoOwner{UserID: obj.ID, Timestamp: obj.Timestamp})
	}
	return owners, nil
}

// GetImageList выгружает фотографии пользователей
func (c *Client) GetImageList(ctx context.Context, t *terminal.Terminal, token string, userIDs []int64) ([]terminal.StoredPhoto, error) {
	const op = "user_get_image_list"
	payload := map[string]any{}
	if len(userIDs) > 0 {
		payload["user_ids"] = userIDs
	}

	var resp struct {
		UserImages []struct {
			ID        int64  `json:"id"`
			UserID    int64  `json:"user_id"`
			Timestamp int64  `json:"timestamp"`
			Image     string `json:"image"`
		} `json:"user_images"`
	}
	if err := c.postJSON(ctx, t, op, token, payload, &resp); err != nil {
		return nil, err
	}

	photos := make([]terminal.StoredPhoto, 0, len(resp.UserImages))
	for _, ui := range resp.UserImages {
		img, err := base64.StdEncoding.DecodeString(ui.Image)
		if err != nil {
			return nil, terminal.Fatal(op, fmt.Errorf("failed to decode image: %w", err))
		}
		id := ui.ID
		if id == 0 {
			id = ui.UserID
		}
		photos = append(photos, terminal.StoredPhoto{UserID: id, Timestamp: ui.Timestamp, Image: img})
	}
	return photos, nil
}

// DestroyImages удаляет фотографии по владельцу, списку владельцев или все
func (c *Client) DestroyImages(ctx context.Context, t *terminal.Terminal, token string, d terminal.PhotoDeletion) error {
	const op = "user_destroy_image"
	payload := map[string]any{}
	switch {
	case d.All:
		payload["all"] = true
	case d.UserID != 0:
		payload["user_id"] = d.UserID
	case len(d.UserIDs) > 0:
		payload["user_ids"] = d.UserIDs
	default:
		return terminal.Fatal(op, fmt.Errorf("empty deletion filter"))
	}
	return c.postJSON(ctx, t, op, token, payload, nil)
}
