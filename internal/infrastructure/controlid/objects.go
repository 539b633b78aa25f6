package controlid

import (
	"context"
	"encoding/json"

	"controlsync/internal/domain/terminal"
)

type objectRequest struct {
	Object string                     `json:"object"`
	Values any                        `json:"values,omitempty"`
	Fields []string                   `json:"fields,omitempty"`
	Where  map[string]terminal.Values `json:"where,omitempty"`
	Limit  int                        `json:"limit,omitempty"`
	Offset int                        `json:"offset,omitempty"`
}

func where(object string, filter terminal.Values) map[string]terminal.Values {
	if len(filter) == 0 {
		return nil
	}
	return map[string]terminal.Values{object: filter}
}

type countResponse struct {
	Changes   *int `json:"changes"`
	Modified  *int `json:"modified"`
	Destroyed *int `json:"destroyed"`
}

func (r countResponse) count() int {
	for _, n := range []*int{r.Changes, r.Modified, r.Destroyed} {
		if n != nil {
			return *n
		}
	}
	return 0
}

// CreateObjects создает объекты и возвращает присвоенные терминалом идентификаторы
func (c *Client) CreateObjects(ctx context.Context, t *terminal.Terminal, token, object string, values []terminal.Values) ([]int64, error) {
	var resp struct {
		IDs []int64 `json:"ids"`
	}
	req := objectRequest{Object: object, Values: values}
	if err := c.postJSON(ctx, t, "create_objects", token, req, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// ModifyObjects изменяет объекты по фильтру и возвращает число затронутых
func (c *Client) ModifyObjects(ctx context.Context, t *terminal.Terminal, token, object string, values, filter terminal.Values) (int, error) {
	var resp countResponse
	req := objectRequest{Object: object, Values: values, Where: where(object, filter)}
	if err := c.postJSON(ctx, t, "modify_objects", token, req, &resp); err != nil {
		return 0, err
	}
	return resp.count(), nil
}

// DestroyObjects удаляет объекты по фильтру и возвращает число удаленных
func (c *Client) DestroyObjects(ctx context.Context, t *terminal.Terminal, token, object string, filter terminal.Values) (int, error) {
	var resp countResponse
	req := objectRequest{Object: object, Where: where(object, filter)}
	if err := c.postJSON(ctx, t, "destroy_objects", token, req, &resp); err != nil {
		return 0, err
	}
	return resp.count(), nil
}

// LoadObjects читает объекты. Терминал отдает строки под ключом с именем объекта.
func (c *Client) LoadObjects(ctx context.Context, t *terminal.Terminal, token string, lr terminal.LoadRequest) ([]terminal.Values, error) {
	req := objectRequest{
		Object: lr.Object,
		Fields: lr.Fields,
		Where:  where(lr.Object, lr.Where),
		Limit:  lr.Limit,
		Offset: lr.Offset,
	}
	var resp map[string]json.RawMessage
	if err := c.postJSON(ctx, t, "load_objects", token, req, &resp); err != nil {
		return nil, err
	}

	raw, ok := resp[lr.Object]
	if !ok {
		raw, ok = resp["objects"]
	}
	if !ok {
		return nil, nil
	}

	var rows []terminal.Values
	if err := decode("load_objects", raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
