// Package middleware набор huma middleware для одной группы операций
package middleware

import "github.com/danielgtaylor/huma/v2"

type Container struct {
	mws huma.Middlewares
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) Add(mw func(huma.Context, func(huma.Context))) {
	c.mws = append(c.mws, mw)
}

// GetAllAndClear отдает накопленные middleware и начинает новую группу
func (c *Container) GetAllAndClear() huma.Middlewares {
	out := c.mws
	c.mws = nil
	if out == nil {
		out = huma.Middlewares{}
	}
	return out
}
