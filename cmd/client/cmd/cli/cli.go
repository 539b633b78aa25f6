// Package cli общие помощники команд клиента: доступ к приложению и вывод
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"controlsync/internal/app/client"
)

type appKey struct{}

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
)

// WithApp кладет приложение в контекст команды
func WithApp(ctx context.Context, app *client.App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

// App достает приложение из контекста команды
func App(cmd *cobra.Command) (*client.App, error) {
	app, _ := cmd.Context().Value(appKey{}).(*client.App)
	if app == nil {
		return nil, errors.New("приложение не инициализировано")
	}
	return app, nil
}

// JSON выбран ли вывод в JSON глобальным флагом --json
func JSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// PrintJSON печатает значение с отступами
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table табличный вывод с выравниванием колонок
func Table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// Success печатает зеленую строку
func Success(format string, args ...any) {
	fmt.Println(ok("✓ " + fmt.Sprintf(format, args...)))
}

// Warning печатает желтую строку
func Warning(format string, args ...any) {
	fmt.Println(warn("⚠ " + fmt.Sprintf(format, args...)))
}

// Failure печатает красную строку
func Failure(format string, args ...any) {
	fmt.Println(bad("✗ " + fmt.Sprintf(format, args...)))
}

// Colorize окрашивает статус по смыслу
func Colorize(status string) string {
	switch status {
	case "completed", "created", "adopted", "updated", "deleted":
		return ok(status)
	case "skipped", "queued", "pending_create", "pending_update", "pending_delete", "cancelled":
		return warn(status)
	case "failed", "aborted":
		return bad(status)
	}
	return status
}
