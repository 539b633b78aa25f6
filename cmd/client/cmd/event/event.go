package event

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
	"controlsync/internal/app/client"
	"controlsync/internal/domain/sync"
)

var (
	terminalID   string
	sequence     int64
	registration string
	name         string
	groups       []int64
	attributes   map[string]string
)

// EventCmd родительская команда уведомлений об изменениях
var EventCmd = &cobra.Command{
	Use:   "event",
	Short: "Уведомления об изменении идентичностей",
	Long: `Отправка изменений каталога upstream в демон.

Без --terminal изменение применяется ко всем управляемым терминалам.
Если демон работает с очередью, уведомление принимается асинхронно.`,
}

var UpsertCmd = &cobra.Command{
	Use:   "upsert <upstream_id>",
	Short: "Создать или обновить идентичность",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}
		if registration == "" {
			return errors.New("укажите --registration")
		}

		attrs := make(map[string]any, len(attributes))
		for k, v := range attributes {
			attrs[k] = v
		}

		res, err := app.UpsertIdentity(cmd.Context(), client.IdentityChange{
			TerminalID: terminalID,
			Sequence:   sequence,
			Identity: sync.Identity{
				UpstreamID:   args[0],
				Registration: registration,
				Name:         name,
				Attributes:   attrs,
				GroupIDs:     groups,
			},
		})
		if err != nil {
			return fmt.Errorf("ошибка отправки изменения: %w", err)
		}
		return PrintResult(cmd, res)
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <upstream_id>",
	Short: "Удалить идентичность с терминалов",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		res, err := app.DeleteIdentity(cmd.Context(), terminalID, args[0], sequence)
		if err != nil {
			return fmt.Errorf("ошибка отправки удаления: %w", err)
		}
		return PrintResult(cmd, res)
	},
}

// PrintResult выводит итог применения уведомления по терминалам
func PrintResult(cmd *cobra.Command, res *client.ApplyResult) error {
	if cli.JSON(cmd) {
		return cli.PrintJSON(res)
	}
	if res.Queued {
		cli.Success("Уведомление поставлено в очередь")
		return nil
	}
	if len(res.Results) == 0 {
		cli.Warning("Нет терминалов для применения")
		return nil
	}

	w := cli.Table()
	fmt.Fprintln(w, "ТЕРМИНАЛ\tUPSTREAM\tИСХОД\tID\tОШИБКА")
	for _, r := range res.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.TerminalID, r.UpstreamID, cli.Colorize(string(r.Outcome)), r.DeviceUserID, r.Error)
	}
	return w.Flush()
}

func init() {
	EventCmd.PersistentFlags().StringVar(&terminalID, "terminal", "", "ID терминала (по умолчанию все)")
	EventCmd.PersistentFlags().Int64Var(&sequence, "sequence", 0, "версия изменения в upstream (0 — текущее время)")

	UpsertCmd.Flags().StringVar(&registration, "registration", "", "табельный номер")
	UpsertCmd.Flags().StringVar(&name, "name", "", "имя пользователя")
	UpsertCmd.Flags().Int64SliceVar(&groups, "group", nil, "ID группы доступа на терминале (можно повторять)")
	UpsertCmd.Flags().StringToStringVar(&attributes, "attr", nil, "дополнительное поле пользователя key=value")
}
