package mapping

import (
	"fmt"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
	"controlsync/internal/domain/mapping"
)

var listState string

// MappingCmd родительская команда просмотра сопоставлений
var MappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Сопоставления идентичностей",
	Long:  `Просмотр связи идентичностей upstream с пользователями терминала.`,
}

var GetCmd = &cobra.Command{
	Use:   "get <terminal_id> <upstream_id>",
	Short: "Состояние одной идентичности на терминале",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		m, err := app.Mapping(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("ошибка получения сопоставления: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(m)
		}

		fmt.Printf("Идентичность:    %s\n", m.UpstreamID)
		fmt.Printf("Терминал:        %s\n", m.TerminalID)
		fmt.Printf("Состояние:       %s\n", cli.Colorize(string(m.State)))
		if m.HasDevice() {
			fmt.Printf("ID на терминале: %d\n", m.DeviceUserID)
		} else {
			fmt.Println("ID на терминале: не выдан")
		}
		fmt.Printf("Табельный номер: %s\n", m.NaturalKey)
		fmt.Printf("Версия:          %d\n", m.Sequence)
		if m.PhotoFingerprint != "" {
			fmt.Printf("Фото:            %s\n", short(m.PhotoFingerprint))
		}
		if m.LastError != "" {
			cli.Failure("Последняя ошибка: %s", m.LastError)
		}
		if m.RejectedDigest != "" {
			cli.Warning("Атрибуты отклонены терминалом, повтор только после изменения")
		}
		fmt.Printf("Обновлено:       %s\n", m.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var ListCmd = &cobra.Command{
	Use:   "list <terminal_id>",
	Short: "Сопоставления терминала",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		list, err := app.Mappings(cmd.Context(), args[0], mapping.State(listState))
		if err != nil {
			return fmt.Errorf("ошибка получения списка сопоставлений: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("Сопоставления не найдены")
			return nil
		}

		fmt.Printf("Найдено сопоставлений: %d\n\n", len(list))
		w := cli.Table()
		fmt.Fprintln(w, "UPSTREAM\tID\tТАБ. НОМЕР\tСОСТОЯНИЕ\tОШИБКА")
		for _, m := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				m.UpstreamID, m.DeviceUserID, m.NaturalKey, cli.Colorize(string(m.State)), m.LastError)
		}
		return w.Flush()
	},
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func init() {
	ListCmd.Flags().StringVar(&listState, "state", "", "фильтр по состоянию (pending_create, created, pending_update, pending_delete, deleted)")
}
