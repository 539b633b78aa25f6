package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
)

var terminalsCmd = &cobra.Command{
	Use:   "terminals",
	Short: "Список управляемых терминалов",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		list, err := app.Terminals(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения списка терминалов: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("Терминалы не настроены")
			return nil
		}

		w := cli.Table()
		fmt.Fprintln(w, "ID\tАДРЕС\tРЕЖИМ\tПАРАЛЛЕЛЬНО\tПОСЛЕДНЯЯ СВЕРКА")
		for _, t := range list {
			last := "никогда"
			if !t.LastFullSync.IsZero() {
				last = t.LastFullSync.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Address, t.Mode, t.Concurrency(), last)
		}
		return w.Flush()
	},
}
