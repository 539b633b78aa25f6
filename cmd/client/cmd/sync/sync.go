package sync

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
	"controlsync/internal/domain/sync"
)

var runsLimit int

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Сверка терминалов",
	Long: `Запуск полного прохода сверки терминала и просмотр журнала проходов.

Проход приводит пользователей терминала к состоянию каталога upstream:
создает недостающих, обновляет измененных, удаляет выбывших.`,
}

var ReconcileCmd = &cobra.Command{
	Use:   "reconcile <terminal_id>",
	Short: "Полный проход сверки терминала",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		if !cli.JSON(cmd) {
			fmt.Printf("Сверка терминала %s...\n", args[0])
		}
		run, err := app.Reconcile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("ошибка сверки: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(run)
		}
		printRun(run)
		return nil
	},
}

var RunsCmd = &cobra.Command{
	Use:   "runs <terminal_id>",
	Short: "Журнал проходов сверки",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		runs, err := app.Runs(cmd.Context(), args[0], runsLimit)
		if err != nil {
			return fmt.Errorf("ошибка получения журнала: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("Проходов еще не было")
			return nil
		}

		w := cli.Table()
		fmt.Fprintln(w, "ЗАВЕРШЕН\tИСТОЧНИК\tСТАТУС\t+\t~\t-\tПРОПУЩЕНО\tОШИБОК\tДЛИТЕЛЬНОСТЬ")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				r.Trigger,
				cli.Colorize(string(r.Status)),
				r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed,
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			)
		}
		return w.Flush()
	},
}

func printRun(run *sync.Run) {
	switch run.Status {
	case sync.RunCompleted:
		cli.Success("Сверка завершена")
	case sync.RunCancelled:
		cli.Warning("Сверка прервана: %s", run.Error)
	default:
		cli.Failure("Сверка остановлена: %s", run.Error)
	}
	fmt.Printf("Время выполнения: %v\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Printf("Создано: %d\n", run.Created)
	fmt.Printf("Обновлено: %d\n", run.Updated)
	fmt.Printf("Удалено: %d\n", run.Deleted)
	fmt.Printf("Пропущено: %d\n", run.Skipped)
	if run.Failed > 0 {
		cli.Failure("Ошибок: %d, подробности в controlsync mapping list %s", run.Failed, run.TerminalID)
	}
}

func init() {
	RunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "сколько последних проходов показать")
}
