package photo

import (
	"fmt"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
	"controlsync/cmd/client/cmd/event"
	"controlsync/internal/app/client"
)

var (
	terminalID string
	urgent     bool
	outPath    string
)

// PhotoCmd родительская команда работы с фотографиями
var PhotoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Фотографии для распознавания лиц",
}

var UploadCmd = &cobra.Command{
	Use:   "upload <upstream_id> <file.jpg>",
	Short: "Отправить фотографию идентичности",
	Long: `Отправляет JPEG до 2 МБ. Обычные фотографии встают в очередь терминала
и уходят пакетами, с --urgent фотография отправляется сразу.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		res, err := app.UploadPhoto(cmd.Context(), client.PhotoUpload{
			TerminalID: terminalID,
			UpstreamID: args[0],
			Path:       args[1],
			Urgent:     urgent,
		})
		if err != nil {
			return fmt.Errorf("ошибка отправки фотографии: %w", err)
		}
		return event.PrintResult(cmd, res)
	},
}

var DrainCmd = &cobra.Command{
	Use:   "drain <terminal_id>",
	Short: "Выгрузить очередь фотографий терминала",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		res, err := app.DrainPhotos(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("ошибка выгрузки очереди: %w", err)
		}
		if cli.JSON(cmd) {
			return cli.PrintJSON(res)
		}

		cli.Success("Пакетов отправлено: %d", res.Batches)
		fmt.Printf("Принято терминалом: %d\n", res.Accepted)
		fmt.Printf("Отклонено: %d\n", res.Rejected)
		fmt.Printf("Вернулось в очередь: %d\n", res.Requeued)
		fmt.Printf("Ждут пользователя: %d\n", res.Waiting)
		if res.Dropped > 0 {
			cli.Warning("Исчерпали попытки и удалены: %d", res.Dropped)
		}
		return nil
	},
}

var FetchCmd = &cobra.Command{
	Use:   "fetch <terminal_id> <upstream_id>",
	Short: "Скачать фотографию с терминала",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		p, err := app.FetchPhoto(cmd.Context(), args[0], args[1], outPath)
		if err != nil {
			return fmt.Errorf("ошибка получения фотографии: %w", err)
		}
		if cli.JSON(cmd) {
			p.Image = nil
			return cli.PrintJSON(p)
		}

		fmt.Printf("Пользователь терминала: %d\n", p.DeviceUserID)
		fmt.Printf("Размер: %d байт\n", len(p.Image))
		fmt.Printf("Отпечаток: %s\n", p.Fingerprint)
		if outPath != "" {
			cli.Success("Сохранено в %s", outPath)
		}
		return nil
	},
}

func init() {
	UploadCmd.Flags().StringVar(&terminalID, "terminal", "", "ID терминала (по умолчанию все)")
	UploadCmd.Flags().BoolVar(&urgent, "urgent", false, "отправить сразу, минуя очередь")
	FetchCmd.Flags().StringVarP(&outPath, "output", "o", "", "файл для сохранения JPEG")
}
