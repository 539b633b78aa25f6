package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"controlsync/cmd/client/cmd/cli"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Сохранить токен API",
	Long: `Запрашивает токен API демона и сохраняет его в каталоге конфигурации
(~/.controlsync/token) с правами только для владельца.

После сохранения токен проверяется запросом списка терминалов.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		fmt.Print("Введите токен API: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("ошибка чтения токена: %w", err)
		}
		fmt.Println()

		token := strings.TrimSpace(string(raw))
		if token == "" {
			return errors.New("токен не может быть пустым")
		}

		if err := app.SaveToken(token); err != nil {
			return fmt.Errorf("ошибка сохранения токена: %w", err)
		}
		cli.Success("Токен сохранен в %s", app.Config().TokenPath())

		if _, err := app.Terminals(cmd.Context()); err != nil {
			cli.Warning("Проверка токена не прошла: %v", err)
			return nil
		}
		cli.Success("Токен принят сервером")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Проверить доступность демона",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd)
		if err != nil {
			return err
		}

		health, err := app.CheckConnection(cmd.Context())
		if cli.JSON(cmd) && health != nil {
			return cli.PrintJSON(health)
		}
		if err != nil {
			return fmt.Errorf("сервер недоступен: %w", err)
		}
		cli.Success("Демон %s доступен, терминалов: %d", app.Config().ServerAddress, health.Terminals)
		return nil
	},
}
