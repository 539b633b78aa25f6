package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"controlsync/cmd/client/cmd/cli"
	"controlsync/cmd/client/cmd/event"
	"controlsync/cmd/client/cmd/mapping"
	"controlsync/cmd/client/cmd/photo"
	"controlsync/cmd/client/cmd/sync"
	"controlsync/internal/app/client"
	"controlsync/internal/app/client/config"
	"controlsync/internal/utils/logger"
)

var (
	cfgFile    string
	debug      bool
	jsonOutput bool
	serverURL  string
	apiToken   string
)

var rootCmd = &cobra.Command{
	Use:   "controlsync",
	Short: "controlsync - управление синхронизацией терминалов Control iD",
	Long: `controlsync — клиент демона синхронизации терминалов доступа Control iD.

Позволяет отправлять изменения идентичностей, запускать сверку терминалов,
смотреть сопоставления и журнал проходов, управлять очередью фотографий.`,
	PersistentPreRunE: setupApp,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	// флаги командной строки важнее файла
	if serverURL != "" {
		cfg.ServerAddress = serverURL
	}
	if apiToken != "" {
		cfg.APIToken = apiToken
	}

	log := logger.Discard()
	if debug {
		log = logger.New(cfg.Env)
	}

	cmd.SetContext(cli.WithApp(cmd.Context(), client.New(cfg, log)))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "конфигурационный файл")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "включить отладочный режим")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "адрес демона синхронизации")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "токен API (вместо сохраненного)")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(terminalsCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	sync.SyncCmd.AddCommand(sync.ReconcileCmd)
	sync.SyncCmd.AddCommand(sync.RunsCmd)

	rootCmd.AddCommand(mapping.MappingCmd)
	mapping.MappingCmd.AddCommand(mapping.GetCmd)
	mapping.MappingCmd.AddCommand(mapping.ListCmd)

	rootCmd.AddCommand(event.EventCmd)
	event.EventCmd.AddCommand(event.UpsertCmd)
	event.EventCmd.AddCommand(event.DeleteCmd)

	rootCmd.AddCommand(photo.PhotoCmd)
	photo.PhotoCmd.AddCommand(photo.UploadCmd)
	photo.PhotoCmd.AddCommand(photo.DrainCmd)
	photo.PhotoCmd.AddCommand(photo.FetchCmd)
}
