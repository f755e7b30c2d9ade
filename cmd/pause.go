package cmd

import (
	"fmt"
	"log/slog"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the bot (mentions from anyone but the owner are ignored)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setPaused(cmd, true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setPaused(cmd, false)
	},
}

// setPaused updates the paused flag of the active runtime config, and
// asks a running bot to reload it.
func setPaused(cmd *cobra.Command, paused bool) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	runtimeConfig, err := loadRuntimeConfig(db)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runtimeConfig.Paused == paused {
		fmt.Fprintf(out, "Bot already %s\n", pausedState(paused))
		return nil
	}

	if err = db.WithContext(ctx).Model(&runtimeConfig).Update("paused", paused).Error; err != nil {
		return fmt.Errorf("error updating runtime config: %w", err)
	}

	notifier, err := tmgbot.NewDBNotifier(cfg.DatabaseType, cfg.Database, db, nil, slog.Default())
	if err != nil {
		return err
	}
	notifier.ReloadRuntimeConfig(ctx)

	fmt.Fprintf(out, "Bot %s\n", pausedState(paused))
	return nil
}

func pausedState(paused bool) string {
	if paused {
		return "paused"
	}
	return "resumed"
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd)
}
