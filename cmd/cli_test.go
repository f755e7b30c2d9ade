package cmd

import (
	"log/slog"
	"testing"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCommandsWithDefaultConfig(t *testing.T) {
	restoreEnv(t)
	useTempDB(t)
	out := captureOutput(t)

	// a log level left over from an earlier run must not block decoding
	cfg.Discord.LogLevel.Set(slog.LevelError)

	rootCmd.SetArgs([]string{"reminder", "list"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "DESCRIPTION")

	assert.Equal(t, tmgbot.DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, tmgbot.DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, tmgbot.DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
	assert.Equal(t, tmgbot.DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, tmgbot.DefaultOpenAILogLevel, cfg.OpenAI.LogLevel.Level())
	assert.Equal(t, tmgbot.DefaultGeminiLogLevel, cfg.Gemini.LogLevel.Level())
	assert.Equal(t, tmgbot.DefaultSchedulerLogLevel, cfg.Reminders.LogLevel.Level())
	assert.Equal(t, tmgbot.DefaultAPILogLevel, cfg.API.LogLevel.Level())

	out.Reset()
	rootCmd.SetArgs([]string{"pause"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Bot paused")
}

func TestReminderCommands(t *testing.T) {
	dbPath := useTempDB(t)
	t.Setenv("TMG_DISCORD_GUILD_ID", "guild-1")
	t.Setenv("TMG_DISCORD_OWNER_ID", "owner-1")
	t.Setenv("TMG_REMINDERS_TIMEZONE", "UTC")
	out := captureOutput(t)

	rootCmd.SetArgs(
		[]string{
			"reminder", "add",
			"--channel=chan-1",
			"--repeat=weekly",
			"2999-01-02 15:04",
			"Clase de cálculo",
		},
	)
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Scheduled reminder #1 for 2999-01-02 15:04")

	db := openTestDB(t, dbPath)
	var reminder tmgbot.Reminder
	require.NoError(t, db.First(&reminder).Error)
	assert.Equal(t, "Clase de cálculo", reminder.Description)
	assert.Equal(t, "guild-1", reminder.GuildID)
	assert.Equal(t, "chan-1", reminder.ChannelID)
	assert.Equal(t, "owner-1", reminder.CreatorID)
	assert.Equal(t, tmgbot.RepeatWeekly, reminder.Repeat)

	out.Reset()
	rootCmd.SetArgs([]string{"reminder", "list"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Clase de cálculo")
	assert.Contains(t, out.String(), "weekly")

	out.Reset()
	rootCmd.SetArgs([]string{"reminder", "delete", "1"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Deleted reminder #1")

	var count int64
	require.NoError(t, db.Model(&tmgbot.Reminder{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	rootCmd.SetArgs([]string{"reminder", "delete", "1"})
	assert.ErrorIs(t, rootCmd.Execute(), tmgbot.ErrReminderNotFound)

	rootCmd.SetArgs([]string{"reminder", "delete", "abc"})
	assert.Error(t, rootCmd.Execute())
}

func TestReminderAddRejectsPastTimes(t *testing.T) {
	useTempDB(t)
	t.Setenv("TMG_REMINDERS_TIMEZONE", "UTC")
	captureOutput(t)

	rootCmd.SetArgs(
		[]string{"reminder", "add", "--channel=chan-1", "--repeat=none", "2001-01-01 10:00", "Tarde"},
	)
	assert.ErrorIs(t, rootCmd.Execute(), tmgbot.ErrReminderInPast)
}

func TestPauseResumeCommands(t *testing.T) {
	dbPath := useTempDB(t)
	out := captureOutput(t)

	rootCmd.SetArgs([]string{"pause"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Bot paused")

	db := openTestDB(t, dbPath)
	var config tmgbot.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)
	assert.True(t, config.Paused)

	out.Reset()
	rootCmd.SetArgs([]string{"pause"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Bot already paused")

	out.Reset()
	rootCmd.SetArgs([]string{"resume"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Bot resumed")

	config = tmgbot.RuntimeConfig{}
	require.NoError(t, db.Last(&config).Error)
	assert.False(t, config.Paused)
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	useTempDB(t)
	t.Setenv("TMG_DISCORD_TOKEN", "discord-secret")
	t.Setenv("TMG_OPENAI_TOKEN", "openai-secret")
	t.Setenv("TMG_API_SECRET", "")
	out := captureOutput(t)

	rootCmd.SetArgs([]string{"config"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.NotContains(t, output, "discord-secret")
	assert.NotContains(t, output, "openai-secret")

	var printed map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &printed))
	discord, ok := printed["discord"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, redacted, discord["token"])
	assert.Equal(t, "sqlite", printed["database_type"])

	// the loaded config isn't modified
	assert.Equal(t, "discord-secret", cfg.Discord.Token)
}
