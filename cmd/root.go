package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = tmgbot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"openai.log_level",
	"gemini.log_level",
	"community.log_level",
	"diagram.log_level",
	"reminders.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "tmgbot [flags]",
	Short: "TheMathGuysBot, a discord bot for The math guys server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg.ClearLogLevels()
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
		cfg.FillLogLevels()
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "INFO") into
// *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", tmgbot.DefaultDatabase)
	viper.SetDefault("database_type", tmgbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", tmgbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", tmgbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", tmgbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", tmgbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tmgbot.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", tmgbot.DefaultRuntimeConfigTTL)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.owner_name", "MathLike")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", "")
	viper.SetDefault("discord.error_message", tmgbot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.log_level", tmgbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", tmgbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(tmgbot.DefaultDiscordGatewayIntent))

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.chat_model", tmgbot.DefaultChatModel)
	viper.SetDefault("openai.classifier_model", tmgbot.DefaultClassifierModel)
	viper.SetDefault("openai.diagram_model", tmgbot.DefaultDiagramModel)
	viper.SetDefault("openai.log_level", tmgbot.DefaultOpenAILogLevel.String())

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", tmgbot.DefaultGeminiModel)
	viper.SetDefault("gemini.log_level", tmgbot.DefaultGeminiLogLevel.String())

	// Community config
	viper.SetDefault("community.helper_role_prefix", tmgbot.DefaultHelperRolePrefix)
	viper.SetDefault("community.representative_role_prefix", tmgbot.DefaultRepresentativeRolePrefix)
	viper.SetDefault("community.active_member_role_id", "")
	viper.SetDefault("community.activity_threshold", tmgbot.DefaultActivityThreshold)
	viper.SetDefault("community.inactivity_window_days", tmgbot.DefaultInactivityWindowDays)
	viper.SetDefault("community.inactivity_scan_interval", tmgbot.DefaultInactivityScanInterval)
	viper.SetDefault("community.inactivity_scan_workers", tmgbot.DefaultInactivityScanWorkers)
	viper.SetDefault("community.log_level", tmgbot.DefaultLogLevel.String())

	// Diagrams and LaTeX
	viper.SetDefault("diagram.browser_bin", "")
	viper.SetDefault("diagram.width", tmgbot.DefaultDiagramWidth)
	viper.SetDefault("diagram.height", tmgbot.DefaultDiagramHeight)
	viper.SetDefault("diagram.render_timeout", tmgbot.DefaultDiagramRenderTimeout)
	viper.SetDefault("diagram.plot_timeout", tmgbot.DefaultPlotTimeout)
	viper.SetDefault("diagram.plot_samples", tmgbot.DefaultPlotSamples)
	viper.SetDefault("diagram.log_level", tmgbot.DefaultLogLevel.String())
	viper.SetDefault("latex.latex_bin", tmgbot.DefaultLatexBin)
	viper.SetDefault("latex.dvipng_bin", tmgbot.DefaultDvipngBin)
	viper.SetDefault("latex.dpi", tmgbot.DefaultLatexDPI)
	viper.SetDefault("latex.timeout", tmgbot.DefaultLatexTimeout)

	// Reminders, transcript and queue
	viper.SetDefault("reminders.poll_interval", tmgbot.DefaultReminderPollInterval)
	viper.SetDefault("reminders.timezone", tmgbot.DefaultReminderTimezone)
	viper.SetDefault("reminders.log_level", tmgbot.DefaultSchedulerLogLevel.String())
	viper.SetDefault("transcript.max_turns", tmgbot.DefaultTranscriptMaxTurns)
	viper.SetDefault("queue.size", tmgbot.DefaultQueueSize)
	viper.SetDefault("queue.max_age", tmgbot.DefaultQueueMaxAge)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", tmgbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", tmgbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", tmgbot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", tmgbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", tmgbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", tmgbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tmgbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", tmgbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", tmgbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", tmgbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", tmgbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", true)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %q: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(tmgbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tmgbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// log levels are decoded by LevelToStringHookFunc, but invalid
	// values should fail early, before any subcommand runs
	for _, key := range logLevelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
