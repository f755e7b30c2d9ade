//nolint:lll // struct tags can't be split
package tmgbot

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix             = "TMG_ENV_PREFIX"
	DefaultEnvPrefix               = "TMG"
	DefaultDatabaseType            = "sqlite"
	DefaultDatabase                = "tmgbot.sqlite3"
	DefaultLogLevel                = slog.LevelInfo
	DefaultStartupTimeout          = 30 * time.Second
	DefaultShutdownTimeout         = 30 * time.Second
	DefaultRuntimeConfigTTL        = 5 * time.Minute
	DefaultChatModel               = "gpt-4o-2024-11-20"
	DefaultClassifierModel         = openai.GPT4oMini
	DefaultDiagramModel            = "gpt-4o-2024-11-20"
	DefaultOpenAIRequestsPerSecond = 2
	DefaultGeminiModel             = "gemini-2.0-flash"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildMembers
	DefaultDiscordStatus       = "Demostrar hipótesis de Riemann."
	DefaultDiscordErrorMessage = "Ups, algo salió mal :( Inténtalo de nuevo en un rato."
	DefaultDiscordLogLevel     = slog.LevelInfo
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	discordMaxMessageLength    = 2000
	discordMaxEmbedFieldLength = 1024

	DefaultHelperRolePrefix         = "Ayudante"
	DefaultRepresentativeRolePrefix = "Representante"
	DefaultActivityThreshold        = 10 * 24 * time.Hour
	DefaultInactivityWindowDays     = 30
	DefaultInactivityScanInterval   = 24 * time.Hour
	DefaultInactivityScanWorkers    = 4

	DefaultDiagramWidth         = 1280
	DefaultDiagramHeight        = 720
	DefaultDiagramRenderTimeout = 45 * time.Second
	DefaultPlotTimeout          = 5 * time.Second
	DefaultPlotSamples          = 400

	DefaultLatexBin     = "latex"
	DefaultDvipngBin    = "dvipng"
	DefaultLatexDPI     = 300
	DefaultLatexTimeout = 15 * time.Second

	DefaultReminderPollInterval = time.Minute
	DefaultReminderTimezone     = "UTC"

	DefaultTranscriptMaxTurns = 400

	DefaultQueueSize   = 50
	DefaultQueueMaxAge = 5 * time.Minute

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPITLSMinVersion = tls.VersionTLS12
	DefaultAPISessionMaxAge = 6 * time.Hour
	defaultListenNetwork    = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultGeminiLogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultSchedulerLogLevel     = slog.LevelInfo
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the static configuration, loaded once at startup from the
// environment (see cmd/root.go). Settings that may change while the bot is
// running live in [RuntimeConfig] instead.
type Config struct {
	// Database connection string, or a SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType is either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel      *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed for connecting to the
	// database and discord before Run gives up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for in-flight work to finish
	// once the bot is asked to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL, when above zero, reloads [RuntimeConfig] from the
	// database at least this often.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord"`
	OpenAI     *OpenAIConfig     `yaml:"openai" mapstructure:"openai" json:"openai"`
	Gemini     *GeminiConfig     `yaml:"gemini" mapstructure:"gemini" json:"gemini"`
	Community  *CommunityConfig  `yaml:"community" mapstructure:"community" json:"community"`
	Diagram    *DiagramConfig    `yaml:"diagram" mapstructure:"diagram" json:"diagram"`
	Latex      *LatexConfig      `yaml:"latex" mapstructure:"latex" json:"latex"`
	Reminders  *ReminderConfig   `yaml:"reminders" mapstructure:"reminders" json:"reminders"`
	Transcript *TranscriptConfig `yaml:"transcript" mapstructure:"transcript" json:"transcript"`
	Queue      *QueueConfig      `yaml:"queue" mapstructure:"queue" json:"queue"`
	API        *APIConfig        `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the server the bot serves. Slash commands are registered
	// here, and inactivity scans run against it.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// OwnerID is the server owner. Owner-only commands check against it,
	// and the persona prompt names this user as the owner.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// OwnerName is how the owner is referred to in the persona prompt
	OwnerName string `yaml:"owner_name" mapstructure:"owner_name" json:"owner_name"`

	// NotificationChannelID, if set, receives a message when the bot connects
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// ErrorMessage is sent when a mention or command can't be answered
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content and guild members are
	// privileged, and must be enabled in the developer portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// OpenAIConfig configures the models used for answers, classification
// and diagram generation.
type OpenAIConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ChatModel answers mentions. It must support structured outputs.
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`

	// ClassifierModel decides whether a message needs a web search
	ClassifierModel string `yaml:"classifier_model" mapstructure:"classifier_model" json:"classifier_model" binding:"required"`

	DiagramModel string `yaml:"diagram_model" mapstructure:"diagram_model" json:"diagram_model" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GeminiConfig configures web search and video augmentation. Leaving
// APIKey empty disables both.
type GeminiConfig struct {
	APIKey   string         `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
	Model    string         `yaml:"model" mapstructure:"model" json:"model" binding:"required_with=APIKey"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// CommunityConfig holds the guild-specific role and activity settings
// used by thankfulness points and inactivity management.
type CommunityConfig struct {
	// Members with a role starting with this prefix are helpers
	HelperRolePrefix string `yaml:"helper_role_prefix" mapstructure:"helper_role_prefix" json:"helper_role_prefix" binding:"required"`

	// Members with a role starting with this prefix may sanction helpers
	RepresentativeRolePrefix string `yaml:"representative_role_prefix" mapstructure:"representative_role_prefix" json:"representative_role_prefix" binding:"required"`

	// ActiveMemberRoleID is granted to members who posted within
	// ActivityThreshold, and removed from everyone else. Empty disables
	// role sync.
	ActiveMemberRoleID string        `yaml:"active_member_role_id" mapstructure:"active_member_role_id" json:"active_member_role_id"`
	ActivityThreshold  time.Duration `yaml:"activity_threshold" mapstructure:"activity_threshold" json:"activity_threshold" binding:"min=0"`

	// InactivityWindowDays is the window used by the periodic scan
	InactivityWindowDays   int           `yaml:"inactivity_window_days" mapstructure:"inactivity_window_days" json:"inactivity_window_days" binding:"min=1"`
	InactivityScanInterval time.Duration `yaml:"inactivity_scan_interval" mapstructure:"inactivity_scan_interval" json:"inactivity_scan_interval"`
	InactivityScanWorkers  int           `yaml:"inactivity_scan_workers" mapstructure:"inactivity_scan_workers" json:"inactivity_scan_workers" binding:"min=1"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiagramConfig configures diagram rendering.
type DiagramConfig struct {
	// BrowserBin is the chromium binary used for rasterizing. If empty,
	// rod downloads or locates one.
	BrowserBin    string        `yaml:"browser_bin" mapstructure:"browser_bin" json:"browser_bin"`
	Width         int           `yaml:"width" mapstructure:"width" json:"width" binding:"min=64"`
	Height        int           `yaml:"height" mapstructure:"height" json:"height" binding:"min=36"`
	RenderTimeout time.Duration `yaml:"render_timeout" mapstructure:"render_timeout" json:"render_timeout"`

	// PlotTimeout bounds the evaluation of a single function plot
	PlotTimeout time.Duration `yaml:"plot_timeout" mapstructure:"plot_timeout" json:"plot_timeout"`
	PlotSamples int           `yaml:"plot_samples" mapstructure:"plot_samples" json:"plot_samples" binding:"min=10"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

type LatexConfig struct {
	LatexBin  string        `yaml:"latex_bin" mapstructure:"latex_bin" json:"latex_bin" binding:"required"`
	DvipngBin string        `yaml:"dvipng_bin" mapstructure:"dvipng_bin" json:"dvipng_bin" binding:"required"`
	DPI       int           `yaml:"dpi" mapstructure:"dpi" json:"dpi" binding:"min=50,max=1200"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
}

// ReminderConfig configures the reminder scheduler.
type ReminderConfig struct {
	// PollInterval is the longest the scheduler sleeps between checks
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// Timezone used to interpret reminder times given by users
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Location returns the configured timezone.
func (r ReminderConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reminder timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

type TranscriptConfig struct {
	// MaxTurns caps the number of non-seed turns kept. 0=unlimited
	MaxTurns int `yaml:"max_turns" mapstructure:"max_turns" json:"max_turns" binding:"min=0"`
}

// QueueConfig configures the capacity of the LLM job queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size" binding:"min=0"`

	// Maximum age of a job that will be returned from the queue. Jobs
	// older than this are discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"min=0"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL      SSLConfig      `yaml:"ssl" mapstructure:"ssl" json:"ssl"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	CORS     CORSConfig     `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true"`

	// If true, session cookies are sent with SameSite=None
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: true,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			ErrorMessage:      DefaultDiscordErrorMessage,
			OwnerName:         "MathLike",
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		OpenAI: &OpenAIConfig{
			ChatModel:       DefaultChatModel,
			ClassifierModel: DefaultClassifierModel,
			DiagramModel:    DefaultDiagramModel,
			LogLevel:        newLevelVar(DefaultOpenAILogLevel),
		},
		Gemini: &GeminiConfig{
			Model:    DefaultGeminiModel,
			LogLevel: newLevelVar(DefaultGeminiLogLevel),
		},
		Community: &CommunityConfig{
			HelperRolePrefix:         DefaultHelperRolePrefix,
			RepresentativeRolePrefix: DefaultRepresentativeRolePrefix,
			ActivityThreshold:        DefaultActivityThreshold,
			InactivityWindowDays:     DefaultInactivityWindowDays,
			InactivityScanInterval:   DefaultInactivityScanInterval,
			InactivityScanWorkers:    DefaultInactivityScanWorkers,
			LogLevel:                 newLevelVar(DefaultLogLevel),
		},
		Diagram: &DiagramConfig{
			Width:         DefaultDiagramWidth,
			Height:        DefaultDiagramHeight,
			RenderTimeout: DefaultDiagramRenderTimeout,
			PlotTimeout:   DefaultPlotTimeout,
			PlotSamples:   DefaultPlotSamples,
			LogLevel:      newLevelVar(DefaultLogLevel),
		},
		Latex: &LatexConfig{
			LatexBin:  DefaultLatexBin,
			DvipngBin: DefaultDvipngBin,
			DPI:       DefaultLatexDPI,
			Timeout:   DefaultLatexTimeout,
		},
		Reminders: &ReminderConfig{
			PollInterval: DefaultReminderPollInterval,
			Timezone:     DefaultReminderTimezone,
			LogLevel:     newLevelVar(DefaultSchedulerLogLevel),
		},
		Transcript: &TranscriptConfig{
			MaxTurns: DefaultTranscriptMaxTurns,
		},
		Queue: &QueueConfig{
			Size:   DefaultQueueSize,
			MaxAge: DefaultQueueMaxAge,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// ValidateConfig checks the static configuration, including values the
// validator tags can't express.
func ValidateConfig(c *Config) error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	if _, err := c.Reminders.Location(); err != nil {
		return err
	}
	return nil
}

type logLevelField struct {
	level **slog.LevelVar
	def   slog.Level
}

func (c *Config) logLevelFields() []logLevelField {
	fields := []logLevelField{
		{&c.LogLevel, DefaultLogLevel},
		{&c.DatabaseLogLevel, DefaultDatabaseLogLevel},
	}
	if c.Discord != nil {
		fields = append(
			fields,
			logLevelField{&c.Discord.LogLevel, DefaultDiscordLogLevel},
			logLevelField{&c.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel},
		)
	}
	if c.OpenAI != nil {
		fields = append(fields, logLevelField{&c.OpenAI.LogLevel, DefaultOpenAILogLevel})
	}
	if c.Gemini != nil {
		fields = append(fields, logLevelField{&c.Gemini.LogLevel, DefaultGeminiLogLevel})
	}
	if c.Community != nil {
		fields = append(fields, logLevelField{&c.Community.LogLevel, DefaultLogLevel})
	}
	if c.Diagram != nil {
		fields = append(fields, logLevelField{&c.Diagram.LogLevel, DefaultLogLevel})
	}
	if c.Reminders != nil {
		fields = append(fields, logLevelField{&c.Reminders.LogLevel, DefaultSchedulerLogLevel})
	}
	if c.API != nil {
		fields = append(fields, logLevelField{&c.API.LogLevel, DefaultAPILogLevel})
	}
	return fields
}

// ClearLogLevels sets every log level field to nil. mapstructure only
// runs decode hooks against nil pointers, so this must be called before
// decoding level names into an existing Config.
func (c *Config) ClearLogLevels() {
	for _, f := range c.logLevelFields() {
		*f.level = nil
	}
}

// FillLogLevels sets any nil log level field to its default.
func (c *Config) FillLogLevels() {
	for _, f := range c.logLevelFields() {
		if *f.level == nil {
			*f.level = newLevelVar(f.def)
		}
	}
}
