package tmgbot

import (
	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running (through the admin API or the CLI), and that persist across
// restarts. The latest row of the `config` table is the active config.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused bots still record messages in the transcript, but only
	// answer the owner.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordStatus is shown as the bot's 'Playing ...' activity
	DiscordStatus string `json:"discord_status" gorm:"type:string" binding:"max=128"`

	// WebSearchEnabled allows mentions to be augmented with a web search,
	// when the classifier asks for one
	WebSearchEnabled bool `json:"web_search_enabled" gorm:"not null;default:true"`

	// VideoAnalysisEnabled allows linked videos to be summarized before
	// answering
	VideoAnalysisEnabled bool `json:"video_analysis_enabled" gorm:"not null;default:true"`

	// DiagramsEnabled toggles the /diagrama command
	DiagramsEnabled bool `json:"diagrams_enabled" gorm:"not null;default:true"`

	// RemindersEnabled toggles reminder creation (by command or LLM) and
	// delivery
	RemindersEnabled bool `json:"reminders_enabled" gorm:"not null;default:true"`

	// OpenAIMaxRequestsPerSecond limits chat completion requests
	OpenAIMaxRequestsPerSecond int `gorm:"column:openai_max_requests_per_second;default:2" json:"openai_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2id hash of the admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    DBLogLevel `gorm:"default:INFO;column:openai_log_level;type:string" json:"openai_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordStatus:              DefaultDiscordStatus,
		WebSearchEnabled:           true,
		VideoAnalysisEnabled:       true,
		DiagramsEnabled:            true,
		RemindersEnabled:           true,
		OpenAIMaxRequestsPerSecond: DefaultOpenAIRequestsPerSecond,
		LogLevel:                   DBLogLevelInfo,
		OpenAILogLevel:             DBLogLevelInfo,
		DiscordLogLevel:            DBLogLevelInfo,
		DiscordGoLogLevel:          DBLogLevelWarn,
		DatabaseLogLevel:           DBLogLevelWarn,
		APILogLevel:                DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update of [RuntimeConfig]. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused                     *bool   `json:"paused,omitempty"`
	DiscordStatus              *string `json:"discord_status,omitempty" binding:"omitnil,max=128"`
	WebSearchEnabled           *bool   `json:"web_search_enabled,omitempty"`
	VideoAnalysisEnabled       *bool   `json:"video_analysis_enabled,omitempty"`
	DiagramsEnabled            *bool   `json:"diagrams_enabled,omitempty"`
	RemindersEnabled           *bool   `json:"reminders_enabled,omitempty"`
	OpenAIMaxRequestsPerSecond *int    `json:"openai_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=1000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    *DBLogLevel `json:"openai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// columns returns the update as a column/value map for gorm, skipping
// nil fields.
func (b RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	if b.Paused != nil {
		updates[columnRuntimeConfigPaused] = *b.Paused
	}
	if b.DiscordStatus != nil {
		updates["discord_status"] = *b.DiscordStatus
	}
	if b.WebSearchEnabled != nil {
		updates["web_search_enabled"] = *b.WebSearchEnabled
	}
	if b.VideoAnalysisEnabled != nil {
		updates["video_analysis_enabled"] = *b.VideoAnalysisEnabled
	}
	if b.DiagramsEnabled != nil {
		updates["diagrams_enabled"] = *b.DiagramsEnabled
	}
	if b.RemindersEnabled != nil {
		updates["reminders_enabled"] = *b.RemindersEnabled
	}
	if b.OpenAIMaxRequestsPerSecond != nil {
		updates["openai_max_requests_per_second"] = *b.OpenAIMaxRequestsPerSecond
	}
	levels := map[string]*DBLogLevel{
		"log_level":           b.LogLevel,
		"openai_log_level":    b.OpenAILogLevel,
		"discord_log_level":   b.DiscordLogLevel,
		"discordgo_log_level": b.DiscordGoLogLevel,
		"database_log_level":  b.DatabaseLogLevel,
		"api_log_level":       b.APILogLevel,
	}
	for column, level := range levels {
		if level != nil {
			updates[column] = *level
		}
	}
	return updates
}

// discordPresence returns the presence for the given config:
// do-not-disturb while paused, otherwise 'Playing <status>'.
func discordPresence(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	status := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if config.DiscordStatus != "" {
		status.Activities = []*discordgo.Activity{
			{
				Name: config.DiscordStatus,
				Type: discordgo.ActivityTypeGame,
			},
		}
	}
	return status
}
