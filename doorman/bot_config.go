package doorman

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"log/slog"
)

var (
	columnBotConfigAdminUsername = "admin_username"
	columnBotConfigAdminPassword = "admin_password"
	columnBotConfigPaused        = "paused"
)

const (
	DefaultOrganizationName    = "the club"
	DefaultEmbedColor          = 0x5865F2
	DefaultDiscordCustomStatus = "/verify to get started!"
	DefaultDiscordErrorMessage = "sorry, something went wrong!"

	DefaultVerifySuccessMessage = "Welcome, {fullName}! You're now a " +
		"verified member of {club}."
	DefaultVerifyAlreadyVerifiedMessage = "You're already verified! If your " +
		"member role is missing, it's just been restored."
	DefaultVerifyFailureMessage = "We couldn't verify your membership. " +
		"Double-check the email you signed up with and try again, or get in " +
		"touch with a committee member."
	DefaultExpirationNoticeTemplate = "Hi {fullName}! Your {club} membership " +
		"expires today. Renew soon to keep your member role."
)

// templatePlaceholderFullName and templatePlaceholderClub are the
// substitution tokens recognized in the verify/notice message templates.
// They're kept brace-delimited for compatibility with templates written
// for earlier versions of the bot.
const (
	templatePlaceholderFullName = "{fullName}"
	templatePlaceholderClub     = "{club}"
)

var structValidator = validator.New()

// BotConfig represents the runtime configuration of the Doorman bot.
// It stores settings that can be modified during runtime and persisted
// across restarts. This struct is used to manage the 'live' application state
// for states we would want to maintain across restarts (e.g., being paused),
// and the user-facing text the committee tunes via the web editor.
//
//nolint:lll // struct tags can't be split
type BotConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// incoming slash commands are acknowledged but ignored.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// OrganizationName substitutes the {club} placeholder in templates
	OrganizationName string `json:"organization_name" gorm:"type:string" binding:"omitempty,min=1,max=100"`

	// EmbedColor is the accent color for response embeds
	EmbedColor int `json:"embed_color" gorm:"default:5793266" binding:"omitempty,min=0,max=16777215"`

	// NotificationChannelID, if set, receives the startup message whenever
	// the bot connects to the discord gateway.
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// VerifySuccessMessage is sent when /verify succeeds. Supports the
	// {fullName} and {club} placeholders.
	VerifySuccessMessage string `json:"verify_success_message" gorm:"type:string" binding:"omitempty,min=1,max=2000"`

	// VerifyAlreadyVerifiedMessage is sent when the invoking account
	// already has a verified_members row.
	VerifyAlreadyVerifiedMessage string `json:"verify_already_verified_message" gorm:"type:string" binding:"omitempty,min=1,max=2000"`

	// VerifyFailureMessage is the single response used for every /verify
	// failure, whether the email wasn't on the roster or something broke
	// internally. Keeping it uniform avoids leaking which emails are on
	// the member list.
	VerifyFailureMessage string `json:"verify_failure_message" gorm:"type:string" binding:"omitempty,min=1,max=2000"`

	// ExpirationNoticeTemplate is the DM sent by the daily expiration
	// sweep. Supports the {fullName} and {club} placeholders.
	ExpirationNoticeTemplate string `json:"expiration_notice_template" gorm:"type:string" binding:"omitempty,min=1,max=2000"`

	// DiscordErrorMessage is the fallback reply for unexpected errors in
	// commands other than /verify
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"omitempty,min=1,max=2000"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// SchedulerLogLevel is the logging level for the membership sweeps.
	SchedulerLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:scheduler_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"scheduler_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (BotConfig) TableName() string {
	return "config"
}

func DefaultBotConfig() BotConfig {
	return BotConfig{
		OrganizationName:             DefaultOrganizationName,
		EmbedColor:                   DefaultEmbedColor,
		DiscordCustomStatus:          DefaultDiscordCustomStatus,
		VerifySuccessMessage:         DefaultVerifySuccessMessage,
		VerifyAlreadyVerifiedMessage: DefaultVerifyAlreadyVerifiedMessage,
		VerifyFailureMessage:         DefaultVerifyFailureMessage,
		ExpirationNoticeTemplate:     DefaultExpirationNoticeTemplate,
		DiscordErrorMessage:          DefaultDiscordErrorMessage,
		LogLevel:                     DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:            DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:                  DBLogLevel(slog.LevelInfo.String()),
		SchedulerLogLevel:            DBLogLevel(slog.LevelInfo.String()),
	}
}

// renderMemberTemplate expands the {fullName} and {club} placeholders in a
// configured message template.
func renderMemberTemplate(template, fullName, club string) string {
	s := strings.ReplaceAll(template, templatePlaceholderFullName, fullName)
	return strings.ReplaceAll(s, templatePlaceholderClub, club)
}

// BotConfigUpdate is the PATCH payload for the web config editor. Only
// non-nil fields are applied.
//
//nolint:lll // can't break tags
type BotConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	OrganizationName      *string `json:"organization_name,omitempty" binding:"omitnil,min=1,max=100"`
	EmbedColor            *int    `json:"embed_color,omitempty" binding:"omitnil,min=0,max=16777215"`
	NotificationChannelID *string `json:"notification_channel_id,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	VerifySuccessMessage         *string `json:"verify_success_message,omitempty" binding:"omitnil,min=1,max=2000"`
	VerifyAlreadyVerifiedMessage *string `json:"verify_already_verified_message,omitempty" binding:"omitnil,min=1,max=2000"`
	VerifyFailureMessage         *string `json:"verify_failure_message,omitempty" binding:"omitnil,min=1,max=2000"`
	ExpirationNoticeTemplate     *string `json:"expiration_notice_template,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel *DBLogLevel `json:"scheduler_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b BotConfigUpdate) validate() error {
	err := structValidator.Struct(b)
	return err
}

func getDiscordPresenceStatusUpdate(config BotConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
