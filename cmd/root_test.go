package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/clubcord/doorman/doorman"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertLogLevel asserts that the given value, either a string or a
// *slog.LevelVar, matches the expected level.
func assertLogLevel(t testing.TB, expected slog.Level, actual any) {
	t.Helper()
	switch v := actual.(type) {
	case *slog.LevelVar:
		assert.Equal(t, expected, v.Level())
	case string:
		lvl, err := getLogLevel(v)
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	default:
		t.Fatalf("unexpected log level type: %T", actual)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	// Clear viper state left behind by earlier tests (initConfig stores
	// *slog.LevelVar values via viper.Set, which would otherwise make the
	// next initConfig run fail to parse log levels)
	viper.Reset()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DOORMAN_DATABASE=/home/foo/doorman.sqlite3
DOORMAN_DATABASE_TYPE=sqlite
DOORMAN_DATABASE_LOG_LEVEL=INFO
DOORMAN_DATABASE_SLOW_THRESHOLD=200ms
DOORMAN_LOG_LEVEL=INFO
DOORMAN_STARTUP_TIMEOUT=30s
DOORMAN_SHUTDOWN_TIMEOUT=60s
DOORMAN_BOT_CONFIG_TTL=5m
DOORMAN_MEMBER_CACHE_REFRESH_INTERVAL=168h

# Discord bot config

DOORMAN_DISCORD_TOKEN=your-discord-bot-token
DOORMAN_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DOORMAN_DISCORD_GUILD_ID=123456789012345678
DOORMAN_DISCORD_MEMBER_ROLE_ID=876543210987654321
DOORMAN_DISCORD_LOG_LEVEL=WARN
DOORMAN_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DOORMAN_DISCORD_STARTUP_MESSAGE="I'm here!"
DOORMAN_DISCORD_GATEWAY_INTENTS=3243773

# Membership scheduler

DOORMAN_SCHEDULER_ENABLED=true
DOORMAN_SCHEDULER_TIMEZONE=Australia/Melbourne
DOORMAN_SCHEDULER_NOTIFY_CRON_SPEC="30 9 * * *"
DOORMAN_SCHEDULER_CLEANUP_CRON_SPEC="0 10 * * *"
DOORMAN_SCHEDULER_LOG_LEVEL=INFO

# API server

DOORMAN_API_LISTEN=127.0.0.1:5000
DOORMAN_API_SSL_CERT=/etc/ssl/cert.pem
DOORMAN_API_SSL_KEY=/etc/ssl/key.pem
DOORMAN_API_SSL_TLS_MIN_VERSION=771
DOORMAN_API_SECRET=your-api-secret
DOORMAN_API_LOG_LEVEL=DEBUG
DOORMAN_API_DEVELOPMENT=true
DOORMAN_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DOORMAN_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
DOORMAN_API_CORS_ALLOW_CREDENTIALS=true
DOORMAN_API_CORS_MAX_AGE=12h
DOORMAN_API_READ_TIMEOUT=5s
DOORMAN_API_READ_HEADER_TIMEOUT=5s
DOORMAN_API_WRITE_TIMEOUT=10s
DOORMAN_API_IDLE_TIMEOUT=30s
DOORMAN_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/doorman.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/doorman.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("bot_config_ttl"))
	assert.Equal(
		t,
		168*time.Hour,
		viper.GetDuration("member_cache_refresh_interval"),
	)

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "123456789012345678", viper.GetString("discord.guild_id"))
	assert.Equal(t, "876543210987654321", viper.GetString("discord.member_role_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.True(t, viper.GetBool("scheduler.enabled"))
	assert.Equal(t, "Australia/Melbourne", viper.GetString("scheduler.timezone"))
	assert.Equal(t, "30 9 * * *", viper.GetString("scheduler.notify_cron_spec"))
	assert.Equal(t, "0 10 * * *", viper.GetString("scheduler.cleanup_cron_spec"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("scheduler.log_level"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a doorman.Config struct
	var config doorman.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/doorman.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.BotConfigTTL)
	assert.Equal(t, 168*time.Hour, config.MemberCacheRefreshInterval)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "123456789012345678", config.Discord.GuildID)
	assert.Equal(t, "876543210987654321", config.Discord.MemberRoleID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.True(t, config.Scheduler.Enabled)
	assert.Equal(t, "Australia/Melbourne", config.Scheduler.Timezone)
	assert.Equal(t, "30 9 * * *", config.Scheduler.NotifyCronSpec)
	assert.Equal(t, "0 10 * * *", config.Scheduler.CleanupCronSpec)
	assert.Equal(t, slog.LevelInfo, config.Scheduler.LogLevel.Level())

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.True(t, config.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}

func TestGetLogLevel(t *testing.T) {
	for expected, name := range map[slog.Level]string{
		slog.LevelDebug: "DEBUG",
		slog.LevelInfo:  "INFO",
		slog.LevelWarn:  "WARN",
		slog.LevelError: "ERROR",
	} {
		lvl, err := getLogLevel(name)
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("TRACE")
	assert.Error(t, err)
}
