package doorman

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, dbTypeSQLite, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultBotConfigTTL, cfg.BotConfigTTL)
	assert.Equal(
		t,
		DefaultMemberCacheRefreshInterval,
		cfg.MemberCacheRefreshInterval,
	)

	require.NotNil(t, cfg.Scheduler)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, DefaultSchedulerTimezone, cfg.Scheduler.Timezone)
	assert.Equal(t, DefaultNotifyCronSpec, cfg.Scheduler.NotifyCronSpec)
	assert.Equal(t, DefaultCleanupCronSpec, cfg.Scheduler.CleanupCronSpec)

	_, err := time.LoadLocation(cfg.Scheduler.Timezone)
	require.NoError(t, err, "default timezone must be a valid IANA name")

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
	assert.Equal(t, DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())
}

func TestValidateConfigRequiresDiscordSettings(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	// no token, application ID, guild or member role
	err := structValidator.Struct(cfg)
	require.Error(t, err)

	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	cfg.Discord.GuildID = "guild"
	cfg.Discord.MemberRoleID = "role"
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfigRejectsBadDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mongodb"
	require.Error(t, structValidator.Struct(cfg))
}

// DefaultTestConfig returns a Config suitable for tests: a temp sqlite
// database, a self-signed cert, short timeouts and quiet logging.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.BotConfigTTL = 0
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.Development = true

	cfg.Discord.Token = fmt.Sprintf("discord_token-%s", t.Name())
	cfg.Discord.ApplicationID = fmt.Sprintf("discord_app_id-%s", t.Name())
	cfg.Discord.GuildID = fmt.Sprintf("guild_%s", t.Name())
	cfg.Discord.MemberRoleID = fmt.Sprintf("role_%s", t.Name())

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)

	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Scheduler.LogLevel.Set(logLevel)

	return cfg
}
