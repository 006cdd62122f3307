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

	"github.com/clubcord/doorman/doorman"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = doorman.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "doorman [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
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

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
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
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", doorman.DefaultDatabase)
	viper.SetDefault("database_type", doorman.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		doorman.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		doorman.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("bot_config_ttl", doorman.DefaultBotConfigTTL)
	viper.SetDefault(
		"member_cache_refresh_interval",
		doorman.DefaultMemberCacheRefreshInterval,
	)

	viper.SetDefault("log_level", doorman.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", doorman.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", doorman.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", doorman.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.member_role_id", "")
	viper.SetDefault(
		"discord.log_level",
		doorman.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		doorman.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		doorman.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", doorman.DefaultDiscordStartupMessage)

	// Scheduler config
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.timezone", doorman.DefaultSchedulerTimezone)
	viper.SetDefault("scheduler.notify_cron_spec", doorman.DefaultNotifyCronSpec)
	viper.SetDefault(
		"scheduler.cleanup_cron_spec",
		doorman.DefaultCleanupCronSpec,
	)
	viper.SetDefault(
		"scheduler.log_level",
		doorman.DefaultSchedulerLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", doorman.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		doorman.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", doorman.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		doorman.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", doorman.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", doorman.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		doorman.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		doorman.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		doorman.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", doorman.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		doorman.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(doorman.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = doorman.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("scheduler.log_level"))
	if err != nil {
		log.Fatalf("error parsing scheduler log level: %v", err)
	}
	viper.Set("scheduler.log_level", logLevelVar)
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
		"Config file to use",
	)
}
