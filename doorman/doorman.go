package doorman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = ""
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

// Doorman is the main bot struct. It owns the database, the discord
// session, the member cache, the cron scheduler and the admin API, and
// coordinates their startup and shutdown.
type Doorman struct {
	config *Config

	// db is the read connection, writeDB serializes writes when the
	// backing store is SQLite
	db      *gorm.DB
	writeDB DBI

	botConfig *BotConfig
	cfgMu     sync.RWMutex

	discord     *Discord
	api         *API
	scheduler   *Scheduler
	memberCache *MemberCache
	dbNotifier  DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	runMu        sync.Mutex
	startedAt    time.Time
	paused       atomic.Bool
	pendingSetup atomic.Bool

	signalStop  chan struct{}
	signalReady chan struct{}

	triggerBotConfigRefreshCh   chan bool
	triggerMemberCacheRefreshCh chan bool

	// getInteractionHandlerFunc returns the handler to use for incoming
	// interactions, replaceable for testing
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates and initializes a new Doorman instance from the given
// config: logging, the discord integration, the member cache, the cron
// scheduler and the admin API. The database isn't opened until Run.
func New(config *Config) (*Doorman, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Doorman{
		config:                      config,
		signalReady:                 make(chan struct{}, 1),
		triggerBotConfigRefreshCh:   make(chan bool, 1),
		triggerMemberCacheRefreshCh: make(chan bool, 1),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)

	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	d.discord = disc
	disc.dc = d

	d.memberCache = NewMemberCache(
		d.config.MemberCacheRefreshInterval,
		func() *gorm.DB { return d.db },
		d.logger,
	)

	// the scheduler is always constructed so the manual sweep commands
	// work; the cron jobs only start when it's enabled
	scheduler, err := newScheduler(d, d.config.Scheduler)
	if err != nil {
		errs = append(errs, err)
	}
	d.scheduler = scheduler

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *Doorman) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// BotConfig returns a copy of the current runtime bot configuration.
func (d *Doorman) BotConfig() BotConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.botConfig
}

// RegisterSlashCommands registers the bot's slash commands with discord,
// overwriting any previously-registered set.
func (d *Doorman) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or a
// stop signal arrives, then shuts down gracefully.
func (d *Doorman) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled. The errgroup supervises the long-running components:
	// if any of them fails, the group context cancels and the bot comes
	// down rather than limping along without that component.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
			return
		}
	}()

	eg.Go(func() error {
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- d.api.Serve(ctx)
		}()
		select {
		case <-ctx.Done():
			// d.shutdown closes the server once in-flight work drains
			return nil
		case httpErr := <-serveErr:
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		}
	})

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil && d.api.listener != nil {
				go func() {
					if e := d.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	notifier, err := newDBNotifier(d)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	d.dbNotifier = notifier

	if setupErr := d.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := d.discordInit(ctx, logger); err != nil {
		return err
	}

	if cacheErr := d.memberCache.Refresh(ctx); cacheErr != nil {
		// the bot can come up without a warm cache; /verify forces a
		// refresh on demand
		d.logger.WarnContext(ctx, "initial member cache refresh failed", tint.Err(cacheErr))
	}

	if d.config.Scheduler.Enabled {
		if schedErr := d.scheduler.Start(ctx); schedErr != nil {
			return schedErr
		}
	}

	d.startBotConfigRefresher(ctx, runtimeWG, logger)
	d.startMemberCacheRefresher(ctx, runtimeWG)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	eg.Go(func() error {
		if e := d.dbNotifier.Listen(ctx, d.dbNotifier.BotConfigChannelName()); e != nil && !errors.Is(e, context.Canceled) {
			d.logger.ErrorContext(ctx, "error listening to bot config channel", tint.Err(e))
			return e
		}
		return nil
	})

	eg.Go(func() error {
		if e := d.dbNotifier.Listen(ctx, d.dbNotifier.MemberCacheChannelName()); e != nil && !errors.Is(e, context.Canceled) {
			d.logger.ErrorContext(ctx, "error listening to member cache channel", tint.Err(e))
			return e
		}
		return nil
	})

	// block until a supervised component fails or something cancels the
	// main runtime context - generally an interrupt, or a stop notification
	egErr := eg.Wait()
	if egErr != nil && !errors.Is(egErr, context.Canceled) {
		d.logger.ErrorContext(ctx, "runtime component failed", tint.Err(egErr))
		return errors.Join(egErr, d.shutdown(ctx, runtimeWG))
	}

	return d.shutdown(ctx, runtimeWG)
}

func (d *Doorman) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !d.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			d.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var botState BotConfig
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			getStateErr := d.db.Last(&botState).Error
			if getStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting bot config",
					tint.Err(getStateErr),
				)
			}
			if botState.AdminUsername != "" && botState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return d.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		d.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection and registers the
// slash commands.
func (d *Doorman) discordInit(ctx context.Context, logger *slog.Logger) error {
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := d.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	return nil
}

func (d *Doorman) initRun(startCtx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// load or create the persisted bot config - this tells the bot whether
	// it should come up paused (so a crash and restart can't silently
	// un-pause it)
	var botState BotConfig

	getStateErr := d.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			d.pendingSetup.Store(true)
			botState = DefaultBotConfig()

			if _, err := d.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid bot config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.botConfig = &botState

	return nil
}

func (d *Doorman) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, d.config.DatabaseSlowThreshold)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	d.db = db
	d.writeDB = NewDatabase(db, nil, d.config.DatabaseType == dbTypePostgres)

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&MemberListEntry{},
		&VerifiedMember{},
		&VerifyCommand{},
		&BotConfig{},
		&InteractionLog{},
		&Event{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}

func (d *Doorman) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{
		Intents:  d.config.Discord.GatewayIntents,
		Presence: getDiscordPresenceStatusUpdate(d.BotConfig()),
	}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			handler := GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				config:      d.BotConfig(),
				mu:          &sync.RWMutex{},
				logger: d.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
			return handler
		}
	}
	return nil
}

// startBotConfigRefresher starts the goroutines that reload the persisted
// bot config: one emitting TTL ticks, one servicing refresh signals.
func (d *Doorman) startBotConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	botConfigTTL := d.config.BotConfigTTL

	if botConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(botConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerBotConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-d.triggerBotConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					d.refreshBotConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					d.logger.Warn("bot config refresh timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

// startMemberCacheRefresher services member cache refresh signals, sent by
// the DB notifier when the roster changes on another instance (or via the
// admin API).
func (d *Doorman) startMemberCacheRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case force := <-d.triggerMemberCacheRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				var refreshErr error
				if force {
					refreshErr = d.memberCache.ForceRefresh(refreshCtx)
				} else {
					refreshErr = d.memberCache.Refresh(refreshCtx)
				}
				if refreshErr != nil {
					d.logger.ErrorContext(
						ctx,
						"member cache refresh failed",
						tint.Err(refreshErr),
					)
				}
				refreshCancel()
			}
		}
	}()
}

func (d *Doorman) refreshBotConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	botConfigTTL := d.config.BotConfigTTL
	rollbackConfig := d.botConfig

	var refreshConfig BotConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.Error("error getting bot config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > botConfigTTL {
		d.logger.Info(
			fmt.Sprintf(
				"bot config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		d.unsafeRefreshBotConfig(rollbackConfig, &refreshConfig)
	} else {
		d.logger.Info("bot config is up to date, skipping refresh")
	}
}

// unsafeRefreshBotConfig applies a freshly-loaded bot config without
// locking the config mutex.
func (d *Doorman) unsafeRefreshBotConfig(
	rollbackConfig *BotConfig,
	refreshConfig *BotConfig,
) {
	switch {
	case refreshConfig.Paused && !rollbackConfig.Paused:
		d.paused.Store(true)
		if discErr := d.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); discErr != nil {
			d.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case !refreshConfig.Paused && rollbackConfig.Paused:
		d.paused.Store(false)
		if discErr := d.discord.updateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			d.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case refreshConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
		if discErr := d.discord.updateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			d.logger.Error("error updating discord status", tint.Err(discErr))
		}
	}

	d.botConfig = refreshConfig
	d.setRuntimeLevels(*refreshConfig)

	d.logger.Info("refreshed bot config")
}

// setRuntimeLevels applies the persisted per-component log levels to the
// live logger level vars.
func (d *Doorman) setRuntimeLevels(state BotConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	if d.config.Scheduler != nil && d.config.Scheduler.LogLevel != nil {
		d.config.Scheduler.LogLevel.Set(state.SchedulerLogLevel.Level())
	}
}

// Pause 'pauses' the bot. While paused, incoming slash commands are
// acknowledged but ignored. Returns false if the bot was already paused.
func (d *Doorman) Pause(ctx context.Context) bool {
	prev := d.paused.Swap(true)
	if prev {
		return false
	}

	if err := d.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	if !d.botConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx,
			d.botConfig,
			columnBotConfigPaused,
			true,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (d *Doorman) Resume(ctx context.Context) bool {
	prev := d.paused.Swap(false)
	if !prev {
		d.logger.Warn("bot not paused")
		return false
	}
	d.logger.InfoContext(ctx, "bot resumed")

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	if err := d.discord.updateCustomStatus(d.botConfig.DiscordCustomStatus); err != nil {
		d.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if d.botConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx, d.botConfig, columnBotConfigPaused, false,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

func (d *Doorman) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
		}()
		return fmt.Errorf("did not shut down gracefully")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.scheduler != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping scheduler")
				select {
				case <-d.scheduler.Stop().Done():
					d.logger.InfoContext(ctx, "scheduler stopped")
				case <-closeCtx.Done():
					d.logger.Warn("timed out waiting on scheduler jobs")
				}
			}()
		}

		if d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
					d.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(d.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		go func() {
			d.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			d.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force everything closed
			d.logger.Warn("graceful shutdown did not finish in time, forcing close")
			go func() {
				_ = d.api.httpServer.Close()
			}()
			return fmt.Errorf("graceful shutdown did not finish in time")
		}
	}
}

func (*Doorman) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// handleInteraction logs and dispatches an incoming discord interaction.
func (d *Doorman) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		if i.Type == discordgo.InteractionPing {
			_ = handler.Respond(
				ctx, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponsePong,
				},
			)
		}
		return
	}

	commandName := i.ApplicationCommandData().Name

	if d.paused.Load() {
		d.handlePausedCommand(ctx, handler, discordUser, i)
		return
	}

	switch commandName {
	case DiscordSlashCommandVerify:
		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		verifyRec := NewVerifyCommand(d, discordUser, i)
		verifyRec.handler = handler
		verifyRec.Acknowledged = true
		if _, createErr := d.writeDB.Create(ctx, verifyRec); createErr != nil {
			logger.ErrorContext(ctx, "error saving verify command", tint.Err(createErr))
		}
		if execErr := verifyRec.execute(ctx, d); execErr != nil {
			logger.ErrorContext(ctx, "verify command failed", tint.Err(execErr))
		}
	case DiscordSlashCommandCheckExpiring,
		DiscordSlashCommandCleanupExpired,
		DiscordSlashCommandCheckMyID,
		DiscordSlashCommandCheckRole,
		DiscordSlashCommandFixDiscordIDs:
		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}
		d.runMembershipAdminCommand(ctx, handler, commandName, discordUser)
	case DiscordSlashCommandEightBall,
		DiscordSlashCommandCat,
		DiscordSlashCommandFlip,
		DiscordSlashCommandPing,
		DiscordSlashCommandWhoami,
		DiscordSlashCommandCommands,
		DiscordSlashCommandCalendar:
		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}
		d.runFunCommand(ctx, handler, commandName, discordUser, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
	}
}

// handlePausedCommand acknowledges a command received while the bot is
// paused, then discards it. A /verify attempt still gets a persisted
// record so the committee can see it was ignored.
func (d *Doorman) handlePausedCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"bot is paused, ignoring command",
		"command", commandName,
		"user", structToSlogValue(u),
	)

	if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	if commandName == DiscordSlashCommandVerify {
		verifyRec := NewVerifyCommand(d, u, i)
		verifyRec.State = VerifyCommandStateIgnored
		verifyRec.Acknowledged = true
		if _, createErr := d.writeDB.Create(ctx, verifyRec); createErr != nil {
			logger.ErrorContext(ctx, "error saving verify command", tint.Err(createErr))
		}
	}

	handler.Delete(ctx)
}

// InteractionHandler defines the interface for handling Discord
// interactions: responding, editing, and interaction lifecycle.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction.
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger

	// Config returns the bot config snapshot taken when the interaction
	// was received.
	Config() BotConfig
}

// GatewayHandler implements [InteractionHandler] for interactions received
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      BotConfig
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() BotConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
