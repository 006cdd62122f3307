package doorman

//goland:noinspection GoLinter
import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathConfigReset      = "/config/reset"
	apiAdminSetup           = "/admin/create"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathMembers          = "/members"
	apiPathReloadMembers    = "/members/reload"
	apiPathVerifyCommands   = "/verify_commands"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server for Doorman. The committee uses it to log
// in, tune the persisted bot config, pause/resume the bot, trigger roster
// reloads, and audit verification attempts.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API: gin engine, session store, TLS and
// the route table.
func newAPI(d *Doorman, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateBotConfig)
	protected.POST(apiPathConfigReset, apiHandlers.resetBotConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.GET(apiPathMembers, apiHandlers.getMembers)
	protected.POST(apiPathReloadMembers, apiHandlers.reloadMembers)
	protected.GET(apiPathVerifyCommands, apiHandlers.getVerifyCommands)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	d      *Doorman
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// This function sets up the logger, generates a secret key for session
// management, and configures the session store with appropriate options.
func NewAPIHandlers(d *Doorman) *APIHandlers {
	logger := d.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if d.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.d.pendingSetup.Load()})
}

// adminSetup handles the HTTP POST request for the initial admin setup.
// It is only available while setup is pending (no admin credentials
// stored yet).
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if !h.d.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.d.botConfig

	username := adminSetup.Username

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.d.writeDB.Updates(
		c.Request.Context(),
		currentState, map[string]any{
			columnBotConfigAdminUsername: username,
			columnBotConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.d.botConfig = currentState
	h.d.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler handles the HTTP POST request to log in a user. Login
// attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.d.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	botConfig := h.d.BotConfig()
	if botConfig.AdminUsername == "" || botConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != botConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(botConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.d.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.d.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the bot's paused state, discord gateway
// connectivity, and the size of the in-memory member cache.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.d.paused.Load(),
			MemberCacheSize:         h.d.memberCache.Len(),
			DiscordGatewayConnected: h.d.discord.connected.Load(),
			Version:                 Version,
		},
	)
}

// logoutHandler clears the session username.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn returns the session username, or 401 if there's no session.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands re-registers the bot's slash commands with
// discord.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botPause pauses the bot. While paused, incoming slash commands are
// acknowledged but ignored.
func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)

	if h.d.Pause(c.Request.Context()) {
		log.Info("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		httpError{Error: "bot already paused"},
	)
}

// botResume resumes command processing.
func (h *APIHandlers) botResume(c *gin.Context) {
	ok := h.d.Resume(c.Request.Context())
	if ok {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends a stop signal to all running bot instances.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.d.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// reloadMembers asks all running instances to refresh their in-memory
// member caches, bypassing the refresh interval. Use after editing the
// member_list table directly.
func (h *APIHandlers) reloadMembers(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("sending member cache reload notification")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := h.d.dbNotifier.ReloadMemberCache(ctx)
	if sent {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

// getMembers returns verified members, newest first by default.
func (h *APIHandlers) getMembers(c *gin.Context) {
	var pagination Pagination
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 100
	}
	order := "created_at desc"
	if pagination.Order == Ascending {
		order = "created_at asc"
	}

	var members []VerifiedMember
	if err := h.d.db.WithContext(c.Request.Context()).
		Order(order).
		Limit(pagination.Limit).
		Offset(pagination.Offset).
		Find(&members).Error; err != nil {
		ginContextLogger(c).Error("error listing members", tint.Err(err))
		ginReplyError(c, "error listing members")
		return
	}
	c.JSON(http.StatusOK, members)
}

// getVerifyCommands returns recorded /verify invocations, newest first by
// default, for auditing failed or ignored verification attempts.
func (h *APIHandlers) getVerifyCommands(c *gin.Context) {
	var pagination Pagination
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 100
	}
	order := "created_at desc"
	if pagination.Order == Ascending {
		order = "created_at asc"
	}

	var commands []VerifyCommand
	if err := h.d.db.WithContext(c.Request.Context()).
		Order(order).
		Limit(pagination.Limit).
		Offset(pagination.Offset).
		Find(&commands).Error; err != nil {
		ginContextLogger(c).Error("error listing verify commands", tint.Err(err))
		ginReplyError(c, "error listing verify commands")
		return
	}
	c.JSON(http.StatusOK, commands)
}

// getConfig returns the current persisted bot config.
func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.d.BotConfig()
	c.JSON(http.StatusOK, botState)
}

// updateBotConfig handles the HTTP PATCH request to update the persisted
// bot config. Only fields present in the payload are changed; the new
// state is validated, applied to the running bot, and announced to other
// instances.
func (h *APIHandlers) updateBotConfig(c *gin.Context) {
	d := h.d
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest BotConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := d.botConfig
	rollbackConfig := *existingConfig

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "Error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "Error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = h.d.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		h.d.botConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	d.setRuntimeLevels(*existingConfig)

	wasPaused := d.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(d, logger, rollbackConfig, existingConfig)

	if existingConfig.NotificationChannelID != rollbackConfig.NotificationChannelID {
		go sendStartupMessage(h.d.discord, logger, *existingConfig)
	}

	c.JSON(http.StatusAccepted, existingConfig)

	sent := h.d.dbNotifier.ReloadBotConfig(ctx)
	if !sent {
		logger.Error("error sending config update notification")
	}
}

// resetBotConfig restores the user-facing text templates, embed color and
// log levels to their defaults. Admin credentials and the paused state
// are untouched.
func (h *APIHandlers) resetBotConfig(c *gin.Context) {
	d := h.d
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	ctx := context.Background()
	logger := ginContextLogger(c)

	existingConfig := d.botConfig
	rollbackConfig := *existingConfig
	defaults := DefaultBotConfig()

	updates := map[string]any{
		"organization_name":               defaults.OrganizationName,
		"embed_color":                     defaults.EmbedColor,
		"discord_custom_status":           defaults.DiscordCustomStatus,
		"verify_success_message":          defaults.VerifySuccessMessage,
		"verify_already_verified_message": defaults.VerifyAlreadyVerifiedMessage,
		"verify_failure_message":          defaults.VerifyFailureMessage,
		"expiration_notice_template":      defaults.ExpirationNoticeTemplate,
		"discord_error_message":           defaults.DiscordErrorMessage,
		"log_level":                       defaults.LogLevel,
		"discord_log_level":               defaults.DiscordLogLevel,
		"discordgo_log_level":             defaults.DiscordGoLogLevel,
		"database_log_level":              defaults.DatabaseLogLevel,
		"api_log_level":                   defaults.APILogLevel,
		"scheduler_log_level":             defaults.SchedulerLogLevel,
	}

	if _, err := h.d.writeDB.Updates(ctx, existingConfig, updates); err != nil {
		h.d.botConfig = &rollbackConfig
		logger.Error("error resetting config", tint.Err(err))
		ginReplyError(c, "error resetting config")
		return
	}

	d.setRuntimeLevels(*existingConfig)
	updateDiscordBotStatus(d, logger, rollbackConfig, existingConfig)

	c.JSON(http.StatusAccepted, existingConfig)

	if !h.d.dbNotifier.ReloadBotConfig(ctx) {
		logger.Error("error sending config update notification")
	}
}

// Pagination is the shared limit/offset/order query for list endpoints.
type Pagination struct {
	Limit  int  `json:"limit" form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int  `json:"offset" form:"offset" binding:"omitempty,min=0"`
	Order  Sort `json:"order" form:"order" binding:"omitempty,oneof=asc desc"`
}

type Sort string

// loggedInResponse is returned when a user is successfully logged in.
type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse is the response structure for the health check
// endpoint.
type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	MemberCacheSize         int    `json:"member_cache_size"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version,omitempty"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client.
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status' endpoint.
// If an admin username/password haven't been set yet, Required will be
// true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
//
// It retrieves the session from the request and checks if the user is
// authenticated. If the user is not authenticated, it aborts the request
// with a 401 Unauthorized status.
//
// If the bot is pending setup (no admin credentials have been set),
// it also returns HTTP 401.
func authMiddleware(d *Doorman) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := d.api.store
		logger := d.logger
		if logger == nil {
			logger = slog.Default()
		}
		if d.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests: method, path, remote address, user agent, referer, duration
// and any errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics: the request count for each unique combination of HTTP
// method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Doorman"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

// sendStartupMessage announces the bot in the configured notification
// channel, if one is set.
func sendStartupMessage(d *Discord, logger *slog.Logger, config BotConfig) {
	if config.NotificationChannelID == "" {
		return
	}

	if sendErr := d.channelMessageSend(
		config.NotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// updateDiscordBotStatus reconciles the discord presence after a config
// change: paused shows do-not-disturb, otherwise the custom status.
func updateDiscordBotStatus(
	d *Doorman,
	logger *slog.Logger,
	oldState BotConfig,
	currentState *BotConfig,
) {
	switch {
	case currentState.Paused && !oldState.Paused:
		if err := d.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			logger.Error("error updating discord status", tint.Err(err))
		}
	case !currentState.Paused && oldState.Paused,
		currentState.DiscordCustomStatus != oldState.DiscordCustomStatus:
		if err := d.discord.updateCustomStatus(
			currentState.DiscordCustomStatus,
		); err != nil {
			logger.Error("error updating discord status", tint.Err(err))
		}
	}
}
