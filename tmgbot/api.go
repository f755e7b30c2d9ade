package tmgbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	apiPrefix             = "/api"
	apiPathLogin          = "/login"
	apiPathLogout         = "/logout"
	apiHealthCheck        = "/healthz"
	apiPathStatus         = "/status"
	apiPathPause          = "/pause"
	apiPathResume         = "/resume"
	apiPathQuit           = "/quit"
	apiPathConfig         = "/config"
	apiPathPoints         = "/points"
	apiPathReminders      = "/reminders"
	apiPathReminder       = "/reminders/:id"
	apiPathInactive       = "/inactive"
	apiPathTranscript     = "/transcript"
	apiPathTranscriptRest = "/transcript/reset"
	apiPathChallenge      = "/challenge"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

// API is the admin HTTP server.
type API struct {
	bot                 *Bot
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

// newAPI sets up the session store, middleware and routes.
func newAPI(b *Bot, config *APIConfig, handler slog.Handler) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	api := &API{
		bot:                 b,
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              slog.New(handler).With(loggerNameKey, "api"),
		requestMetrics:      map[string]int{},
	}

	var secretKey []byte
	if config.Secret == "" {
		api.logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(config.Secret)
	}
	api.store = NewCookieStore(secretKey)

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.store.Options(api.sessionOptions())

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost", "http://127.0.0.1"}
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, api.store),
	)

	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathStatus, api.status)
	protected.POST(apiPathPause, api.pause)
	protected.POST(apiPathResume, api.resume)
	protected.POST(apiPathQuit, api.quit)
	protected.GET(apiPathConfig, api.getConfig)
	protected.PATCH(apiPathConfig, api.updateRuntimeConfig)
	protected.GET(apiPathPoints, api.getPoints)
	protected.GET(apiPathReminders, api.getReminders)
	protected.POST(apiPathReminders, api.createReminder)
	protected.DELETE(apiPathReminder, api.deleteReminder)
	protected.GET(apiPathInactive, api.getInactive)
	protected.GET(apiPathTranscript, api.getTranscript)
	protected.POST(apiPathTranscriptRest, api.resetTranscript)
	protected.POST(apiPathChallenge, api.challenge)

	return api, nil
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   a.httpServer.TLSConfig != nil,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// Serve listens on the configured address until ctx is canceled.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
		}
	}()
	return a.httpServer.Serve(a.listener)
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

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	QueueSize               int  `json:"queue_size"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type statusResponse struct {
	Paused                  bool      `json:"paused"`
	QueueSize               int       `json:"queue_size"`
	TranscriptTurns         int       `json:"transcript_turns"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	PendingReminders        int       `json:"pending_reminders"`
	InactiveMembers         int       `json:"inactive_members"`
	StepPages               int       `json:"step_pages"`
	StartedAt               time.Time `json:"started_at"`
}

// apiCreateReminder is the payload for creating a reminder through the
// API. RunAt uses [ReminderTimeLayout], in the configured timezone.
type apiCreateReminder struct {
	Description string `json:"description" binding:"required,max=1000"`
	ChannelID   string `json:"channel_id" binding:"required,numeric"`
	CreatorID   string `json:"creator_id" binding:"required,numeric"`
	RunAt       string `json:"run_at" binding:"required"`
	Repeat      Repeat `json:"repeat" binding:"omitempty,oneof=none daily weekly monthly yearly"`
}

type apiChallenge struct {
	Content string `json:"content" binding:"required,max=4000"`
}

// transcriptTurn is a turn without its image payloads, which may be
// large data URLs
type transcriptTurn struct {
	Index  int       `json:"index"`
	Kind   TurnKind  `json:"kind"`
	Text   string    `json:"text"`
	Images int       `json:"images"`
	Time   time.Time `json:"time"`
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := a.bot.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  a.bot.RuntimeConfig().Paused,
			QueueSize:               a.bot.queue.Len(),
			DiscordGatewayConnected: a.bot.discord.Connected(),
		},
	)
}

// status aggregates counters from memory and the database
func (a *API) status(c *gin.Context) {
	ctx := c.Request.Context()
	b := a.bot
	resp := statusResponse{
		Paused:                  b.RuntimeConfig().Paused,
		QueueSize:               b.queue.Len(),
		TranscriptTurns:         b.transcript.Len(),
		DiscordGatewayConnected: b.discord.Connected(),
		StepPages:               b.pages.Len(),
		StartedAt:               b.startedAt,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			reminders, err := ListReminders(gctx, b.db, b.config.Discord.GuildID)
			resp.PendingReminders = len(reminders)
			return err
		},
	)
	g.Go(
		func() error {
			var count int64
			err := b.db.WithContext(gctx).Model(&InactiveMember{}).Count(&count).Error
			resp.InactiveMembers = int(count)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c, a.logger).Error("error getting status", tint.Err(err))
		ginReplyError(c, "error getting status")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) pause(c *gin.Context) {
	if !a.bot.Pause(c.Request.Context()) {
		ginReplyMessage(c, "already paused")
		return
	}
	ginReplyMessage(c, "paused")
}

func (a *API) resume(c *gin.Context) {
	if !a.bot.Resume(c.Request.Context()) {
		ginReplyMessage(c, "not paused")
		return
	}
	ginReplyMessage(c, "resumed")
}

// quit sends a stop signal through the notifier, so every bot instance
// sharing the database shuts down.
func (a *API) quit(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- a.bot.notifier.Stop(ctx)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.RuntimeConfig())
}

func (a *API) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	cfg, err := a.bot.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	c.JSON(http.StatusAccepted, cfg)
}

func (a *API) getPoints(c *gin.Context) {
	rows, err := Leaderboard(c.Request.Context(), a.bot.db)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error getting points", tint.Err(err))
		ginReplyError(c, "error getting points")
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) getReminders(c *gin.Context) {
	reminders, err := ListReminders(c.Request.Context(), a.bot.db, a.bot.config.Discord.GuildID)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error getting reminders", tint.Err(err))
		ginReplyError(c, "error getting reminders")
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func (a *API) createReminder(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	var payload apiCreateReminder
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	reminder, err := a.bot.scheduleReminder(
		c.Request.Context(),
		strings.TrimSpace(payload.Description),
		a.bot.config.Discord.GuildID,
		payload.ChannelID,
		payload.CreatorID,
		payload.RunAt,
		payload.Repeat,
	)
	switch {
	case errors.Is(err, ErrInvalidReminderTime), errors.Is(err, ErrReminderInPast), errors.Is(err, ErrInvalidRepeat):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error creating reminder", tint.Err(err))
		ginReplyError(c, "error creating reminder")
		return
	}
	c.JSON(http.StatusCreated, reminder)
}

func (a *API) deleteReminder(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	ctx := c.Request.Context()
	reminder, err := DeleteReminder(ctx, a.bot.writeDB, uint(id))
	switch {
	case errors.Is(err, ErrReminderNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
		return
	case err != nil:
		logger.Error("error deleting reminder", tint.Err(err))
		ginReplyError(c, "error deleting reminder")
		return
	}
	a.bot.notifier.RemindersChanged(ctx)
	c.JSON(http.StatusOK, reminder)
}

func (a *API) getInactive(c *gin.Context) {
	members, err := ListInactive(c.Request.Context(), a.bot.db)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error getting inactive members", tint.Err(err))
		ginReplyError(c, "error getting inactive members")
		return
	}
	c.JSON(http.StatusOK, members)
}

func (a *API) getTranscript(c *gin.Context) {
	snapshot := a.bot.transcript.Snapshot()
	turns := make([]transcriptTurn, 0, len(snapshot))
	for idx, t := range snapshot {
		turns = append(
			turns,
			transcriptTurn{Index: idx, Kind: t.Kind, Text: t.Text, Images: len(t.Images), Time: t.Time},
		)
	}
	c.JSON(http.StatusOK, turns)
}

func (a *API) resetTranscript(c *gin.Context) {
	a.bot.transcript.Reset()
	ginContextLogger(c, a.logger).Warn("transcript reset")
	ginReplyMessage(c, "transcript reset")
}

// challenge adds a challenge turn to the transcript
func (a *API) challenge(c *gin.Context) {
	var payload apiChallenge
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	turn, err := a.bot.transcript.AppendSpecial(TurnKindChallenge, strings.TrimSpace(payload.Content), nil)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error adding challenge", tint.Err(err))
		ginReplyError(c, "error adding challenge")
		return
	}
	c.JSON(http.StatusCreated, transcriptTurn{Index: -1, Kind: turn.Kind, Text: turn.Text, Time: turn.Time})
}

// authMiddleware aborts with 401 unless the session has a username
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c, a.logger)
		cfg := a.bot.RuntimeConfig()
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" || username != cfg.AdminUsername {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a request ID to each request, and returns
// it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it with request details on first use.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group("response", "status_code", c.Writer.Status(), "body_size", c.Writer.Size())
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.FullPath()
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// RequestMetrics returns a copy of the request counters
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
