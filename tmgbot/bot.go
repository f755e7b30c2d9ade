package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/MathItYT/tmg-bot/tmgbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot wires the discord session, the models, the database and the admin
// API together, and owns their lifecycle.
type Bot struct {
	config *Config

	// read-only connection
	db *gorm.DB

	// write operations, serialized when using sqlite
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	openai     *OpenAI
	gemini     *Gemini
	latex      LatexRenderer
	rasterizer *rodRasterizer
	diagrams   *DiagramGenerator
	transcript *Transcript
	pages      *pageStore
	queue      *JobQueue
	inactivity *InactivityManager
	api        *API

	notifier DBNotifier
	signals  *notifySignals

	location   *time.Location
	httpClient *http.Client
	now        func() time.Time

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	paused atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// removes the discordgo handlers added by the last Run
	removeHandlers []func()

	// closed when shutdown finishes
	eventShutdown chan struct{}
}

// New validates config and builds the bot's components. Nothing is
// connected until [Bot.Run] is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(errs, errors.New("invalid database type (must be 'sqlite' or 'postgres')"))
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		httpClient:    config.HTTPClient,
		now:           time.Now,
		signals:       newNotifySignals(),
		pages:         newPageStore(defaultStepPagesTTL),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	loc, err := config.Reminders.Location()
	if err != nil {
		errs = append(errs, err)
		loc = time.UTC
	}
	b.location = loc

	b.discord = newDiscord(config.Discord, newLogHandler(config.Discord.LogLevel))
	b.openai = newOpenAI(config.OpenAI, newLogHandler(config.OpenAI.LogLevel), b.httpClient)

	if config.Gemini.APIKey != "" {
		gemini, geminiErr := newGemini(
			context.Background(),
			config.Gemini,
			newLogHandler(config.Gemini.LogLevel),
			b.httpClient,
		)
		if geminiErr != nil {
			errs = append(errs, geminiErr)
		}
		b.gemini = gemini
	} else {
		b.logger.Warn("gemini api key not set, web search and video analysis disabled")
	}

	b.transcript = NewTranscript(
		seedTurns(config.Discord.OwnerName, config.Discord.OwnerID, config.Reminders.Timezone),
		config.Transcript.MaxTurns,
	)

	b.latex = newLatexCLI(config.Latex, b.logger)
	diagramHandler := newLogHandler(config.Diagram.LogLevel)
	b.rasterizer = newRodRasterizer(config.Diagram.BrowserBin, slog.New(diagramHandler))
	b.diagrams = newDiagramGenerator(
		b.openai,
		b.latex,
		config.Latex.DPI,
		b.rasterizer,
		config.Diagram,
		config.Transcript.MaxTurns,
		diagramHandler,
	)

	b.queue = NewJobQueue(config.Queue, b.logger.With(loggerNameKey, "queue"))

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API, newLogHandler(config.API.LogLevel))
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	if b.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *b.runtimeConfig
}

// Run connects to the database and discord, and serves until ctx is
// canceled or a stop signal is received.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := ValidateConfig(b.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	runtimeWG := &sync.WaitGroup{}

	// canceling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signals.stop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err := b.discordInit(startCtx); err != nil {
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.queue.Run(ctx)
	}()

	scheduler := newReminderScheduler(
		b.writeDB,
		b.config.Reminders,
		b.location,
		b.signals.remindersChanged,
		newLogHandler(b.config.Reminders.LogLevel),
		b.fireReminder,
	)
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		scheduler.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.inactivity.Run(
			ctx,
			b.config.Community.InactivityWindowDays,
			b.config.Community.InactivityScanInterval,
		)
	}()

	b.startRuntimeConfigRefresher(ctx, runtimeWG)

	for _, channel := range b.notifier.Channels() {
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := b.notifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	logger.InfoContext(ctx, "ready")
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun connects to the database and loads the runtime config,
// creating it on first run.
func (b *Bot) initRun(ctx context.Context) error {
	if b.db == nil {
		db, err := createDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			newLogHandler(b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.db = db
	}
	if b.writeDB == nil {
		b.writeDB = NewDatabase(b.db, b.logger, b.config.DatabaseType != dbTypeSQLite)
	}
	b.openai.db = b.writeDB

	if b.notifier == nil {
		notifier, err := NewDBNotifier(
			b.config.DatabaseType,
			b.config.Database,
			b.db,
			b.signals,
			b.logger,
		)
		if err != nil {
			return fmt.Errorf("error creating db notifier: %w", err)
		}
		b.notifier = notifier
	}

	var botState RuntimeConfig
	getStateErr := b.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := b.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if err := structValidator.Struct(botState); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		b.logger.WarnContext(ctx, "admin credentials not set, run `tmgbot init` to use the admin API")
	}

	b.paused.Store(botState.Paused)
	b.setRuntimeLevels(botState)

	b.cfgMu.Lock()
	b.runtimeConfig = &botState
	b.cfgMu.Unlock()
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(b.httpClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}
	if b.inactivity == nil {
		b.inactivity = newInactivityManager(
			b.discord.session,
			b.writeDB,
			b.config.Discord.GuildID,
			b.config.Community,
			newLogHandler(b.config.Community.LogLevel),
		)
	}

	for _, remove := range b.removeHandlers {
		remove()
	}

	session := b.discord.session
	b.removeHandlers = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, i)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMessageCreate(ctx, m)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMemberRemove(ctx, m)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, registers slash commands and
// sets the presence.
func (b *Bot) discordInit(ctx context.Context) error {
	logger := b.discord.logger
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	created, err := b.discord.registerCommands(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "registered commands", "count", len(created))

	if err = b.discord.session.UpdateStatusComplex(discordPresence(b.RuntimeConfig())); err != nil {
		logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
	return nil
}

// handleMessageCreate queues an answer for messages mentioning the bot,
// and a transcript record for everything else.
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		b.handleRecover(ctx, recover())
	}()

	if m.Author == nil {
		return
	}
	botID := b.discord.BotUserID()
	if botID == "" {
		botID = b.config.Discord.ApplicationID
	}
	if m.Author.ID == botID {
		return
	}
	if m.GuildID != b.config.Discord.GuildID {
		return
	}

	logger := b.discord.logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	owner := b.isOwner(m.Author.ID)
	mentioned := messageMentionsUser(m.Message, botID)
	if mentioned && b.paused.Load() && !owner {
		logger.InfoContext(ctx, "paused, recording mention without answering")
		mentioned = false
	}

	var job *Job
	if mentioned {
		job = newJob(
			JobKindMention,
			m.Author.ID,
			func(ctx context.Context) error {
				return b.answerMention(ctx, m.Message)
			},
		)
		job.Priority = owner
		job.Discard = func(ctx context.Context, reason error) {
			logger.WarnContext(ctx, "mention discarded", tint.Err(reason))
			b.replyError(ctx, m.Message)
		}
	} else {
		job = newJob(
			JobKindRecord,
			m.Author.ID,
			func(ctx context.Context) error {
				b.recordMessage(ctx, m.Message)
				return nil
			},
		)
		job.Durable = true
	}

	if err := b.queue.Push(ctx, job); err != nil {
		logger.ErrorContext(ctx, "error queueing message", tint.Err(err))
		if mentioned {
			b.replyError(ctx, m.Message)
		}
	}
}

// handleMemberRemove drops the points of members leaving the guild
func (b *Bot) handleMemberRemove(ctx context.Context, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil || m.GuildID != b.config.Discord.GuildID {
		return
	}
	logger := b.discord.logger.With("user_id", m.User.ID)
	deleted, err := DeleteMemberPoints(ctx, b.writeDB, m.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error deleting points of removed member", tint.Err(err))
		return
	}
	if deleted > 0 {
		logger.InfoContext(ctx, "deleted points of removed member")
	}
}

// Pause stops answering mentions from anyone but the owner. Messages
// are still recorded. Returns false if the bot was already paused.
func (b *Bot) Pause(ctx context.Context) bool {
	if b.paused.Swap(true) {
		return false
	}
	b.logger.InfoContext(ctx, "bot paused")
	b.setPaused(ctx, true)
	return true
}

// Resume undoes [Bot.Pause]. Returns false if the bot wasn't paused.
func (b *Bot) Resume(ctx context.Context) bool {
	if !b.paused.Swap(false) {
		b.logger.WarnContext(ctx, "bot not paused")
		return false
	}
	b.logger.InfoContext(ctx, "bot resumed")
	b.setPaused(ctx, false)
	return true
}

func (b *Bot) setPaused(ctx context.Context, paused bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.runtimeConfig == nil {
		return
	}
	if b.runtimeConfig.Paused != paused {
		if _, err := b.writeDB.Updates(
			ctx,
			b.runtimeConfig,
			map[string]any{columnRuntimeConfigPaused: paused},
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to update paused in db", tint.Err(err))
		} else if b.notifier != nil {
			go b.notifier.ReloadRuntimeConfig(context.WithoutCancel(ctx))
		}
		b.runtimeConfig.Paused = paused
	}
	b.updatePresence(ctx, *b.runtimeConfig)
}

func (b *Bot) updatePresence(ctx context.Context, cfg RuntimeConfig) {
	if b.discord.session == nil || !b.discord.Connected() {
		return
	}
	if err := b.discord.session.UpdateStatusComplex(discordPresence(cfg)); err != nil {
		b.logger.ErrorContext(ctx, "unable to update discord status", tint.Err(err))
	}
}

// UpdateRuntimeConfig applies update to the stored runtime config, then
// asks every running instance to reload it.
func (b *Bot) UpdateRuntimeConfig(ctx context.Context, update RuntimeConfigUpdate) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return RuntimeConfig{}, err
	}
	columns := update.columns()
	if len(columns) == 0 {
		return b.RuntimeConfig(), nil
	}

	b.cfgMu.Lock()
	if b.runtimeConfig == nil {
		b.cfgMu.Unlock()
		return RuntimeConfig{}, errors.New("runtime config not loaded")
	}
	current := *b.runtimeConfig
	err := b.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(&current).Updates(columns).Error; e != nil {
				return e
			}
			if e := tx.Last(&current).Error; e != nil {
				return e
			}
			return structValidator.Struct(current)
		},
	)
	if err != nil {
		b.cfgMu.Unlock()
		return RuntimeConfig{}, err
	}
	previous := *b.runtimeConfig
	b.runtimeConfig = &current
	b.cfgMu.Unlock()

	b.applyRuntimeConfig(ctx, previous, current)
	if b.notifier != nil {
		go b.notifier.ReloadRuntimeConfig(context.WithoutCancel(ctx))
	}
	return current, nil
}

// applyRuntimeConfig syncs log levels, the pause state and the presence
// with cfg.
func (b *Bot) applyRuntimeConfig(ctx context.Context, previous, cfg RuntimeConfig) {
	b.setRuntimeLevels(cfg)
	b.paused.Store(cfg.Paused)
	if previous.Paused != cfg.Paused || previous.DiscordStatus != cfg.DiscordStatus {
		b.updatePresence(ctx, cfg)
	}
}

// setRuntimeLevels sets log levels and request limits from state
func (b *Bot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.OpenAI.LogLevel.Set(state.OpenAILogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
	if b.discord.session != nil {
		_ = b.discord.session.SetLogLevel(state.DiscordGoLogLevel.Level())
	}
	b.openai.setRequestLimit(state.OpenAIMaxRequestsPerSecond)
}

// startRuntimeConfigRefresher reloads the runtime config when a reload
// signal is received, and every RuntimeConfigTTL.
func (b *Bot) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeConfigTTL := b.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.signals.reloadConfig <- false:
					case <-time.After(5 * time.Second):
						b.logger.Warn("timed out sending config refresh signal")
					case <-ctx.Done():
						return
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
			case force := <-b.signals.reloadConfig:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				b.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

func (b *Bot) refreshRuntimeConfig(ctx context.Context, force bool) {
	var refreshed RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		b.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	b.cfgMu.Lock()
	previous := DefaultRuntimeConfig()
	if b.runtimeConfig != nil {
		previous = *b.runtimeConfig
	}
	if !force && refreshed.UpdatedAt == previous.UpdatedAt {
		b.cfgMu.Unlock()
		b.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	b.runtimeConfig = &refreshed
	b.cfgMu.Unlock()

	b.applyRuntimeConfig(ctx, previous, refreshed)
	b.logger.InfoContext(ctx, "refreshed runtime config")
}

// shutdown waits for in-flight work until ShutdownTimeout, then closes
// the discord session and the browser.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer closeCancel()

	dropped := b.queue.Clear(closeCtx)
	b.logger.InfoContext(ctx, "purged job queue", "count", dropped)

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	var err error
	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(ctx, "finished in-flight work", "duration", time.Since(shutdownStart))
	case <-closeCtx.Done():
		b.logger.Warn("in-flight work did not stop in time, forcing close")
		if b.api != nil {
			_ = b.api.httpServer.Close()
		}
		err = errors.New("shutdown timed out")
	}

	for _, remove := range b.removeHandlers {
		remove()
	}
	b.removeHandlers = nil
	if b.discord.session != nil {
		if closeErr := b.discord.session.Close(); closeErr != nil {
			b.logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}
	b.rasterizer.Close(closeCtx)

	b.logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
	return err
}
