package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelReminders     = "tmgbot_reminders_changed"
	postgresNotifyChannelRuntimeConfig = "tmgbot_reload_runtime_config"
	postgresNotifyChannelStop          = "tmgbot_stop"
)

var dbNotifierSendTimeout = 15 * time.Second

// notifySignals are the in-process channels a running bot watches.
// Notifications from this process or from other processes (via postgres
// LISTEN/NOTIFY) end up here.
type notifySignals struct {
	remindersChanged chan struct{}
	reloadConfig     chan bool
	stop             chan struct{}
}

func newNotifySignals() *notifySignals {
	return &notifySignals{
		remindersChanged: make(chan struct{}, 1),
		reloadConfig:     make(chan bool, 1),
		stop:             make(chan struct{}, 1),
	}
}

// DBNotifier announces database changes that a running bot needs to
// react to. Reminders created from the CLI or the API wake the scheduler,
// and runtime config updates trigger a reload.
type DBNotifier interface {
	// ID identifies this notifier. Listeners ignore their own payloads.
	ID() string

	// RemindersChanged wakes the reminder scheduler
	RemindersChanged(ctx context.Context) bool

	// ReloadRuntimeConfig asks bot instances to reload [RuntimeConfig]
	ReloadRuntimeConfig(ctx context.Context) bool

	// Stop asks bot instances to shut down
	Stop(ctx context.Context) bool

	// Channels returns the channels Listen should be called with
	Channels() []string

	// Listen blocks, forwarding notifications received on channel to the
	// local signals, until ctx is canceled.
	Listen(ctx context.Context, channel string) error
}

// NewDBNotifier returns a notifier for the given database type. signals
// may be nil when the caller isn't a running bot (ex: the CLI), in which
// case local delivery is skipped.
func NewDBNotifier(
	databaseType string,
	dsn string,
	db *gorm.DB,
	signals *notifySignals,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, signals: signals, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:  log,
			signals: signals,
			id:      notifyID,
			dsn:     dsn,
			db:      db,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// deliver sends v on ch, giving up after dbNotifierSendTimeout or when
// ctx is done.
func deliver[T any](ctx context.Context, ch chan T, v T) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(dbNotifierSendTimeout):
		return false
	}
}

// sqliteNotifier only delivers in-process. Other processes sharing the
// same SQLite file are picked up on the scheduler's next poll.
type sqliteNotifier struct {
	logger  *slog.Logger
	signals *notifySignals
	id      string
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (*sqliteNotifier) Channels() []string {
	return nil
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) RemindersChanged(ctx context.Context) bool {
	if s.signals == nil {
		return false
	}
	select {
	case s.signals.remindersChanged <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		// a wake-up is already pending
		return true
	}
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if s.signals == nil {
		return false
	}
	s.logger.Info("sending runtime config reload signal")
	return deliver(ctx, s.signals.reloadConfig, true)
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	if s.signals == nil {
		return false
	}
	s.logger.Info("sending stop signal")
	return deliver(ctx, s.signals.stop, struct{}{})
}

type postgresNotifier struct {
	logger  *slog.Logger
	signals *notifySignals
	id      string
	dsn     string
	db      *gorm.DB
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (*postgresNotifier) Channels() []string {
	return []string{
		postgresNotifyChannelReminders,
		postgresNotifyChannelRuntimeConfig,
		postgresNotifyChannelStop,
	}
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, p.ID()).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) RemindersChanged(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelReminders)
	if p.signals != nil {
		select {
		case p.signals.remindersChanged <- struct{}{}:
		default:
		}
	}
	return sent
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelRuntimeConfig)
	if p.signals != nil {
		deliver(ctx, p.signals.reloadConfig, true)
	}
	return sent
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelStop)
	if p.signals != nil {
		deliver(ctx, p.signals.stop, struct{}{})
	}
	return sent
}

// listenConn is a connection LISTENing on a channel
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// listenConnector opens a connection that is LISTENing on channel. The
// returned func gives the connection back. broken is true when the
// connection failed and must not be reused.
type listenConnector func(ctx context.Context, channel string) (conn listenConn, release func(broken bool), err error)

var (
	listenRetryMin = time.Second
	listenRetryMax = time.Minute
)

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	return p.listen(ctx, channel, poolConnector(pool))
}

func poolConnector(pool *pgxpool.Pool) listenConnector {
	return func(ctx context.Context, channel string) (listenConn, func(bool), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("error acquiring connection: %w", err)
		}
		release := func(broken bool) {
			if broken {
				// closed connections are destroyed instead of returned
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		}
		if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			release(true)
			return nil, nil, fmt.Errorf("error setting up listener: %w", err)
		}
		return conn.Conn(), release, nil
	}
}

// listen forwards notifications until ctx is canceled. When the
// connection fails it's discarded, and a new one is opened after a
// backoff delay.
func (p *postgresNotifier) listen(ctx context.Context, channel string, connect listenConnector) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	delay := listenRetryMin
	for ctx.Err() == nil {
		conn, release, err := connect(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error connecting listener", "retry_in", delay, tint.Err(err))
			if !sleepContext(ctx, delay) {
				break
			}
			delay = min(delay*2, listenRetryMax)
			continue
		}

		err = p.forward(ctx, logger, channel, conn)
		release(err != nil && ctx.Err() == nil)
		if err == nil || ctx.Err() != nil {
			break
		}
		logger.ErrorContext(ctx, "error waiting for notification", "retry_in", delay, tint.Err(err))
		if !sleepContext(ctx, delay) {
			break
		}
		delay = min(delay*2, listenRetryMax)
	}
	logger.InfoContext(ctx, "stopped db listener")
	return nil
}

// forward delivers notifications received on conn to the local signals,
// returning the first error from the connection.
func (p *postgresNotifier) forward(
	ctx context.Context,
	logger *slog.Logger,
	channel string,
	conn listenConn,
) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if notification.Payload == p.ID() {
			logger.Debug("received notification from self, ignoring")
			continue
		}
		if p.signals == nil {
			continue
		}

		switch channel {
		case postgresNotifyChannelReminders:
			select {
			case p.signals.remindersChanged <- struct{}{}:
			default:
			}
		case postgresNotifyChannelRuntimeConfig:
			if !deliver(ctx, p.signals.reloadConfig, true) {
				logger.Warn("timed out sending config refresh signal")
			}
		case postgresNotifyChannelStop:
			logger.WarnContext(ctx, "received stop signal via NOTIFY")
			if !deliver(ctx, p.signals.stop, struct{}{}) {
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "notify_channel", notification.Channel)
		}
	}
}

// sleepContext waits for d, returning false if ctx is done first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
