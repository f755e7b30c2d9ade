package tmgbot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListenConn returns its notifications in order, then err. With a
// nil err it blocks until the context is done.
type fakeListenConn struct {
	mu            sync.Mutex
	notifications []*pgconn.Notification
	err           error
}

func (f *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	f.mu.Lock()
	if len(f.notifications) > 0 {
		n := f.notifications[0]
		f.notifications = f.notifications[1:]
		f.mu.Unlock()
		return n, nil
	}
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPostgresNotifier_ListenReconnects(t *testing.T) {
	minDelay := listenRetryMin
	listenRetryMin = time.Millisecond
	t.Cleanup(func() { listenRetryMin = minDelay })

	signals := newNotifySignals()
	p := &postgresNotifier{logger: slog.New(discardHandler()), signals: signals, id: "self"}

	dead := &fakeListenConn{
		notifications: []*pgconn.Notification{
			{Channel: postgresNotifyChannelReminders, Payload: "self"},
		},
		err: errors.New("conn closed"),
	}
	live := &fakeListenConn{
		notifications: []*pgconn.Notification{
			{Channel: postgresNotifyChannelReminders, Payload: "other"},
		},
	}

	var released []bool
	connects := 0
	connect := func(context.Context, string) (listenConn, func(bool), error) {
		connects++
		release := func(broken bool) { released = append(released, broken) }
		switch connects {
		case 1:
			return dead, release, nil
		case 2:
			return nil, nil, errors.New("connection refused")
		default:
			return live, release, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- p.listen(ctx, postgresNotifyChannelReminders, connect)
	}()

	select {
	case <-signals.remindersChanged:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reminders signal")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 3, connects)
	// the failed connection is discarded, the healthy one returned
	assert.Equal(t, []bool{true, false}, released)
}

func TestSQLiteNotifier_Signals(t *testing.T) {
	signals := newNotifySignals()
	n, err := NewDBNotifier(dbTypeSQLite, "", nil, signals, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, n.RemindersChanged(ctx))
	assert.True(t, n.RemindersChanged(ctx))
	assert.Len(t, signals.remindersChanged, 1)

	assert.True(t, n.ReloadRuntimeConfig(ctx))
	assert.True(t, <-signals.reloadConfig)
	assert.Empty(t, n.Channels())
	assert.NoError(t, n.Listen(ctx, "any"))
}
