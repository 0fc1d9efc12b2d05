package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
)

// WorkSignal is the NOTIFY payload raised when new work lands in the
// coordination tables. The publisher loop uses it to wake up immediately
// instead of waiting for the next flush interval.
type WorkSignal struct {
	Kind     string `json:"kind"` // "outbox", "inbox" or "perspective"
	StreamID string `json:"stream_id,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// WorkSignalHandler is called for every received signal.
type WorkSignalHandler func(signal *WorkSignal)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches work
// signals. The connection is re-established with a short backoff when it
// drops.
type Listener struct {
	db       *PostgresDB
	channel  string
	logger   *logrus.Entry
	handlers []WorkSignalHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

// NewListener creates a LISTEN subscriber on the given channel
// (conventionally "wh_work").
func NewListener(db *PostgresDB, channel string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		db:      db,
		channel: channel,
		logger:  common.Logger.WithField("component", "listener"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnSignal registers a handler for work signals.
func (l *Listener) OnSignal(handler WorkSignalHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Notify raises a signal on the listener's channel. The coordinator calls
// this after committing a batch that stored new work.
func (l *Listener) Notify(ctx context.Context, signal *WorkSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal work signal: %w", err)
	}
	if err := l.db.Exec(ctx, `SELECT pg_notify($1, $2)`, l.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify channel %s: %w", l.channel, err)
	}
	return nil
}

// Start begins listening in the background. Calling Start twice is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
}

// Stop stops listening and releases the dedicated connection.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				l.logger.WithError(err).Warn("listen connection lost, reconnecting in 1s")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (l *Listener) listen() error {
	conn, err := l.db.Pool().Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("failed to start LISTEN: %w", err)
	}

	l.logger.WithField("channel", l.channel).Debug("listening for work signals")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}

		var signal WorkSignal
		if err := json.Unmarshal([]byte(notification.Payload), &signal); err != nil {
			l.logger.WithError(err).Warn("dropping malformed work signal")
			continue
		}

		l.dispatch(&signal)
	}
}

func (l *Listener) dispatch(signal *WorkSignal) {
	l.mu.RLock()
	handlers := make([]WorkSignalHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		go handler(signal)
	}
}
