package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"triage-chatbot/internal/logger"
	types "triage-chatbot/pkg"
)

// Notifier publishes triage alerts with pg_notify and streams them back with
// a pq.Listener, so every server instance sees alerts raised by any other.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
	Log     *logger.Logger
}

// NewNotifier publishes and listens on channel.  Every instance serving the
// same database must use the same channel name.
func NewNotifier(db *sql.DB, dsn, channel string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Notifier{DB: db, DSN: dsn, Channel: channel, Log: log}
}

// Publish sends the alert as a JSON payload on the channel.
func (n *Notifier) Publish(ctx context.Context, alert types.TriageAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, string(payload))
	return err
}

// Subscribe listens on the channel until ctx is cancelled.  Payloads that do
// not decode are dropped.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan types.TriageAlert, error) {
	listener := pq.NewListener(n.DSN, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.Log.Warn("alert listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", pq.QuoteIdentifier(n.Channel), err)
	}
	ch := make(chan types.TriageAlert)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-listener.Notify:
				// nil after a reconnect
				if note == nil {
					continue
				}
				var alert types.TriageAlert
				if err := json.Unmarshal([]byte(note.Extra), &alert); err != nil {
					n.Log.Warn("dropping undecodable alert", "error", err)
					continue
				}
				select {
				case ch <- alert:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return ch, nil
}

// LocalBroker fans alerts out to in-process subscribers.  It serves the
// sqlite and memory drivers, where there is no shared notification bus.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[chan types.TriageAlert]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[chan types.TriageAlert]struct{})}
}

// Publish never blocks; a subscriber whose buffer is full misses the alert.
func (b *LocalBroker) Publish(_ context.Context, alert types.TriageAlert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- alert:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan types.TriageAlert, error) {
	ch := make(chan types.TriageAlert, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
