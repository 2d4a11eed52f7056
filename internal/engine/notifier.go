package engine

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/metrics"
)

const (
	// DefaultPollInterval is how often the notifier polls the change log.
	DefaultPollInterval = time.Second
	// DefaultNotifyWindow is how far back each poll looks.
	DefaultNotifyWindow = 2 * time.Second

	seenEntries = 4096
)

// ChangeEvent announces remote change-log entries relevant to SessionID.
type ChangeEvent struct {
	SessionID string
	Entries   []ir.ChangeLogEntry
}

// ChangeSource is the part of the central store the notifier polls.
type ChangeSource interface {
	RecentChangeLog(ctx context.Context, sessionID string, since time.Time) ([]ir.ChangeLogEntry, error)
}

// ChangeNotifier polls the central change log for recent unacknowledged
// entries from other sessions and publishes a ChangeEvent when new ones
// appear. Windows of consecutive polls overlap, so entry ids already
// announced are remembered and not announced again.
//
// Thread-safety: Subscribe, Poll and Close are safe for concurrent use. Run
// should be called at most once.
type ChangeNotifier struct {
	source    ChangeSource
	sessionID string
	clock     Clock
	interval  time.Duration
	window    time.Duration
	log       *zap.SugaredLogger
	seen      *lru.Cache[int64, struct{}]

	mu     sync.Mutex
	subs   map[int]func(ChangeEvent)
	nextID int

	closeOnce sync.Once
	closing   chan struct{}
	running   sync.WaitGroup
}

// NewChangeNotifier creates a notifier for sessionID. Zero durations select
// the defaults.
func NewChangeNotifier(source ChangeSource, sessionID string, clock Clock, interval, window time.Duration, log *zap.SugaredLogger) *ChangeNotifier {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if window <= 0 {
		window = DefaultNotifyWindow
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	seen, _ := lru.New[int64, struct{}](seenEntries)
	return &ChangeNotifier{
		source:    source,
		sessionID: sessionID,
		clock:     clock,
		interval:  interval,
		window:    window,
		log:       log,
		seen:      seen,
		subs:      make(map[int]func(ChangeEvent)),
		closing:   make(chan struct{}),
	}
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn runs on the polling goroutine and must not block.
func (n *ChangeNotifier) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Poll runs one query and publishes an event if it found entries not seen
// before. It returns the number of new entries.
func (n *ChangeNotifier) Poll(ctx context.Context) (int, error) {
	since := n.clock.Now().Add(-n.window)
	entries, err := n.source.RecentChangeLog(ctx, n.sessionID, since)
	if err != nil {
		return 0, err
	}

	fresh := make([]ir.ChangeLogEntry, 0, len(entries))
	for _, entry := range entries {
		if ok, _ := n.seen.ContainsOrAdd(entry.ID, struct{}{}); ok {
			continue
		}
		fresh = append(fresh, entry)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	metrics.NotifyEvents.Inc()
	n.log.Debugw("remote changes detected", "entries", len(fresh))
	n.publish(ChangeEvent{SessionID: n.sessionID, Entries: fresh})
	return len(fresh), nil
}

// Run polls every interval until ctx is cancelled or Close is called. Poll
// failures are logged and polling continues.
func (n *ChangeNotifier) Run(ctx context.Context) error {
	select {
	case <-n.closing:
		return nil
	default:
	}
	n.running.Add(1)
	defer n.running.Done()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closing:
			return nil
		case <-ticker.C:
			if _, err := n.Poll(ctx); err != nil && ctx.Err() == nil {
				n.log.Warnw("change poll failed", "error", err)
			}
		}
	}
}

// Close stops Run and waits for it to return. Idempotent.
func (n *ChangeNotifier) Close() {
	n.closeOnce.Do(func() { close(n.closing) })
	n.running.Wait()
}

func (n *ChangeNotifier) publish(ev ChangeEvent) {
	n.mu.Lock()
	subs := make([]func(ChangeEvent), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
