// Package presence tracks "who is here now" for a planning room. Presence
// is just another replicated field of the room document, so it merges and
// survives reconnect like any other state; liveness comes from periodic
// heartbeats and lazy wall-clock expiry that any replica can compute on
// its own.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/groupplan/roomsync/internal/room"
	"go.uber.org/zap"
)

const (
	// DefaultUpdateInterval is how often each active client heartbeats itself.
	DefaultUpdateInterval = 30 * time.Second
	// DefaultTimeout is how long a user may go without a heartbeat before
	// dropping out of the present set.
	DefaultTimeout = 5 * time.Minute
)

var (
	errMissingDocument = errors.New("presence: document is required")
	errMissingProfile  = errors.New("presence: profile user id is required")
)

// TrackerConfig describes the inputs required to build a Tracker.
type TrackerConfig struct {
	Document *room.Document
	Profile  room.Profile
	// Interval between self-heartbeats; DefaultUpdateInterval when zero.
	Interval time.Duration
	// Timeout before an idle user expires; DefaultTimeout when zero.
	Timeout time.Duration
	Clock   func() time.Time
	// Notify, when set, runs after every heartbeat so the owning session
	// can flush the staged presence mutation.
	Notify func()
	Logger *zap.Logger
}

// Tracker maintains the local user's presence in a room document and
// exposes the live user set with expiry applied.
type Tracker struct {
	document *room.Document
	profile  room.Profile
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
	notify   func()
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTracker validates the configuration and returns a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Document == nil {
		return nil, errMissingDocument
	}
	if cfg.Profile.UserID == "" {
		return nil, errMissingProfile
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		document: cfg.Document,
		profile:  cfg.Profile,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		notify:   cfg.Notify,
		logger:   logger,
	}, nil
}

// Heartbeat upserts the local user's presence entry with the current wall
// clock. Stale entries are swept opportunistically first; sweeping is
// idempotent and safe to repeat.
func (t *Tracker) Heartbeat() room.PresentUser {
	now := t.clock()
	t.document.SweepPresence(now, t.timeout)
	entry := t.document.Heartbeat(t.profile, now)
	if t.notify != nil {
		t.notify()
	}
	return entry
}

// SweepExpired drops presence entries idle longer than the timeout as of
// now.
func (t *Tracker) SweepExpired(now time.Time) {
	t.document.SweepPresence(now, t.timeout)
}

// ListPresent returns the current present set after an implicit sweep.
func (t *Tracker) ListPresent() []room.PresentUser {
	t.document.SweepPresence(t.clock(), t.timeout)
	return t.document.Snapshot().Present
}

// Start emits an immediate heartbeat and renews it on the configured
// interval until Stop is called or the context ends.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	t.Heartbeat()
	go t.run(runCtx)
}

// Stop halts periodic heartbeats. Safe to call more than once.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Heartbeat()
			t.logger.Debug("presence heartbeat",
				zap.String("room_id", t.document.RoomID().String()),
				zap.String("user_id", t.profile.UserID.String()))
		}
	}
}
