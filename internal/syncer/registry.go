package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/groupplan/roomsync/internal/room"
	"go.uber.org/zap"
)

// DefaultReleaseGrace is how long a session lingers after its last
// release before tearing down. UI frameworks remount views rapidly; the
// grace window absorbs that churn without dropping the transport.
const DefaultReleaseGrace = 5 * time.Second

var (
	errMissingFactory  = errors.New("syncer: session factory is required")
	errHandleReleased  = errors.New("syncer: handle already released")
	errMissingRegistry = errors.New("syncer: registry is required")
)

// SessionFactory builds an unstarted session for a room and identity.
type SessionFactory func(roomID room.RoomID, profile room.Profile) (*Session, error)

// RegistryConfig describes the inputs required to build a Registry.
type RegistryConfig struct {
	Factory SessionFactory
	// Grace delays teardown after the reference count reaches zero;
	// DefaultReleaseGrace when zero.
	Grace  time.Duration
	Logger *zap.Logger
}

// Registry maps room ids to live sessions, enforcing one session per room
// per process with reference-counted, grace-delayed teardown.
type Registry struct {
	factory SessionFactory
	grace   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[room.RoomID]*registryEntry
}

type registryEntry struct {
	session    *Session
	refs       int
	graceTimer *time.Timer
}

// Handle is one consumer's claim on a room session.
type Handle struct {
	registry *Registry
	roomID   room.RoomID
	session  *Session

	mu       sync.Mutex
	released bool
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errMissingFactory
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultReleaseGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory: cfg.Factory,
		grace:   grace,
		logger:  logger,
		entries: make(map[room.RoomID]*registryEntry),
	}, nil
}

// Acquire returns the live session for roomID, creating and starting one
// when none exists. Connection failures never surface here; they arrive
// asynchronously on the session's status stream.
func (r *Registry) Acquire(ctx context.Context, roomID room.RoomID, profile room.Profile) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[roomID]
	if exists {
		if status, _ := entry.session.Status(); status == StatusClosed {
			// a closed session cannot be revived; replace it
			delete(r.entries, roomID)
			exists = false
		}
	}

	if exists {
		entry.refs++
		if entry.graceTimer != nil {
			entry.graceTimer.Stop()
			entry.graceTimer = nil
		}
		return &Handle{registry: r, roomID: roomID, session: entry.session}, nil
	}

	session, err := r.factory(roomID, profile)
	if err != nil {
		return nil, err
	}
	session.Start(ctx)
	r.entries[roomID] = &registryEntry{session: session, refs: 1}
	r.logger.Info("room session started", zap.String("room_id", roomID.String()))
	return &Handle{registry: r, roomID: roomID, session: session}, nil
}

// Release gives up a handle's claim. When the last claim is released the
// session closes after the grace period, unless the room is re-acquired
// first.
func (r *Registry) Release(handle *Handle) error {
	if handle == nil || handle.registry != r {
		return errMissingRegistry
	}

	handle.mu.Lock()
	if handle.released {
		handle.mu.Unlock()
		return errHandleReleased
	}
	handle.released = true
	handle.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[handle.roomID]
	if !exists || entry.session != handle.session {
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}

	roomID := handle.roomID
	session := entry.session
	entry.graceTimer = time.AfterFunc(r.grace, func() {
		r.teardown(roomID, session)
	})
	return nil
}

// ActiveRooms reports how many rooms currently hold a session.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll tears down every session immediately, ignoring grace periods.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.graceTimer != nil {
			entry.graceTimer.Stop()
		}
		entries = append(entries, entry)
	}
	r.entries = make(map[room.RoomID]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.session.Close()
	}
}

func (r *Registry) teardown(roomID room.RoomID, session *Session) {
	r.mu.Lock()
	entry, exists := r.entries[roomID]
	if !exists || entry.session != session || entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, roomID)
	r.mu.Unlock()

	session.Close()
	r.logger.Info("room session closed", zap.String("room_id", roomID.String()))
}

// Session returns the underlying session for this handle.
func (h *Handle) Session() *Session {
	return h.session
}

// Release is shorthand for Registry.Release.
func (h *Handle) Release() error {
	return h.registry.Release(h)
}
