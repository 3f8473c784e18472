// Package syncer owns the connection lifecycle of one planning room: it
// carries local mutations out over a transport, merges inbound updates
// into the replicated document, and reconnects with backoff when the
// transport fails. Mutations are never rejected for transport reasons;
// the document applies them locally and the session broadcasts them when
// it can.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/groupplan/roomsync/internal/presence"
	"github.com/groupplan/roomsync/internal/room"
	"github.com/groupplan/roomsync/internal/transport"
	"go.uber.org/zap"
)

// Status is the session connection state.
type Status string

const (
	// StatusConnecting means the first transport handshake is in progress.
	StatusConnecting Status = "connecting"
	// StatusOpen means the transport is live and updates flow.
	StatusOpen Status = "open"
	// StatusReconnecting means the transport failed and backoff retries run.
	StatusReconnecting Status = "reconnecting"
	// StatusClosed is terminal: explicit teardown or fatal rejection.
	StatusClosed Status = "closed"
)

// ErrSessionClosed indicates an operation was attempted on a closed
// session.
var ErrSessionClosed = errors.New("syncer: session closed")

var (
	errMissingDocument = errors.New("syncer: document is required")
	errMissingDialer   = errors.New("syncer: dialer is required")
	errMissingProfile  = errors.New("syncer: profile user id is required")
)

// StatusChange is one observable session state transition. Err is set
// when the transition was caused by a failure.
type StatusChange struct {
	Status Status
	Err    error
	At     time.Time
}

// Mirror is the best-effort backing store collaborator. Failures are
// logged and never block or corrupt in-memory sync state.
type Mirror interface {
	LoadInitialState(ctx context.Context, roomID room.RoomID) (room.Update, bool, error)
	PersistActivity(ctx context.Context, roomID room.RoomID, record room.ActivityRecord) error
	PersistReaction(ctx context.Context, roomID room.RoomID, cardID room.CardID, userID room.UserID, value room.ReactionValue) error
}

// SessionConfig describes the inputs required to build a Session.
type SessionConfig struct {
	Document *room.Document
	Dialer   transport.Dialer
	Profile  room.Profile
	// Mirror, when set, hydrates the document on open and mirrors
	// activity/reactions opportunistically.
	Mirror           Mirror
	PresenceInterval time.Duration
	PresenceTimeout  time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Session synchronizes one room document over one transport.
type Session struct {
	document *room.Document
	dialer   transport.Dialer
	profile  room.Profile
	mirror   Mirror
	clock    func() time.Time
	logger   *zap.Logger
	tracker  *presence.Tracker

	backoffBase time.Duration
	backoffCap  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu            sync.Mutex
	status        Status
	lastErr       error
	statusStreams map[int64]chan StatusChange
	snapshotSubs  map[int64]func(room.Snapshot)
	nextSubID     int64
	started       bool
}

// NewSession validates the configuration and returns an unstarted Session
// in StatusConnecting.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Document == nil {
		return nil, errMissingDocument
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Profile.UserID == "" {
		return nil, errMissingProfile
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	session := &Session{
		document:      cfg.Document,
		dialer:        cfg.Dialer,
		profile:       cfg.Profile,
		mirror:        cfg.Mirror,
		clock:         clock,
		logger:        logger,
		backoffBase:   cfg.BackoffBase,
		backoffCap:    cfg.BackoffCap,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		status:        StatusConnecting,
		statusStreams: make(map[int64]chan StatusChange),
		snapshotSubs:  make(map[int64]func(room.Snapshot)),
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Document: cfg.Document,
		Profile:  cfg.Profile,
		Interval: cfg.PresenceInterval,
		Timeout:  cfg.PresenceTimeout,
		Clock:    clock,
		Notify:   session.notifyLocalChange,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	session.tracker = tracker

	return session, nil
}

// Start begins connecting and heartbeating. Calling Start twice is a
// no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.hydrate()
	s.tracker.Start(s.ctx)
	go s.run()
}

// Document returns the replicated document owned by this session.
func (s *Session) Document() *room.Document {
	return s.document
}

// Presence returns this session's presence tracker.
func (s *Session) Presence() *presence.Tracker {
	return s.tracker
}

// Status returns the current connection state and the error that caused
// it, if any.
func (s *Session) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}

// StatusChanges subscribes to session state transitions. Slow consumers
// miss intermediate transitions rather than blocking the session.
func (s *Session) StatusChanges() (<-chan StatusChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	stream := make(chan StatusChange, 8)
	s.statusStreams[id] = stream

	cleanup := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.statusStreams, id)
	}
	return stream, cleanup
}

// Subscribe registers a callback invoked with a fresh snapshot after
// every local mutation and every applied remote update.
func (s *Session) Subscribe(callback func(room.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.snapshotSubs[id] = callback

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.snapshotSubs, id)
	}
}

// Close tears the session down. Pending unsent local changes are
// discarded; the document itself stays valid for reading.
func (s *Session) Close() {
	s.closeWith(nil)
}

// Done is closed when the session run loop has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AddCard inserts a card and schedules it for broadcast.
func (s *Session) AddCard(card room.Card) (room.Card, error) {
	if err := s.checkOpen(); err != nil {
		return room.Card{}, err
	}
	if card.AuthorID == "" {
		card.AuthorID = s.profile.UserID
	}
	added, err := s.document.AddCard(card)
	if err != nil {
		return room.Card{}, err
	}
	s.notifyLocalChange()
	return added, nil
}

// UpdateCard replaces a card's content and schedules it for broadcast.
func (s *Session) UpdateCard(card room.Card) (room.Card, error) {
	if err := s.checkOpen(); err != nil {
		return room.Card{}, err
	}
	updated, err := s.document.UpdateCard(card)
	if err != nil {
		return room.Card{}, err
	}
	s.notifyLocalChange()
	return updated, nil
}

// RemoveCard removes a card and schedules the removal for broadcast.
func (s *Session) RemoveCard(cardID room.CardID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.document.RemoveCard(cardID)
	s.notifyLocalChange()
	return nil
}

// ReorderCards replaces the display order and schedules it for broadcast.
func (s *Session) ReorderCards(order []room.CardID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.document.ReorderCards(order)
	s.notifyLocalChange()
	return nil
}

// SendChatMessage appends a chat entry authored by the session profile.
func (s *Session) SendChatMessage(text string) (room.ChatMessage, error) {
	if err := s.checkOpen(); err != nil {
		return room.ChatMessage{}, err
	}
	message, err := s.document.AddChatMessage(room.ChatMessageInput{
		Author: s.profile,
		Type:   room.MessageTypeText,
		Text:   text,
	})
	if err != nil {
		return room.ChatMessage{}, err
	}
	s.notifyLocalChange()
	return message, nil
}

// AddPoll inserts a poll and posts its chat entry.
func (s *Session) AddPoll(poll room.Poll) (room.Poll, error) {
	if err := s.checkOpen(); err != nil {
		return room.Poll{}, err
	}
	if poll.CreatedBy == "" {
		poll.CreatedBy = s.profile.UserID
	}
	added, err := s.document.AddPoll(poll)
	if err != nil {
		return room.Poll{}, err
	}
	if _, err := s.document.AddChatMessage(room.ChatMessageInput{
		Author: s.profile,
		Type:   room.MessageTypePoll,
		PollID: added.ID,
	}); err != nil {
		s.logger.Warn("poll chat entry failed", zap.Error(err))
	}
	s.notifyLocalChange()
	return added, nil
}

// CastVote registers the session user's exclusive vote on a poll option.
func (s *Session) CastVote(pollID, optionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.document.CastVote(pollID, optionID, s.profile.UserID); err != nil {
		return err
	}
	s.notifyLocalChange()
	return nil
}

// SetReaction records the session user's reaction to a card and mirrors
// it to the backing store best-effort.
func (s *Session) SetReaction(cardID room.CardID, value room.ReactionValue) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.document.SetReaction(cardID, s.profile.UserID, value); err != nil {
		return err
	}
	s.mirrorReaction(cardID, value)
	s.notifyLocalChange()
	return nil
}

// AddActivity appends an audit record and mirrors it to the backing store
// best-effort.
func (s *Session) AddActivity(record room.ActivityRecord) (room.ActivityRecord, error) {
	if err := s.checkOpen(); err != nil {
		return room.ActivityRecord{}, err
	}
	if record.UserID == "" {
		record.UserID = s.profile.UserID
	}
	added, err := s.document.AddActivity(record)
	if err != nil {
		return room.ActivityRecord{}, err
	}
	s.mirrorActivity(added)
	s.notifyLocalChange()
	return added, nil
}

// Snapshot returns the current document state.
func (s *Session) Snapshot() room.Snapshot {
	return s.document.Snapshot()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return ErrSessionClosed
	}
	return nil
}

// notifyLocalChange wakes the sender and fans a fresh snapshot out to
// subscribers.
func (s *Session) notifyLocalChange() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.publishSnapshot()
}

func (s *Session) publishSnapshot() {
	s.mu.Lock()
	callbacks := make([]func(room.Snapshot), 0, len(s.snapshotSubs))
	for _, callback := range s.snapshotSubs {
		callbacks = append(callbacks, callback)
	}
	s.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	snapshot := s.document.Snapshot()
	for _, callback := range callbacks {
		callback(snapshot)
	}
}

func (s *Session) setStatus(status Status, cause error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.lastErr = cause
	streams := make([]chan StatusChange, 0, len(s.statusStreams))
	for _, stream := range s.statusStreams {
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	change := StatusChange{Status: status, Err: cause, At: s.clock().UTC()}
	for _, stream := range streams {
		select {
		case stream <- change:
		default:
		}
	}
}

func (s *Session) closeWith(cause error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusClosed
	s.lastErr = cause
	streams := make([]chan StatusChange, 0, len(s.statusStreams))
	for _, stream := range s.statusStreams {
		streams = append(streams, stream)
	}
	cancel := s.cancel
	s.mu.Unlock()

	change := StatusChange{Status: StatusClosed, Err: cause, At: s.clock().UTC()}
	for _, stream := range streams {
		select {
		case stream <- change:
		default:
		}
	}

	// pending local changes are discarded on close
	s.document.TakePending()
	s.tracker.Stop()
	if cancel != nil {
		cancel()
	}
}

// hydrate applies the most recent stored snapshot, when a mirror is
// configured. Failure is logged and ignored; the transport resync covers
// the same ground.
func (s *Session) hydrate() {
	if s.mirror == nil {
		return
	}
	update, ok, err := s.mirror.LoadInitialState(s.ctx, s.document.RoomID())
	if err != nil {
		s.logger.Warn("initial state load failed",
			zap.String("room_id", s.document.RoomID().String()),
			zap.Error(err))
		return
	}
	if ok {
		s.document.ApplyUpdate(update)
		s.publishSnapshot()
	}
}

func (s *Session) mirrorActivity(record room.ActivityRecord) {
	if s.mirror == nil {
		return
	}
	go func() {
		if err := s.mirror.PersistActivity(context.Background(), s.document.RoomID(), record); err != nil {
			s.logger.Warn("activity mirror failed", zap.Error(err))
		}
	}()
}

func (s *Session) mirrorReaction(cardID room.CardID, value room.ReactionValue) {
	if s.mirror == nil {
		return
	}
	go func() {
		if err := s.mirror.PersistReaction(context.Background(), s.document.RoomID(), cardID, s.profile.UserID, value); err != nil {
			s.logger.Warn("reaction mirror failed", zap.Error(err))
		}
	}()
}

// run is the connection loop: dial, resync, pump, and on failure back off
// and repeat. Only context cancellation or an explicit rejection ends it.
func (s *Session) run() {
	defer close(s.done)

	attempt := 0
	for {
		select {
		case <-s.ctx.Done():
			s.closeWith(nil)
			return
		default:
		}

		conn, err := s.dialer.Dial(s.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrSessionRejected) {
				s.logger.Warn("session rejected",
					zap.String("room_id", s.document.RoomID().String()),
					zap.Error(err))
				s.closeWith(err)
				return
			}
			if s.ctx.Err() != nil {
				s.closeWith(nil)
				return
			}
			attempt++
			delay := backoffDelay(attempt, s.backoffBase, s.backoffCap)
			s.setStatus(StatusReconnecting, err)
			s.logger.Info("transport dial failed, backing off",
				zap.String("room_id", s.document.RoomID().String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-s.ctx.Done():
				s.closeWith(nil)
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.setStatus(StatusOpen, nil)
		s.pump(conn)

		select {
		case <-s.ctx.Done():
			s.closeWith(nil)
			return
		default:
			s.setStatus(StatusReconnecting, transport.ErrConnClosed)
		}
	}
}

// pump runs one connection: resync with a full-state update, then flush
// local changes on wake and merge inbound updates until the connection
// dies. A send failure is safe to abandon mid-flight: the change is in
// the document, and the next connection's full-state resync carries it.
func (s *Session) pump(conn transport.Conn) {
	defer conn.Close()

	payload, err := room.EncodeUpdate(s.document.FullUpdate())
	if err != nil {
		s.logger.Error("full update encode failed", zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			inbound, err := conn.Receive()
			if err != nil {
				return
			}
			update, err := room.DecodeUpdate(inbound)
			if err != nil {
				// corrupt frame: drop it, resync self-heals
				s.logger.Warn("dropped undecodable update",
					zap.String("room_id", s.document.RoomID().String()),
					zap.Error(err))
				continue
			}
			s.document.ApplyUpdate(update)
			s.publishSnapshot()
		}
	}()

	for {
		if err := s.flush(conn); err != nil {
			// close first so the reader unblocks from Receive; waiting on a
			// half-open connection would wedge the session in Open forever
			conn.Close()
			<-readerDone
			return
		}
		select {
		case <-s.ctx.Done():
			conn.Close()
			<-readerDone
			return
		case <-readerDone:
			return
		case <-s.wake:
		}
	}
}

func (s *Session) flush(conn transport.Conn) error {
	update, ok := s.document.TakePending()
	if !ok {
		return nil
	}
	payload, err := room.EncodeUpdate(update)
	if err != nil {
		s.logger.Error("pending update encode failed", zap.Error(err))
		return nil
	}
	return conn.Send(payload)
}
