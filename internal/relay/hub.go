// Package relay hosts the server side of room synchronization: it accepts
// websocket attachments, keeps an authoritative merged document per room,
// fans update frames out to the room's other connections, and mirrors
// state to a backing store.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/groupplan/roomsync/internal/room"
	"go.uber.org/zap"
)

const clientSendBuffer = 32

var (
	errMissingHubRoomID = errors.New("room identifier is required")
	errHubClosed        = errors.New("relay hub is closed")
)

// Mirror persists relayed room state so a room outlives its connections.
type Mirror interface {
	LoadInitialState(ctx context.Context, roomID room.RoomID) (room.Update, bool, error)
	SaveSnapshot(ctx context.Context, roomID room.RoomID, update room.Update) error
	PersistActivity(ctx context.Context, roomID room.RoomID, record room.ActivityRecord) error
	PersistReaction(ctx context.Context, roomID room.RoomID, cardID room.CardID, userID room.UserID, value room.ReactionValue) error
}

// HubConfig describes the inputs required to build a Hub.
type HubConfig struct {
	Mirror        Mirror
	FlushInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *Metrics
}

// Hub owns every live room on this relay. It is safe for concurrent use by
// the websocket handlers.
type Hub struct {
	mirror        Mirror
	flushInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *Metrics

	mu     sync.Mutex
	rooms  map[room.RoomID]*hubRoom
	nextID int64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type hubRoom struct {
	document *room.Document
	clients  map[int64]*Client
	dirty    bool
}

// Client is one attached connection's view of a room. The websocket
// handler reads broadcast frames from Outbound and feeds inbound frames to
// Ingest.
type Client struct {
	hub      *Hub
	roomID   room.RoomID
	id       int64
	outbound chan []byte
	once     sync.Once
}

// NewHub constructs a Hub and starts its snapshot flusher.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		mirror:        cfg.Mirror,
		flushInterval: cfg.FlushInterval,
		clock:         clock,
		logger:        logger,
		metrics:       cfg.Metrics,
		rooms:         make(map[room.RoomID]*hubRoom),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go hub.flushLoop()
	return hub
}

// Join attaches a connection to a room, creating the room on first attach.
// The client's first outbound frame is the room's full merged state.
func (h *Hub) Join(roomID room.RoomID) (*Client, error) {
	if roomID == "" {
		return nil, errMissingHubRoomID
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	entry, err := h.roomLocked(roomID)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.nextID++
	client := &Client{
		hub:      h,
		roomID:   roomID,
		id:       h.nextID,
		outbound: make(chan []byte, clientSendBuffer),
	}
	resync, encodeErr := room.EncodeUpdate(entry.document.FullUpdate())
	if encodeErr != nil {
		h.mu.Unlock()
		h.logger.Error("full state encode failed",
			zap.String("room_id", roomID.String()),
			zap.Error(encodeErr))
		return nil, encodeErr
	}
	entry.clients[client.id] = client
	client.outbound <- resync
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.OpenConnections.Inc()
		h.metrics.ActiveRooms.Set(float64(h.roomCount()))
	}
	return client, nil
}

// roomLocked returns the room entry, loading mirrored state on first use.
func (h *Hub) roomLocked(roomID room.RoomID) (*hubRoom, error) {
	if entry, ok := h.rooms[roomID]; ok {
		return entry, nil
	}

	document, err := room.NewDocument(room.DocumentConfig{
		RoomID:     roomID,
		Replica:    "relay/" + roomID.String(),
		Clock:      h.clock,
		IDProvider: room.NewULIDProvider(),
		Logger:     h.logger,
	})
	if err != nil {
		return nil, err
	}

	if h.mirror != nil {
		initial, found, loadErr := h.mirror.LoadInitialState(h.ctx, roomID)
		if loadErr != nil {
			h.logger.Warn("mirrored state load failed",
				zap.String("room_id", roomID.String()),
				zap.Error(loadErr))
		} else if found {
			document.ApplyUpdate(initial)
			document.TakePending()
		}
	}

	entry := &hubRoom{
		document: document,
		clients:  make(map[int64]*Client),
	}
	h.rooms[roomID] = entry
	return entry, nil
}

// Outbound returns the channel of frames to deliver to this connection.
// The channel closes when the client detaches.
func (c *Client) Outbound() <-chan []byte {
	return c.outbound
}

// Ingest merges one inbound frame into the room and relays it to every
// other attached connection. Undecodable frames are dropped; a corrupt
// peer must not stall the room.
func (c *Client) Ingest(payload []byte) {
	update, err := room.DecodeUpdate(payload)
	if err != nil {
		c.hub.dropFrame(c.roomID, err)
		return
	}
	c.hub.relay(c, update, payload)
}

// Close detaches the connection. The last detach flushes the room's
// snapshot and releases it.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.leave(c)
	})
}

func (h *Hub) relay(sender *Client, update room.Update, payload []byte) {
	h.mu.Lock()
	entry, ok := h.rooms[sender.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	entry.document.ApplyUpdate(update)
	entry.document.TakePending()
	entry.dirty = true
	var slow []*Client
	for _, client := range entry.clients {
		if client.id == sender.id {
			continue
		}
		select {
		case client.outbound <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	for _, client := range slow {
		// Slow consumer: it will resync from full state on reconnect.
		h.logger.Warn("relay backpressure, detaching connection",
			zap.String("room_id", sender.roomID.String()))
		client.Close()
	}

	h.mirrorSections(sender.roomID, update)
	if h.metrics != nil {
		h.metrics.RelayedUpdates.Inc()
	}
}

func (h *Hub) mirrorSections(roomID room.RoomID, update room.Update) {
	if h.mirror == nil {
		return
	}
	for _, record := range update.Activity {
		if err := h.mirror.PersistActivity(h.ctx, roomID, record); err != nil {
			h.logger.Warn("activity mirror failed",
				zap.String("room_id", roomID.String()),
				zap.Error(err))
		}
	}
	for _, entry := range update.Reactions {
		if err := h.mirror.PersistReaction(h.ctx, roomID, entry.CardID, entry.UserID, entry.Value); err != nil {
			h.logger.Warn("reaction mirror failed",
				zap.String("room_id", roomID.String()),
				zap.Error(err))
		}
	}
}

func (h *Hub) leave(client *Client) {
	h.mu.Lock()
	entry, ok := h.rooms[client.roomID]
	if ok {
		delete(entry.clients, client.id)
		if len(entry.clients) == 0 {
			h.flushRoomLocked(client.roomID, entry)
			delete(h.rooms, client.roomID)
		}
	}
	close(client.outbound)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.OpenConnections.Dec()
		h.metrics.ActiveRooms.Set(float64(h.roomCount()))
	}
}

func (h *Hub) dropFrame(roomID room.RoomID, err error) {
	h.logger.Warn("inbound frame dropped",
		zap.String("room_id", roomID.String()),
		zap.Error(err))
	if h.metrics != nil {
		h.metrics.DroppedFrames.Inc()
	}
}

// Flush writes every dirty room's snapshot to the mirror.
func (h *Hub) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID, entry := range h.rooms {
		if entry.dirty {
			h.flushRoomLocked(roomID, entry)
		}
	}
}

func (h *Hub) flushRoomLocked(roomID room.RoomID, entry *hubRoom) {
	if h.mirror == nil || !entry.dirty {
		return
	}
	if err := h.mirror.SaveSnapshot(h.ctx, roomID, entry.document.FullUpdate()); err != nil {
		h.logger.Warn("snapshot flush failed",
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		return
	}
	entry.dirty = false
	if h.metrics != nil {
		h.metrics.SnapshotFlushes.Inc()
	}
}

// RoomSnapshot renders the relay's current merged view of a room.
func (h *Hub) RoomSnapshot(roomID room.RoomID) (room.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.rooms[roomID]
	if !ok {
		return room.Snapshot{}, false
	}
	return entry.document.Snapshot(), true
}

// Close detaches every connection, flushes every room, and stops the
// flusher. The hub rejects joins afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0)
	for _, entry := range h.rooms {
		for _, client := range entry.clients {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.Flush()
	h.cancel()
	<-h.done
}

func (h *Hub) roomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) flushLoop() {
	defer close(h.done)
	interval := h.flushInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}
