package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process relay connecting any number of sessions
// per room. It retains every published payload and replays the backlog to
// each new connection, mirroring what the websocket relay does with its
// merged document; the idempotent document merge absorbs the duplication.
//
// Tests drive failure injection through SetUnavailable, SetRejection, and
// DropConnections.
type MemoryBroker struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	log         [][]byte
	conns       map[int64]*memoryConn
	nextID      int64
	unavailable bool
	rejection   error
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{rooms: make(map[string]*memoryRoom)}
}

// Dialer returns a Dialer bound to one room on this broker.
func (b *MemoryBroker) Dialer(roomID string) Dialer {
	return &memoryDialer{broker: b, roomID: roomID}
}

// SetUnavailable makes subsequent dials to roomID fail transiently.
func (b *MemoryBroker) SetUnavailable(roomID string, unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomLocked(roomID).unavailable = unavailable
}

// SetRejection makes subsequent dials to roomID fail fatally with
// ErrSessionRejected.
func (b *MemoryBroker) SetRejection(roomID string, rejected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rejected {
		b.roomLocked(roomID).rejection = fmt.Errorf("%w: room %s", ErrSessionRejected, roomID)
	} else {
		b.roomLocked(roomID).rejection = nil
	}
}

// DropConnections severs every live connection to roomID, simulating a
// transport failure. The backlog is retained for resync on reconnect.
func (b *MemoryBroker) DropConnections(roomID string) {
	b.mu.Lock()
	room := b.roomLocked(roomID)
	conns := make([]*memoryConn, 0, len(room.conns))
	for _, conn := range room.conns {
		conns = append(conns, conn)
	}
	room.conns = make(map[int64]*memoryConn)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}

// BacklogLen reports how many payloads the room has accumulated.
func (b *MemoryBroker) BacklogLen(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.roomLocked(roomID).log)
}

func (b *MemoryBroker) roomLocked(roomID string) *memoryRoom {
	room, ok := b.rooms[roomID]
	if !ok {
		room = &memoryRoom{conns: make(map[int64]*memoryConn)}
		b.rooms[roomID] = room
	}
	return room
}

func (b *MemoryBroker) publish(roomID string, senderID int64, payload []byte) {
	b.mu.Lock()
	room := b.roomLocked(roomID)
	room.log = append(room.log, payload)
	receivers := make([]*memoryConn, 0, len(room.conns))
	for id, conn := range room.conns {
		if id != senderID {
			receivers = append(receivers, conn)
		}
	}
	b.mu.Unlock()

	for _, conn := range receivers {
		conn.push(payload)
	}
}

func (b *MemoryBroker) disconnect(roomID string, connID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.roomLocked(roomID).conns, connID)
}

type memoryDialer struct {
	broker *MemoryBroker
	roomID string
}

func (d *memoryDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.broker.mu.Lock()
	room := d.broker.roomLocked(d.roomID)
	if room.rejection != nil {
		err := room.rejection
		d.broker.mu.Unlock()
		return nil, err
	}
	if room.unavailable {
		d.broker.mu.Unlock()
		return nil, fmt.Errorf("%w: room %s", ErrUnavailable, d.roomID)
	}
	room.nextID++
	conn := &memoryConn{
		broker: d.broker,
		roomID: d.roomID,
		id:     room.nextID,
	}
	conn.cond = sync.NewCond(&conn.mu)
	room.conns[conn.id] = conn
	backlog := append([][]byte{}, room.log...)
	d.broker.mu.Unlock()

	for _, payload := range backlog {
		conn.push(payload)
	}
	return conn, nil
}

type memoryConn struct {
	broker *MemoryBroker
	roomID string
	id     int64

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func (c *memoryConn) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()

	c.broker.publish(c.roomID, c.id, payload)
	return nil
}

func (c *memoryConn) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) > 0 {
		payload := c.queue[0]
		c.queue = c.queue[1:]
		return payload, nil
	}
	return nil, ErrConnClosed
}

func (c *memoryConn) Close() error {
	c.broker.disconnect(c.roomID, c.id)
	c.shutdown()
	return nil
}

func (c *memoryConn) push(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, payload)
	c.cond.Signal()
}

func (c *memoryConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
}
