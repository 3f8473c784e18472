package relay

import (
	"context"
	"testing"
	"time"

	"github.com/groupplan/roomsync/internal/room"
)

const hubTestFlushInterval = time.Hour

func mustHub(testContext *testing.T, mirror Mirror) *Hub {
	testContext.Helper()
	hub := NewHub(HubConfig{Mirror: mirror, FlushInterval: hubTestFlushInterval})
	testContext.Cleanup(hub.Close)
	return hub
}

func mustHubRoomID(testContext *testing.T, raw string) room.RoomID {
	testContext.Helper()
	roomID, err := room.NewRoomID(raw)
	if err != nil {
		testContext.Fatalf("invalid room id %q: %v", raw, err)
	}
	return roomID
}

func receiveFrame(testContext *testing.T, client *Client) room.Update {
	testContext.Helper()
	select {
	case payload, ok := <-client.Outbound():
		if !ok {
			testContext.Fatal("outbound channel closed before frame")
		}
		update, err := room.DecodeUpdate(payload)
		if err != nil {
			testContext.Fatalf("undecodable outbound frame: %v", err)
		}
		return update
	case <-time.After(time.Second):
		testContext.Fatal("expected outbound frame within deadline")
	}
	return room.Update{}
}

func encodeFrame(testContext *testing.T, update room.Update) []byte {
	testContext.Helper()
	payload, err := room.EncodeUpdate(update)
	if err != nil {
		testContext.Fatalf("failed to encode update: %v", err)
	}
	return payload
}

type recordingMirror struct {
	initial    room.Update
	hasInitial bool

	snapshots []room.Update
	activity  []room.ActivityRecord
	reactions []room.ReactionEntry
}

func (m *recordingMirror) LoadInitialState(context.Context, room.RoomID) (room.Update, bool, error) {
	return m.initial, m.hasInitial, nil
}

func (m *recordingMirror) SaveSnapshot(_ context.Context, _ room.RoomID, update room.Update) error {
	m.snapshots = append(m.snapshots, update)
	return nil
}

func (m *recordingMirror) PersistActivity(_ context.Context, _ room.RoomID, record room.ActivityRecord) error {
	m.activity = append(m.activity, record)
	return nil
}

func (m *recordingMirror) PersistReaction(_ context.Context, _ room.RoomID, cardID room.CardID, userID room.UserID, value room.ReactionValue) error {
	m.reactions = append(m.reactions, room.ReactionEntry{CardID: cardID, UserID: userID, Value: value})
	return nil
}

func testCard(id room.CardID, content string, stamp room.Stamp) room.Card {
	return room.Card{
		ID:        id,
		Content:   content,
		CardType:  room.CardTypeWhat,
		AuthorID:  "user-1",
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

func TestJoinDeliversFullStateFirst(testContext *testing.T) {
	hub := mustHub(testContext, nil)
	roomID := mustHubRoomID(testContext, "room-join")

	first, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer first.Close()

	initial := receiveFrame(testContext, first)
	if len(initial.Cards) != 0 {
		testContext.Fatalf("expected empty initial state, got %d cards", len(initial.Cards))
	}

	stamp := room.Stamp{WallMillis: 100, Replica: "replica-a"}
	first.Ingest(encodeFrame(testContext, room.Update{
		Cards: []room.Card{testCard("card-1", "Museum", stamp)},
		Order: &room.OrderRegister{IDs: []room.CardID{"card-1"}, Stamp: stamp},
	}))

	second, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer second.Close()

	resync := receiveFrame(testContext, second)
	if len(resync.Cards) != 1 || resync.Cards[0].ID != "card-1" {
		testContext.Fatalf("expected merged state on late join, got %+v", resync.Cards)
	}
}

func TestIngestRelaysToOtherConnectionsOnly(testContext *testing.T) {
	hub := mustHub(testContext, nil)
	roomID := mustHubRoomID(testContext, "room-fanout")

	sender, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer sender.Close()
	receiveFrame(testContext, sender)

	receiver, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer receiver.Close()
	receiveFrame(testContext, receiver)

	stamp := room.Stamp{WallMillis: 50, Replica: "replica-a"}
	sender.Ingest(encodeFrame(testContext, room.Update{
		Cards: []room.Card{testCard("card-1", "Beach", stamp)},
	}))

	relayed := receiveFrame(testContext, receiver)
	if len(relayed.Cards) != 1 || relayed.Cards[0].Content != "Beach" {
		testContext.Fatalf("unexpected relayed frame: %+v", relayed.Cards)
	}

	select {
	case payload, ok := <-sender.Outbound():
		if ok {
			testContext.Fatalf("sender should not receive its own frame, got %d bytes", len(payload))
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngestDropsUndecodableFrames(testContext *testing.T) {
	hub := mustHub(testContext, nil)
	roomID := mustHubRoomID(testContext, "room-corrupt")

	sender, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer sender.Close()
	receiveFrame(testContext, sender)

	receiver, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer receiver.Close()
	receiveFrame(testContext, receiver)

	sender.Ingest([]byte("{not json"))

	stamp := room.Stamp{WallMillis: 60, Replica: "replica-a"}
	sender.Ingest(encodeFrame(testContext, room.Update{
		Cards: []room.Card{testCard("card-after", "Picnic", stamp)},
	}))

	relayed := receiveFrame(testContext, receiver)
	if len(relayed.Cards) != 1 || relayed.Cards[0].ID != "card-after" {
		testContext.Fatalf("expected the valid frame after the corrupt one, got %+v", relayed.Cards)
	}
}

func TestHubLoadsMirroredStateOnFirstJoin(testContext *testing.T) {
	stamp := room.Stamp{WallMillis: 10, Replica: "replica-a"}
	mirror := &recordingMirror{
		initial: room.Update{
			Cards: []room.Card{testCard("card-stored", "Harbor tour", stamp)},
			Order: &room.OrderRegister{IDs: []room.CardID{"card-stored"}, Stamp: stamp},
		},
		hasInitial: true,
	}
	hub := mustHub(testContext, mirror)

	client, err := hub.Join(mustHubRoomID(testContext, "room-restore"))
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer client.Close()

	initial := receiveFrame(testContext, client)
	if len(initial.Cards) != 1 || initial.Cards[0].ID != "card-stored" {
		testContext.Fatalf("expected mirrored state on first join, got %+v", initial.Cards)
	}
}

func TestHubMirrorsActivityAndReactions(testContext *testing.T) {
	mirror := &recordingMirror{}
	hub := mustHub(testContext, mirror)

	client, err := hub.Join(mustHubRoomID(testContext, "room-mirror"))
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer client.Close()
	receiveFrame(testContext, client)

	stamp := room.Stamp{WallMillis: 30, Replica: "replica-a"}
	client.Ingest(encodeFrame(testContext, room.Update{
		Activity: []room.ActivityRecord{{
			ID: "activity-1", Type: room.ActivityCardAdded, UserID: "user-1", Timestamp: stamp,
		}},
		Reactions: []room.ReactionEntry{{
			CardID: "card-1", UserID: "user-1", Value: room.ReactionLike, Stamp: stamp,
		}},
	}))

	if len(mirror.activity) != 1 || mirror.activity[0].ID != "activity-1" {
		testContext.Fatalf("expected mirrored activity, got %+v", mirror.activity)
	}
	if len(mirror.reactions) != 1 || mirror.reactions[0].Value != room.ReactionLike {
		testContext.Fatalf("expected mirrored reaction, got %+v", mirror.reactions)
	}
}

func TestLastLeaveFlushesSnapshot(testContext *testing.T) {
	mirror := &recordingMirror{}
	hub := mustHub(testContext, mirror)
	roomID := mustHubRoomID(testContext, "room-flush")

	client, err := hub.Join(roomID)
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	receiveFrame(testContext, client)

	stamp := room.Stamp{WallMillis: 40, Replica: "replica-a"}
	client.Ingest(encodeFrame(testContext, room.Update{
		Cards: []room.Card{testCard("card-1", "Night market", stamp)},
	}))
	client.Close()

	if len(mirror.snapshots) != 1 {
		testContext.Fatalf("expected one snapshot flush on last leave, got %d", len(mirror.snapshots))
	}
	if len(mirror.snapshots[0].Cards) != 1 {
		testContext.Fatalf("expected flushed snapshot to carry the card, got %+v", mirror.snapshots[0].Cards)
	}
	if _, active := hub.RoomSnapshot(roomID); active {
		testContext.Fatal("expected room to be released after last leave")
	}
}

func TestFlushSkipsCleanRooms(testContext *testing.T) {
	mirror := &recordingMirror{}
	hub := mustHub(testContext, mirror)

	client, err := hub.Join(mustHubRoomID(testContext, "room-clean"))
	if err != nil {
		testContext.Fatalf("failed to join: %v", err)
	}
	defer client.Close()
	receiveFrame(testContext, client)

	hub.Flush()
	if len(mirror.snapshots) != 0 {
		testContext.Fatalf("expected no snapshot for clean room, got %d", len(mirror.snapshots))
	}
}
