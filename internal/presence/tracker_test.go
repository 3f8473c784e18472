package presence

import (
	"testing"
	"time"

	"github.com/groupplan/roomsync/internal/room"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func mustTracker(testContext *testing.T, clock *manualClock, profile room.Profile) (*Tracker, *room.Document) {
	testContext.Helper()
	document, err := room.NewDocument(room.DocumentConfig{
		RoomID:     "room-test",
		Replica:    "replica-a",
		Clock:      clock.Now,
		IDProvider: room.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}
	tracker, err := NewTracker(TrackerConfig{
		Document: document,
		Profile:  profile,
		Clock:    clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to create tracker: %v", err)
	}
	return tracker, document
}

func TestHeartbeatAddsUserToPresentSet(testContext *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	tracker, _ := mustTracker(testContext, clock, room.Profile{UserID: "u1", DisplayName: "Ada"})

	tracker.Heartbeat()

	present := tracker.ListPresent()
	if len(present) != 1 {
		testContext.Fatalf("expected one present user, got %d", len(present))
	}
	if present[0].ID != "u1" || present[0].Name != "Ada" {
		testContext.Fatalf("unexpected present entry: %+v", present[0])
	}
}

func TestUserExpiresAfterTimeout(testContext *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	tracker, _ := mustTracker(testContext, clock, room.Profile{UserID: "u1", DisplayName: "Ada"})

	tracker.Heartbeat()

	clock.Advance(DefaultTimeout + time.Second)
	if present := tracker.ListPresent(); len(present) != 0 {
		testContext.Fatalf("expected user expired after timeout, got %d entries", len(present))
	}

	tracker.Heartbeat()
	if present := tracker.ListPresent(); len(present) != 1 {
		testContext.Fatalf("expected fresh heartbeat to re-include user")
	}
}

func TestUserRenewedWithinTimeoutRemains(testContext *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	tracker, _ := mustTracker(testContext, clock, room.Profile{UserID: "u1", DisplayName: "Ada"})

	tracker.Heartbeat()
	clock.Advance(4 * time.Minute)
	tracker.Heartbeat()
	clock.Advance(4 * time.Minute)

	if present := tracker.ListPresent(); len(present) != 1 {
		testContext.Fatalf("expected renewed user to remain present")
	}
}

func TestSweepRemovesOnlyStaleUsers(testContext *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	tracker, document := mustTracker(testContext, clock, room.Profile{UserID: "u1", DisplayName: "Ada"})

	document.Heartbeat(room.Profile{UserID: "u2", DisplayName: "Grace"}, clock.Now())
	clock.Advance(3 * time.Minute)
	tracker.Heartbeat()
	clock.Advance(3 * time.Minute)

	// u2 last heartbeat 6 minutes ago, u1 only 3
	present := tracker.ListPresent()
	if len(present) != 1 {
		testContext.Fatalf("expected exactly one present user, got %d", len(present))
	}
	if present[0].ID != "u1" {
		testContext.Fatalf("expected u1 to remain, got %s", present[0].ID)
	}
}

func TestHeartbeatInvokesNotify(testContext *testing.T) {
	clock := &manualClock{now: time.UnixMilli(1700000000000).UTC()}
	document, err := room.NewDocument(room.DocumentConfig{
		RoomID:     "room-test",
		Replica:    "replica-a",
		Clock:      clock.Now,
		IDProvider: room.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}

	notified := 0
	tracker, err := NewTracker(TrackerConfig{
		Document: document,
		Profile:  room.Profile{UserID: "u1", DisplayName: "Ada"},
		Clock:    clock.Now,
		Notify:   func() { notified++ },
	})
	if err != nil {
		testContext.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Heartbeat()
	tracker.Heartbeat()
	if notified != 2 {
		testContext.Fatalf("expected notify per heartbeat, got %d", notified)
	}
	if !document.HasPending() {
		testContext.Fatalf("expected heartbeats staged for broadcast")
	}
}
