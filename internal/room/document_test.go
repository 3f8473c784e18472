package room

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

func mustDocument(testContext *testing.T, replica string) *Document {
	testContext.Helper()
	document, err := NewDocument(DocumentConfig{
		RoomID:     "room-test",
		Replica:    replica,
		Clock:      func() time.Time { return time.UnixMilli(1700000000000).UTC() },
		IDProvider: &sequenceIDProvider{prefix: replica},
	})
	if err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}
	return document
}

func mustAddCard(testContext *testing.T, document *Document, id CardID, content string) Card {
	testContext.Helper()
	card, err := document.AddCard(Card{
		ID:       id,
		Content:  content,
		CardType: CardTypeWhere,
		AuthorID: "user-1",
	})
	if err != nil {
		testContext.Fatalf("add card %s failed: %v", id, err)
	}
	return card
}

func assertOrderInvariant(testContext *testing.T, document *Document) {
	testContext.Helper()
	snapshot := document.Snapshot()
	seen := make(map[CardID]int)
	for _, id := range snapshot.CardOrder {
		seen[id]++
		if _, live := snapshot.Cards[id]; !live {
			testContext.Fatalf("order references missing card %s", id)
		}
	}
	for id, count := range seen {
		if count != 1 {
			testContext.Fatalf("card %s appears %d times in order", id, count)
		}
	}
	if len(snapshot.CardOrder) != len(snapshot.Cards) {
		testContext.Fatalf("order has %d entries for %d cards", len(snapshot.CardOrder), len(snapshot.Cards))
	}
}

func TestAddCardRejectsDuplicateID(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")

	_, err := document.AddCard(Card{ID: "c1", Content: "Again", CardType: CardTypeWhere})
	if !errors.Is(err, ErrDuplicateID) {
		testContext.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRemoveCardIsIdempotent(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")

	document.RemoveCard("c1")
	document.RemoveCard("c1")
	document.RemoveCard("never-existed")

	assertOrderInvariant(testContext, document)
	if len(document.Snapshot().Cards) != 0 {
		testContext.Fatalf("expected no live cards after removal")
	}
}

func TestReorderCardsReconcilesUnknownAndMissing(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")
	mustAddCard(testContext, document, "c2", "Hiking")
	mustAddCard(testContext, document, "c3", "Museum")

	// unknown id dropped, c3 left out and re-appended
	document.ReorderCards([]CardID{"c2", "ghost", "c1"})

	snapshot := document.Snapshot()
	expected := []CardID{"c2", "c1", "c3"}
	if len(snapshot.CardOrder) != len(expected) {
		testContext.Fatalf("expected order %v, got %v", expected, snapshot.CardOrder)
	}
	for i, id := range expected {
		if snapshot.CardOrder[i] != id {
			testContext.Fatalf("expected order %v, got %v", expected, snapshot.CardOrder)
		}
	}
	assertOrderInvariant(testContext, document)
}

func TestOrderInvariantHoldsAcrossOperations(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")
	mustAddCard(testContext, document, "c2", "Hiking")
	document.RemoveCard("c1")
	mustAddCard(testContext, document, "c3", "Museum")
	document.ReorderCards([]CardID{"c3"})
	document.RemoveCard("c2")

	assertOrderInvariant(testContext, document)
}

func TestChatMessagesAreAppendOnly(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	author := Profile{UserID: "user-1", DisplayName: "Ada"}

	lengths := make([]int, 0, 4)
	for i := 0; i < 3; i++ {
		if _, err := document.AddChatMessage(ChatMessageInput{Author: author, Text: fmt.Sprintf("hello %d", i)}); err != nil {
			testContext.Fatalf("add chat message failed: %v", err)
		}
		lengths = append(lengths, len(document.Snapshot().Chat))
	}
	document.RemoveCard("c-unrelated")
	lengths = append(lengths, len(document.Snapshot().Chat))

	for i := 1; i < len(lengths); i++ {
		if lengths[i] < lengths[i-1] {
			testContext.Fatalf("chat length shrank from %d to %d", lengths[i-1], lengths[i])
		}
	}
	if lengths[len(lengths)-1] != 3 {
		testContext.Fatalf("expected 3 chat messages, got %d", lengths[len(lengths)-1])
	}
}

func TestChatTimestampsMonotonicPerAuthor(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	author := Profile{UserID: "user-1", DisplayName: "Ada"}

	first, err := document.AddChatMessage(ChatMessageInput{Author: author, Text: "one"})
	if err != nil {
		testContext.Fatalf("add chat message failed: %v", err)
	}
	second, err := document.AddChatMessage(ChatMessageInput{Author: author, Text: "two"})
	if err != nil {
		testContext.Fatalf("add chat message failed: %v", err)
	}
	if !first.Timestamp.Before(second.Timestamp) {
		testContext.Fatalf("expected strictly increasing timestamps, got %v then %v", first.Timestamp, second.Timestamp)
	}
}

func mustAddPoll(testContext *testing.T, document *Document, pollID string) Poll {
	testContext.Helper()
	poll, err := document.AddPoll(Poll{
		ID:       pollID,
		Question: "Where to?",
		Options: []PollOption{
			{ID: "opt-a", Text: "Beach"},
			{ID: "opt-b", Text: "Mountains"},
		},
		CreatedBy: "user-1",
	})
	if err != nil {
		testContext.Fatalf("add poll failed: %v", err)
	}
	return poll
}

func TestCastVoteIsExclusivePerUser(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddPoll(testContext, document, "poll-1")

	if err := document.CastVote("poll-1", "opt-a", "u1"); err != nil {
		testContext.Fatalf("cast vote failed: %v", err)
	}
	if err := document.CastVote("poll-1", "opt-b", "u1"); err != nil {
		testContext.Fatalf("cast vote failed: %v", err)
	}

	tally, ok := TallyPoll(document.Snapshot(), "poll-1", "u1")
	if !ok {
		testContext.Fatalf("expected poll to exist")
	}
	if tally.CountByOption["opt-a"] != 0 || tally.CountByOption["opt-b"] != 1 {
		testContext.Fatalf("expected vote to move to opt-b, got %v", tally.CountByOption)
	}
	if tally.CallerOption != "opt-b" {
		testContext.Fatalf("expected caller option opt-b, got %q", tally.CallerOption)
	}
}

func TestCastVoteUnknownPollOrOption(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddPoll(testContext, document, "poll-1")

	if err := document.CastVote("poll-missing", "opt-a", "u1"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound for unknown poll, got %v", err)
	}
	if err := document.CastVote("poll-1", "opt-missing", "u1"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound for unknown option, got %v", err)
	}
}

func TestSetReactionIsIdempotent(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")

	if err := document.SetReaction("c1", "u1", ReactionLike); err != nil {
		testContext.Fatalf("set reaction failed: %v", err)
	}
	once := CardReactions(document.Snapshot(), "c1")

	if err := document.SetReaction("c1", "u1", ReactionLike); err != nil {
		testContext.Fatalf("set reaction failed: %v", err)
	}
	twice := CardReactions(document.Snapshot(), "c1")

	if len(once) != 1 || len(twice) != 1 || once["u1"] != ReactionLike || twice["u1"] != ReactionLike {
		testContext.Fatalf("expected identical single like, got %v then %v", once, twice)
	}
}

func TestSetReactionClear(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")

	if err := document.SetReaction("c1", "u1", ReactionDislike); err != nil {
		testContext.Fatalf("set reaction failed: %v", err)
	}
	if err := document.SetReaction("c1", "u1", ReactionNone); err != nil {
		testContext.Fatalf("clear reaction failed: %v", err)
	}
	if reactions := CardReactions(document.Snapshot(), "c1"); len(reactions) != 0 {
		testContext.Fatalf("expected cleared reaction, got %v", reactions)
	}
}

func TestSetReactionRejectsUnknownValue(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	if err := document.SetReaction("c1", "u1", ReactionValue("meh")); !errors.Is(err, ErrInvalidReaction) {
		testContext.Fatalf("expected ErrInvalidReaction, got %v", err)
	}
}

func TestHeartbeatAndSweep(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	profile := Profile{UserID: "u1", DisplayName: "Ada"}

	start := time.UnixMilli(1700000000000).UTC()
	document.Heartbeat(profile, start)

	document.SweepPresence(start.Add(time.Minute), 5*time.Minute)
	if present := document.Snapshot().Present; len(present) != 1 {
		testContext.Fatalf("expected user present within timeout, got %d entries", len(present))
	}

	document.SweepPresence(start.Add(5*time.Minute+time.Second), 5*time.Minute)
	if present := document.Snapshot().Present; len(present) != 0 {
		testContext.Fatalf("expected user expired, got %d entries", len(present))
	}

	document.Heartbeat(profile, start.Add(6*time.Minute))
	if present := document.Snapshot().Present; len(present) != 1 {
		testContext.Fatalf("expected fresh heartbeat to re-include user")
	}
}

func TestHeartbeatPreservesJoinTime(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	profile := Profile{UserID: "u1", DisplayName: "Ada"}

	start := time.UnixMilli(1700000000000).UTC()
	first := document.Heartbeat(profile, start)
	second := document.Heartbeat(profile, start.Add(30*time.Second))

	if second.JoinedAtMS != first.JoinedAtMS {
		testContext.Fatalf("expected join time preserved, got %d then %d", first.JoinedAtMS, second.JoinedAtMS)
	}
	if second.LastActiveMS <= first.LastActiveMS {
		testContext.Fatalf("expected last active to advance")
	}
}

func TestTakePendingDrainsOnce(testContext *testing.T) {
	document := mustDocument(testContext, "replica-a")
	mustAddCard(testContext, document, "c1", "Beach House")

	update, ok := document.TakePending()
	if !ok {
		testContext.Fatalf("expected pending changes")
	}
	if len(update.Cards) != 1 || update.Order == nil {
		testContext.Fatalf("expected card and order in pending update")
	}
	if _, again := document.TakePending(); again {
		testContext.Fatalf("expected pending to be drained")
	}
}
