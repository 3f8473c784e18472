package room

import (
	"testing"
)

func TestOrderedCardsSkipsUnknownIDs(testContext *testing.T) {
	snapshot := Snapshot{
		Cards: map[CardID]Card{
			"c1": {ID: "c1", Content: "Beach House"},
		},
		CardOrder: []CardID{"c1", "corrupted"},
	}

	cards := OrderedCards(snapshot)
	if len(cards) != 1 {
		testContext.Fatalf("expected one resolved card, got %d", len(cards))
	}
	if cards[0].ID != "c1" {
		testContext.Fatalf("expected c1, got %s", cards[0].ID)
	}
}

func TestChatTimelineOrdersByTimestampThenID(testContext *testing.T) {
	snapshot := Snapshot{
		Chat: []ChatMessage{
			{ID: "m-b", Timestamp: Stamp{WallMillis: 10, Replica: "a"}},
			{ID: "m-a", Timestamp: Stamp{WallMillis: 10, Replica: "a"}},
			{ID: "m-c", Timestamp: Stamp{WallMillis: 5, Replica: "b"}},
		},
	}

	timeline := ChatTimeline(snapshot)
	expected := []string{"m-c", "m-a", "m-b"}
	for i, id := range expected {
		if timeline[i].ID != id {
			testContext.Fatalf("expected timeline %v, got %v", expected, timeline)
		}
	}
}

func TestTallyPollCountsAndCallerChoice(testContext *testing.T) {
	snapshot := Snapshot{
		Polls: map[string]PollState{
			"poll-1": {
				Poll: Poll{
					ID:       "poll-1",
					Question: "Where to?",
					Options: []PollOption{
						{ID: "opt-a", Text: "Beach"},
						{ID: "opt-b", Text: "Mountains"},
					},
				},
				Votes: map[UserID]string{
					"u1": "opt-a",
					"u2": "opt-a",
					"u3": "opt-b",
				},
			},
		},
	}

	tally, ok := TallyPoll(snapshot, "poll-1", "u3")
	if !ok {
		testContext.Fatalf("expected poll to exist")
	}
	if tally.CountByOption["opt-a"] != 2 || tally.CountByOption["opt-b"] != 1 {
		testContext.Fatalf("unexpected counts: %v", tally.CountByOption)
	}
	if tally.CallerOption != "opt-b" {
		testContext.Fatalf("expected caller option opt-b, got %q", tally.CallerOption)
	}

	if _, ok := TallyPoll(snapshot, "poll-missing", "u1"); ok {
		testContext.Fatalf("expected missing poll to report false")
	}
}
