package room

// View projections: pure functions over a Snapshot, recomputed on every
// document change by whoever consumes them.

// OrderedCards resolves the display order to card records. Ids without a
// live card are skipped; the order invariant makes that impossible after
// reconciliation, but corrupted input must not surface as a phantom card.
func OrderedCards(snapshot Snapshot) []Card {
	cards := make([]Card, 0, len(snapshot.CardOrder))
	for _, id := range snapshot.CardOrder {
		if card, ok := snapshot.Cards[id]; ok {
			cards = append(cards, card)
		}
	}
	return cards
}

// ChatTimeline returns chat messages ordered by (timestamp, id).
func ChatTimeline(snapshot Snapshot) []ChatMessage {
	timeline := append([]ChatMessage{}, snapshot.Chat...)
	sortSliceBy(timeline, chatBefore)
	return timeline
}

// PollTally summarizes one poll for display.
type PollTally struct {
	Poll           Poll
	CountByOption  map[string]int
	VotersByOption map[string][]UserID
	CallerOption   string
}

// TallyPoll counts votes per option and reports the calling user's current
// choice, if any. Returns false when the poll is unknown.
func TallyPoll(snapshot Snapshot, pollID string, caller UserID) (PollTally, bool) {
	state, ok := snapshot.Polls[pollID]
	if !ok {
		return PollTally{}, false
	}

	tally := PollTally{
		Poll:           state.Poll,
		CountByOption:  make(map[string]int, len(state.Poll.Options)),
		VotersByOption: make(map[string][]UserID, len(state.Poll.Options)),
	}
	for _, option := range state.Poll.Options {
		tally.CountByOption[option.ID] = 0
	}
	for userID, optionID := range state.Votes {
		tally.CountByOption[optionID]++
		tally.VotersByOption[optionID] = append(tally.VotersByOption[optionID], userID)
		if userID == caller {
			tally.CallerOption = optionID
		}
	}
	for optionID := range tally.VotersByOption {
		sortSliceBy(tally.VotersByOption[optionID], func(a, b UserID) bool { return a < b })
	}
	return tally, true
}

// CardReactions returns the per-user reactions recorded for a card.
// Cleared reactions are absent.
func CardReactions(snapshot Snapshot, cardID CardID) map[UserID]ReactionValue {
	reactions := make(map[UserID]ReactionValue, len(snapshot.Reactions[cardID]))
	for userID, value := range snapshot.Reactions[cardID] {
		reactions[userID] = value
	}
	return reactions
}
