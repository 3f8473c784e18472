package room

// PollState pairs a poll with its per-user vote choices.
type PollState struct {
	Poll  Poll
	Votes map[UserID]string
}

// Snapshot is an immutable deep copy of a document's state. Slices are
// sorted deterministically, so two converged replicas produce structurally
// equal snapshots.
type Snapshot struct {
	RoomID    RoomID
	Cards     map[CardID]Card
	CardOrder []CardID
	Chat      []ChatMessage
	Polls     map[string]PollState
	Reactions map[CardID]map[UserID]ReactionValue
	Activity  []ActivityRecord
	Present   []PresentUser
}

// Snapshot returns a deep copy of the current state for persistence or
// display. The copy shares no mutable structure with the document.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := Snapshot{
		RoomID:    d.roomID,
		Cards:     make(map[CardID]Card, len(d.cards)),
		CardOrder: d.reconcileOrderLocked(d.order.IDs),
		Chat:      make([]ChatMessage, 0, len(d.chat)),
		Polls:     make(map[string]PollState, len(d.polls)),
		Reactions: make(map[CardID]map[UserID]ReactionValue),
		Activity:  make([]ActivityRecord, 0, len(d.activity)),
		Present:   make([]PresentUser, 0, len(d.present)),
	}

	for id, card := range d.cards {
		if card.Geo != nil {
			geo := *card.Geo
			card.Geo = &geo
		}
		snapshot.Cards[id] = card
	}

	for _, message := range d.chat {
		snapshot.Chat = append(snapshot.Chat, message)
	}
	sortSliceBy(snapshot.Chat, chatBefore)

	for pollID, poll := range d.polls {
		state := PollState{
			Poll:  poll,
			Votes: make(map[UserID]string),
		}
		state.Poll.Options = append([]PollOption{}, poll.Options...)
		for userID, vote := range d.votes[pollID] {
			if pollHasOption(poll, vote.OptionID) {
				state.Votes[userID] = vote.OptionID
			}
		}
		snapshot.Polls[pollID] = state
	}

	for cardID, userReactions := range d.reactions {
		if _, live := d.cards[cardID]; !live {
			continue
		}
		for userID, reaction := range userReactions {
			if reaction.Value == ReactionNone {
				continue
			}
			if snapshot.Reactions[cardID] == nil {
				snapshot.Reactions[cardID] = make(map[UserID]ReactionValue)
			}
			snapshot.Reactions[cardID][userID] = reaction.Value
		}
	}

	for _, record := range d.activity {
		snapshot.Activity = append(snapshot.Activity, record)
	}
	sortSliceBy(snapshot.Activity, func(a, b ActivityRecord) bool {
		if cmp := a.Timestamp.Compare(b.Timestamp); cmp != 0 {
			return cmp < 0
		}
		return a.ID < b.ID
	})

	for _, entry := range d.present {
		snapshot.Present = append(snapshot.Present, entry)
	}
	sortSliceBy(snapshot.Present, func(a, b PresentUser) bool { return a.ID < b.ID })

	return snapshot
}

func chatBefore(a, b ChatMessage) bool {
	if cmp := a.Timestamp.Compare(b.Timestamp); cmp != 0 {
		return cmp < 0
	}
	return a.ID < b.ID
}
