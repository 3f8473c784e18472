package room

import (
	"sort"

	"go.uber.org/zap"
)

const mergeAnomalyMessage = "room merge anomaly"

// ApplyUpdate merges a remote-origin change set into local state. The
// merge is commutative, associative, and idempotent field by field:
// applying the same update twice, or two updates in either order, yields
// the same state. Malformed entries are logged and dropped rather than
// propagated, so one bad update can never corrupt the document; the call
// itself never fails.
func (d *Document) ApplyUpdate(update Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mergeRemovalsLocked(update.CardRemovals)
	d.mergeCardsLocked(update.Cards)
	d.mergeOrderLocked(update.Order)
	d.mergeChatLocked(update.Chat)
	d.mergePollsLocked(update.Polls)
	d.mergeVotesLocked(update.Votes)
	d.mergeReactionsLocked(update.Reactions)
	d.mergeActivityLocked(update.Activity)
	d.mergePresenceLocked(update.Presence)

	d.observeStampsLocked(update)
}

// observeStampsLocked advances the local clock past every stamp the
// update carries. Without this a replica whose wall clock trails a peer
// would keep issuing stamps that lose to state it has already absorbed,
// and its writes would apply locally yet never win on other replicas.
func (d *Document) observeStampsLocked(update Update) {
	observed := d.lastStamp.WallMillis
	note := func(stamp Stamp) {
		if stamp.WallMillis > observed {
			observed = stamp.WallMillis
		}
	}

	for _, card := range update.Cards {
		note(card.CreatedAt)
		note(card.UpdatedAt)
	}
	for _, removal := range update.CardRemovals {
		note(removal.Stamp)
	}
	if update.Order != nil {
		note(update.Order.Stamp)
	}
	for _, message := range update.Chat {
		note(message.Timestamp)
	}
	for _, poll := range update.Polls {
		note(poll.CreatedAt)
	}
	for _, vote := range update.Votes {
		note(vote.Stamp)
	}
	for _, reaction := range update.Reactions {
		note(reaction.Stamp)
	}
	for _, record := range update.Activity {
		note(record.Timestamp)
	}

	if observed > d.lastStamp.WallMillis {
		d.lastStamp = Stamp{WallMillis: observed, Replica: d.replica}
	}
}

func (d *Document) mergeCardsLocked(cards []Card) {
	for _, card := range cards {
		if card.ID == "" || card.UpdatedAt.IsZero() {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "cards"),
				zap.String("reason", "missing id or stamp"))
			continue
		}
		if tombstone, removed := d.removals[card.ID]; removed && !tombstone.Before(card.UpdatedAt) {
			continue
		}
		if existing, live := d.cards[card.ID]; live && !existing.UpdatedAt.Before(card.UpdatedAt) {
			continue
		}
		d.cards[card.ID] = card
	}
}

func (d *Document) mergeRemovalsLocked(removals []CardRemoval) {
	for _, removal := range removals {
		if removal.ID == "" || removal.Stamp.IsZero() {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "card_removals"),
				zap.String("reason", "missing id or stamp"))
			continue
		}
		if tombstone, exists := d.removals[removal.ID]; !exists || tombstone.Before(removal.Stamp) {
			d.removals[removal.ID] = removal.Stamp
		}
		if card, live := d.cards[removal.ID]; live && !removal.Stamp.Before(card.UpdatedAt) {
			delete(d.cards, removal.ID)
		}
	}
}

func (d *Document) mergeOrderLocked(register *OrderRegister) {
	if register == nil {
		return
	}
	if register.Stamp.IsZero() {
		d.logger.Warn(mergeAnomalyMessage,
			zap.String("section", "order"),
			zap.String("reason", "missing stamp"))
		return
	}
	if d.order.Stamp.Before(register.Stamp) {
		d.order = OrderRegister{
			IDs:   append([]CardID{}, register.IDs...),
			Stamp: register.Stamp,
		}
	}
}

func (d *Document) mergeChatLocked(messages []ChatMessage) {
	for _, message := range messages {
		if message.ID == "" {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "chat"),
				zap.String("reason", "missing id"))
			continue
		}
		// append-only: an already-merged entry is never replaced
		if _, exists := d.chat[message.ID]; exists {
			continue
		}
		d.chat[message.ID] = message
	}
}

func (d *Document) mergePollsLocked(polls []Poll) {
	for _, poll := range polls {
		if poll.ID == "" {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "polls"),
				zap.String("reason", "missing id"))
			continue
		}
		// first writer by create stamp owns the poll metadata
		if existing, exists := d.polls[poll.ID]; exists && !poll.CreatedAt.Before(existing.CreatedAt) {
			continue
		}
		poll.Options = append([]PollOption{}, poll.Options...)
		d.polls[poll.ID] = poll
	}
}

func (d *Document) mergeVotesLocked(votes []VoteEntry) {
	for _, vote := range votes {
		if vote.PollID == "" || vote.UserID == "" || vote.Stamp.IsZero() {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "votes"),
				zap.String("reason", "missing key or stamp"))
			continue
		}
		// the poll itself may arrive in a later update; keep the vote
		if d.votes[vote.PollID] == nil {
			d.votes[vote.PollID] = make(map[UserID]VoteEntry)
		}
		if existing, exists := d.votes[vote.PollID][vote.UserID]; exists && !existing.Stamp.Before(vote.Stamp) {
			continue
		}
		d.votes[vote.PollID][vote.UserID] = vote
	}
}

func (d *Document) mergeReactionsLocked(reactions []ReactionEntry) {
	for _, reaction := range reactions {
		if reaction.CardID == "" || reaction.UserID == "" || reaction.Stamp.IsZero() {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "reactions"),
				zap.String("reason", "missing key or stamp"))
			continue
		}
		if _, err := NewReactionValue(string(reaction.Value)); err != nil {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "reactions"),
				zap.String("reason", "unknown value"),
				zap.String("value", string(reaction.Value)))
			continue
		}
		if d.reactions[reaction.CardID] == nil {
			d.reactions[reaction.CardID] = make(map[UserID]ReactionEntry)
		}
		if existing, exists := d.reactions[reaction.CardID][reaction.UserID]; exists && !existing.Stamp.Before(reaction.Stamp) {
			continue
		}
		d.reactions[reaction.CardID][reaction.UserID] = reaction
	}
}

func (d *Document) mergeActivityLocked(records []ActivityRecord) {
	for _, record := range records {
		if record.ID == "" {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "activity"),
				zap.String("reason", "missing id"))
			continue
		}
		if _, exists := d.activity[record.ID]; exists {
			continue
		}
		d.activity[record.ID] = record
	}
}

func (d *Document) mergePresenceLocked(entries []PresentUser) {
	for _, entry := range entries {
		if entry.ID == "" {
			d.logger.Warn(mergeAnomalyMessage,
				zap.String("section", "presence"),
				zap.String("reason", "missing id"))
			continue
		}
		existing, exists := d.present[entry.ID]
		if !exists {
			d.present[entry.ID] = entry
			continue
		}
		// field-wise merge so either application order lands on the same
		// entry: the freshest heartbeat owns the identity fields, the join
		// time is the earliest either side recorded
		merged := existing
		if entry.LastActiveMS > existing.LastActiveMS {
			merged.Name = entry.Name
			merged.Email = entry.Email
			merged.Avatar = entry.Avatar
			merged.LastActiveMS = entry.LastActiveMS
		}
		if entry.JoinedAtMS > 0 && (merged.JoinedAtMS == 0 || entry.JoinedAtMS < merged.JoinedAtMS) {
			merged.JoinedAtMS = entry.JoinedAtMS
		}
		d.present[entry.ID] = merged
	}
}

// FullUpdate renders the entire document as one change set for resync.
// Applying it to any replica is safe: every section merges idempotently,
// so duplicated state is absorbed.
func (d *Document) FullUpdate() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := Update{RoomID: d.roomID, Replica: d.replica}

	for _, card := range d.cards {
		update.Cards = append(update.Cards, card)
	}
	for cardID, stamp := range d.removals {
		update.CardRemovals = append(update.CardRemovals, CardRemoval{ID: cardID, Stamp: stamp})
	}
	if len(d.order.IDs) > 0 || !d.order.Stamp.IsZero() {
		register := OrderRegister{
			IDs:   append([]CardID{}, d.order.IDs...),
			Stamp: d.order.Stamp,
		}
		update.Order = &register
	}
	for _, message := range d.chat {
		update.Chat = append(update.Chat, message)
	}
	for _, poll := range d.polls {
		poll.Options = append([]PollOption{}, poll.Options...)
		update.Polls = append(update.Polls, poll)
	}
	for _, userVotes := range d.votes {
		for _, vote := range userVotes {
			update.Votes = append(update.Votes, vote)
		}
	}
	for _, userReactions := range d.reactions {
		for _, reaction := range userReactions {
			update.Reactions = append(update.Reactions, reaction)
		}
	}
	for _, record := range d.activity {
		update.Activity = append(update.Activity, record)
	}
	for _, entry := range d.present {
		update.Presence = append(update.Presence, entry)
	}

	sortUpdateSections(&update)
	return update
}

// sortUpdateSections gives full updates a stable section order so two
// replicas holding the same state emit identical payloads.
func sortUpdateSections(update *Update) {
	sortSliceBy(update.Cards, func(a, b Card) bool { return a.ID < b.ID })
	sortSliceBy(update.CardRemovals, func(a, b CardRemoval) bool { return a.ID < b.ID })
	sortSliceBy(update.Chat, func(a, b ChatMessage) bool { return a.ID < b.ID })
	sortSliceBy(update.Polls, func(a, b Poll) bool { return a.ID < b.ID })
	sortSliceBy(update.Votes, func(a, b VoteEntry) bool {
		if a.PollID != b.PollID {
			return a.PollID < b.PollID
		}
		return a.UserID < b.UserID
	})
	sortSliceBy(update.Reactions, func(a, b ReactionEntry) bool {
		if a.CardID != b.CardID {
			return a.CardID < b.CardID
		}
		return a.UserID < b.UserID
	})
	sortSliceBy(update.Activity, func(a, b ActivityRecord) bool { return a.ID < b.ID })
	sortSliceBy(update.Presence, func(a, b PresentUser) bool { return a.ID < b.ID })
}

func sortSliceBy[T any](items []T, less func(a, b T) bool) {
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
}

