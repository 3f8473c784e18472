package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingRoomID     = errors.New("room identifier is required")
	errMissingReplicaID  = errors.New("replica identifier is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues fresh globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// DocumentConfig describes the inputs required to build a Document.
type DocumentConfig struct {
	RoomID     RoomID
	Replica    string
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Document is one replica's copy of a planning room's shared state. All
// mutation flows through its operation set; local operations apply
// immediately and accumulate into a pending change set for broadcast, so
// no operation ever waits on (or fails because of) the network.
//
// Document is safe for concurrent use by the session's reader goroutine,
// the presence ticker, and UI callers.
type Document struct {
	mu         sync.Mutex
	roomID     RoomID
	replica    string
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	cards     map[CardID]Card
	removals  map[CardID]Stamp
	order     OrderRegister
	chat      map[string]ChatMessage
	polls     map[string]Poll
	votes     map[string]map[UserID]VoteEntry
	reactions map[CardID]map[UserID]ReactionEntry
	activity  map[string]ActivityRecord
	present   map[UserID]PresentUser

	lastStamp Stamp
	pending   Update
}

// NewDocument validates the configuration and returns an empty Document.
func NewDocument(cfg DocumentConfig) (*Document, error) {
	if cfg.RoomID == "" {
		return nil, errMissingRoomID
	}
	if cfg.Replica == "" {
		return nil, errMissingReplicaID
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Document{
		roomID:     cfg.RoomID,
		replica:    cfg.Replica,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		cards:      make(map[CardID]Card),
		removals:   make(map[CardID]Stamp),
		chat:       make(map[string]ChatMessage),
		polls:      make(map[string]Poll),
		votes:      make(map[string]map[UserID]VoteEntry),
		reactions:  make(map[CardID]map[UserID]ReactionEntry),
		activity:   make(map[string]ActivityRecord),
		present:    make(map[UserID]PresentUser),
	}, nil
}

// RoomID returns the room this document replicates.
func (d *Document) RoomID() RoomID {
	return d.roomID
}

// Replica returns this replica's identifier.
func (d *Document) Replica() string {
	return d.replica
}

// nextStamp issues a stamp that is strictly greater than every stamp this
// replica has issued or observed in a merge, even when the wall clock
// stalls or steps back.
func (d *Document) nextStamp() Stamp {
	stamp := Stamp{WallMillis: d.clock().UTC().UnixMilli(), Replica: d.replica}
	if !d.lastStamp.Before(stamp) {
		stamp.WallMillis = d.lastStamp.WallMillis + 1
	}
	d.lastStamp = stamp
	return stamp
}

// AddCard inserts a card and appends it to the display order. The card id
// is caller-generated and must be fresh; reuse of a live id fails with
// ErrDuplicateID.
func (d *Document) AddCard(card Card) (Card, error) {
	if card.ID == "" {
		return Card{}, fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if _, err := NewCardType(string(card.CardType)); err != nil {
		return Card{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.cards[card.ID]; exists {
		return Card{}, fmt.Errorf("%w: card %s", ErrDuplicateID, card.ID)
	}

	stamp := d.nextStamp()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = stamp
	}
	card.UpdatedAt = stamp

	d.cards[card.ID] = card
	d.order = OrderRegister{
		IDs:   appendCardID(d.order.IDs, card.ID),
		Stamp: stamp,
	}

	d.pending.Cards = append(d.pending.Cards, card)
	d.stagePendingOrderLocked()
	return card, nil
}

// UpdateCard replaces the content fields of an existing card, keeping its
// id and creation stamp. Fails with ErrNotFound if the card is not live.
func (d *Document) UpdateCard(card Card) (Card, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.cards[card.ID]
	if !ok {
		return Card{}, fmt.Errorf("%w: card %s", ErrNotFound, card.ID)
	}

	card.CreatedAt = existing.CreatedAt
	if card.AuthorID == "" {
		card.AuthorID = existing.AuthorID
	}
	card.UpdatedAt = d.nextStamp()
	d.cards[card.ID] = card

	d.pending.Cards = append(d.pending.Cards, card)
	return card, nil
}

// RemoveCard removes a card and its order entry. Removing an absent card
// is a no-op so retries stay idempotent.
func (d *Document) RemoveCard(cardID CardID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stamp := d.nextStamp()
	d.removals[cardID] = stamp
	if _, exists := d.cards[cardID]; exists {
		delete(d.cards, cardID)
	}
	d.order = OrderRegister{IDs: withoutCardID(d.order.IDs, cardID), Stamp: stamp}

	d.pending.CardRemovals = append(d.pending.CardRemovals, CardRemoval{ID: cardID, Stamp: stamp})
	d.stagePendingOrderLocked()
}

// ReorderCards replaces the display order wholesale. Unknown ids are
// dropped and missing live cards are appended, preserving the order
// invariant. Concurrent reorders converge to whichever register stamp
// wins on merge.
func (d *Document) ReorderCards(newOrder []CardID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.order = OrderRegister{
		IDs:   d.reconcileOrderLocked(newOrder),
		Stamp: d.nextStamp(),
	}
	d.stagePendingOrderLocked()
}

// ChatMessageInput describes a locally authored chat entry.
type ChatMessageInput struct {
	Author Profile
	Type   MessageType
	Text   string
	PollID string
}

// AddChatMessage appends a chat entry, assigning a fresh id and timestamp.
// The entry is staged for broadcast even while the transport is down;
// chat is never dropped once accepted locally.
func (d *Document) AddChatMessage(input ChatMessageInput) (ChatMessage, error) {
	id, err := d.idProvider.NewID()
	if err != nil {
		return ChatMessage{}, err
	}

	messageType := input.Type
	if messageType == "" {
		messageType = MessageTypeText
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	message := ChatMessage{
		ID:          id,
		AuthorID:    input.Author.UserID,
		DisplayName: input.Author.DisplayName,
		Avatar:      input.Author.AvatarURL,
		Timestamp:   d.nextStamp(),
		Type:        messageType,
		Text:        input.Text,
		PollID:      input.PollID,
	}
	d.chat[message.ID] = message
	d.pending.Chat = append(d.pending.Chat, message)
	return message, nil
}

// AddPoll inserts a poll. The poll id is caller-generated and must be
// fresh; reuse of a live id fails with ErrDuplicateID.
func (d *Document) AddPoll(poll Poll) (Poll, error) {
	if poll.ID == "" {
		return Poll{}, fmt.Errorf("%w: empty", ErrInvalidPollID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.polls[poll.ID]; exists {
		return Poll{}, fmt.Errorf("%w: poll %s", ErrDuplicateID, poll.ID)
	}
	if poll.CreatedAt.IsZero() {
		poll.CreatedAt = d.nextStamp()
	}
	poll.Options = append([]PollOption{}, poll.Options...)
	d.polls[poll.ID] = poll
	d.pending.Polls = append(d.pending.Polls, poll)
	return poll, nil
}

// CastVote registers userID on exactly one option of a poll, replacing any
// previous choice. The replacement is a single atomic entry keyed by user,
// so concurrent casts by the same user converge to one option on every
// replica. Fails with ErrNotFound if the poll or option does not exist.
func (d *Document) CastVote(pollID, optionID string, userID UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	poll, ok := d.polls[pollID]
	if !ok {
		return fmt.Errorf("%w: poll %s", ErrNotFound, pollID)
	}
	if !pollHasOption(poll, optionID) {
		return fmt.Errorf("%w: option %s in poll %s", ErrNotFound, optionID, pollID)
	}

	entry := VoteEntry{
		PollID:   pollID,
		UserID:   userID,
		OptionID: optionID,
		Stamp:    d.nextStamp(),
	}
	if d.votes[pollID] == nil {
		d.votes[pollID] = make(map[UserID]VoteEntry)
	}
	d.votes[pollID][userID] = entry
	d.pending.Votes = append(d.pending.Votes, entry)
	return nil
}

// SetReaction records userID's reaction to a card, ReactionNone clearing
// it. Concurrent sets resolve last-writer-wins on the entry stamp. The
// card need not be locally known yet; the entry merges once it arrives.
func (d *Document) SetReaction(cardID CardID, userID UserID, value ReactionValue) error {
	if _, err := NewReactionValue(string(value)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry := ReactionEntry{
		CardID: cardID,
		UserID: userID,
		Value:  value,
		Stamp:  d.nextStamp(),
	}
	if d.reactions[cardID] == nil {
		d.reactions[cardID] = make(map[UserID]ReactionEntry)
	}
	d.reactions[cardID][userID] = entry
	d.pending.Reactions = append(d.pending.Reactions, entry)
	return nil
}

// AddActivity appends an audit record. The document never deduplicates by
// content; callers reuse an id only when re-recording the same event.
func (d *Document) AddActivity(record ActivityRecord) (ActivityRecord, error) {
	if record.ID == "" {
		id, err := d.idProvider.NewID()
		if err != nil {
			return ActivityRecord{}, err
		}
		record.ID = id
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if record.Timestamp.IsZero() {
		record.Timestamp = d.nextStamp()
	}
	d.activity[record.ID] = record
	d.pending.Activity = append(d.pending.Activity, record)
	return record, nil
}

// Heartbeat upserts the presence entry for a user, refreshing its
// last-active wall clock. First heartbeat from a user records the join
// time.
func (d *Document) Heartbeat(profile Profile, now time.Time) PresentUser {
	d.mu.Lock()
	defer d.mu.Unlock()

	nowMS := now.UTC().UnixMilli()
	entry, exists := d.present[profile.UserID]
	if !exists {
		entry = PresentUser{
			ID:         profile.UserID,
			JoinedAtMS: nowMS,
		}
	}
	entry.Name = profile.DisplayName
	entry.Email = profile.Email
	entry.Avatar = profile.AvatarURL
	entry.LastActiveMS = nowMS
	d.present[profile.UserID] = entry

	d.pending.Presence = append(d.pending.Presence, entry)
	return entry
}

// SweepPresence drops presence entries idle for longer than timeout.
// Expiry is evaluated from wall-clock heartbeats so any replica computes
// the same result without a coordinating server; sweeps are idempotent
// and never broadcast.
func (d *Document) SweepPresence(now time.Time, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.UTC().Add(-timeout).UnixMilli()
	for userID, entry := range d.present {
		if entry.LastActiveMS < cutoff {
			delete(d.present, userID)
		}
	}
}

// TakePending drains the accumulated local change set for broadcast.
// Returns false when nothing is staged.
func (d *Document) TakePending() (Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending.IsEmpty() {
		return Update{}, false
	}
	update := d.pending
	update.RoomID = d.roomID
	update.Replica = d.replica
	d.pending = Update{}
	return update, true
}

// HasPending reports whether local changes await broadcast.
func (d *Document) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.pending.IsEmpty()
}

// stagePendingOrderLocked records the current order register in the
// pending change set, replacing any earlier staged register (only the
// latest can win on the receiving side anyway).
func (d *Document) stagePendingOrderLocked() {
	register := OrderRegister{
		IDs:   append([]CardID{}, d.order.IDs...),
		Stamp: d.order.Stamp,
	}
	d.pending.Order = &register
}

// reconcileOrderLocked projects ids onto the order invariant: duplicates
// and references to non-live cards drop, live cards the input misses
// append in id order so every replica projects identically. The result
// is never written back into the stored register: a register entry whose
// card has not arrived yet must survive until it does, so the invariant
// is restored on read instead of in state.
func (d *Document) reconcileOrderLocked(ids []CardID) []CardID {
	seen := make(map[CardID]bool, len(ids))
	reconciled := make([]CardID, 0, len(d.cards))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if _, live := d.cards[id]; !live {
			continue
		}
		seen[id] = true
		reconciled = append(reconciled, id)
	}

	missing := make([]CardID, 0)
	for id := range d.cards {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return append(reconciled, missing...)
}

func appendCardID(ids []CardID, cardID CardID) []CardID {
	appended := make([]CardID, 0, len(ids)+1)
	for _, id := range ids {
		if id != cardID {
			appended = append(appended, id)
		}
	}
	return append(appended, cardID)
}

func withoutCardID(ids []CardID, cardID CardID) []CardID {
	filtered := make([]CardID, 0, len(ids))
	for _, id := range ids {
		if id != cardID {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

func pollHasOption(poll Poll, optionID string) bool {
	for _, option := range poll.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}
