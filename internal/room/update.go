package room

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidUpdate indicates that an update payload could not be decoded.
var ErrInvalidUpdate = errors.New("room: invalid update payload")

// CardRemoval is a tombstone for a removed card. The stamp decides whether
// the removal wins against a concurrent card write.
type CardRemoval struct {
	ID    CardID `json:"id"`
	Stamp Stamp  `json:"stamp"`
}

// OrderRegister is the whole-value card ordering register. Concurrent
// reorders resolve last-writer-wins on the stamp.
type OrderRegister struct {
	IDs   []CardID `json:"ids"`
	Stamp Stamp    `json:"stamp"`
}

// VoteEntry records one user's current poll choice. A cast replaces the
// user's previous entry atomically, so replicas can never hold a user in
// two options at once.
type VoteEntry struct {
	PollID   string `json:"poll_id"`
	UserID   UserID `json:"user_id"`
	OptionID string `json:"option_id"`
	Stamp    Stamp  `json:"stamp"`
}

// ReactionEntry records one user's reaction to one card. An empty Value is
// a clear that still carries a stamp so a stale set cannot resurrect it.
type ReactionEntry struct {
	CardID CardID        `json:"card_id"`
	UserID UserID        `json:"user_id"`
	Value  ReactionValue `json:"value"`
	Stamp  Stamp         `json:"stamp"`
}

// Update is a mergeable change set exchanged between replicas. Every
// section merges independently and idempotently, so an Update may be
// applied twice, out of order, or interleaved with others without
// divergence. A full-state Update is just a change set that happens to
// carry everything.
type Update struct {
	RoomID       RoomID           `json:"room_id,omitempty"`
	Replica      string           `json:"replica,omitempty"`
	Cards        []Card           `json:"cards,omitempty"`
	CardRemovals []CardRemoval    `json:"card_removals,omitempty"`
	Order        *OrderRegister   `json:"order,omitempty"`
	Chat         []ChatMessage    `json:"chat,omitempty"`
	Polls        []Poll           `json:"polls,omitempty"`
	Votes        []VoteEntry      `json:"votes,omitempty"`
	Reactions    []ReactionEntry  `json:"reactions,omitempty"`
	Activity     []ActivityRecord `json:"activity,omitempty"`
	Presence     []PresentUser    `json:"presence,omitempty"`
}

// IsEmpty reports whether the update carries no changes.
func (u Update) IsEmpty() bool {
	return len(u.Cards) == 0 &&
		len(u.CardRemovals) == 0 &&
		u.Order == nil &&
		len(u.Chat) == 0 &&
		len(u.Polls) == 0 &&
		len(u.Votes) == 0 &&
		len(u.Reactions) == 0 &&
		len(u.Activity) == 0 &&
		len(u.Presence) == 0
}

// EncodeUpdate renders an update as transport bytes.
func EncodeUpdate(update Update) ([]byte, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return payload, nil
}

// DecodeUpdate parses transport bytes into an update.
func DecodeUpdate(payload []byte) (Update, error) {
	if len(payload) == 0 {
		return Update{}, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return update, nil
}
