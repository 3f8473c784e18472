package room

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("room: invalid room id")
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("room: invalid card id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("room: invalid user id")
	// ErrInvalidPollID indicates that a poll identifier is empty.
	ErrInvalidPollID = errors.New("room: invalid poll id")
	// ErrInvalidCardType indicates that a card type is not one of the supported kinds.
	ErrInvalidCardType = errors.New("room: invalid card type")
	// ErrInvalidReaction indicates that a reaction value is not one of the supported kinds.
	ErrInvalidReaction = errors.New("room: invalid reaction value")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Stamp is a logical timestamp ordering otherwise-concurrent writes. Two
// stamps compare by wall milliseconds first and by replica id on ties, so
// every replica resolves the same winner.
type Stamp struct {
	WallMillis int64  `json:"wall_ms"`
	Replica    string `json:"replica"`
}

// Compare returns -1, 0, or 1 ordering the receiver against other.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.WallMillis < other.WallMillis:
		return -1
	case s.WallMillis > other.WallMillis:
		return 1
	case s.Replica < other.Replica:
		return -1
	case s.Replica > other.Replica:
		return 1
	default:
		return 0
	}
}

// Before reports whether the receiver orders strictly before other.
func (s Stamp) Before(other Stamp) bool {
	return s.Compare(other) < 0
}

// IsZero reports whether the stamp carries no value.
func (s Stamp) IsZero() bool {
	return s.WallMillis == 0 && s.Replica == ""
}

// CardType enumerates the supported planning card kinds.
type CardType string

const (
	// CardTypeWhat marks an activity or idea card.
	CardTypeWhat CardType = "what"
	// CardTypeWhere marks a location card.
	CardTypeWhere CardType = "where"
)

// NewCardType validates raw input and returns a CardType.
func NewCardType(rawInput string) (CardType, error) {
	switch CardType(rawInput) {
	case CardTypeWhat, CardTypeWhere:
		return CardType(rawInput), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCardType, rawInput)
	}
}

// Geo captures an optional latitude/longitude pair attached to a card.
type Geo struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Card is one shared planning card. UpdatedAt doubles as the card's
// last-writer stamp for merge resolution.
type Card struct {
	ID        CardID   `json:"id"`
	Content   string   `json:"content"`
	Notes     string   `json:"notes,omitempty"`
	CardType  CardType `json:"card_type"`
	Geo       *Geo     `json:"geo,omitempty"`
	AuthorID  UserID   `json:"author_id"`
	CreatedAt Stamp    `json:"created_at"`
	UpdatedAt Stamp    `json:"updated_at"`
}

// MessageType enumerates chat entry kinds.
type MessageType string

const (
	// MessageTypeText is a plain text chat entry.
	MessageTypeText MessageType = "text"
	// MessageTypePoll is a chat entry referencing a poll.
	MessageTypePoll MessageType = "poll"
)

// ChatMessage is one append-only chat log entry. Entries are never mutated
// or removed once merged.
type ChatMessage struct {
	ID          string      `json:"id"`
	AuthorID    UserID      `json:"author_id"`
	DisplayName string      `json:"display_name"`
	Avatar      string      `json:"avatar,omitempty"`
	Timestamp   Stamp       `json:"timestamp"`
	Type        MessageType `json:"type"`
	Text        string      `json:"text,omitempty"`
	PollID      string      `json:"poll_id,omitempty"`
}

// PollOption is one votable choice within a poll. Vote membership is not
// stored on the option; see Poll votes.
type PollOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Poll is a shared poll attached to the chat log. Votes are held per user
// rather than per option so a merge can never register one user under two
// options.
type Poll struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Options   []PollOption `json:"options"`
	CreatedBy UserID       `json:"created_by"`
	CreatedAt Stamp        `json:"created_at"`
}

// ReactionValue enumerates supported card reactions. The empty value clears
// a previous reaction.
type ReactionValue string

const (
	// ReactionLike marks approval of a card.
	ReactionLike ReactionValue = "like"
	// ReactionDislike marks disapproval of a card.
	ReactionDislike ReactionValue = "dislike"
	// ReactionNone clears a previously set reaction.
	ReactionNone ReactionValue = ""
)

// NewReactionValue validates raw input and returns a ReactionValue.
func NewReactionValue(rawInput string) (ReactionValue, error) {
	switch ReactionValue(rawInput) {
	case ReactionLike, ReactionDislike, ReactionNone:
		return ReactionValue(rawInput), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReaction, rawInput)
	}
}

// ActivityType enumerates activity feed record kinds.
type ActivityType string

const (
	// ActivityCardAdded records a card creation.
	ActivityCardAdded ActivityType = "card_added"
	// ActivityCardRemoved records a card removal.
	ActivityCardRemoved ActivityType = "card_removed"
	// ActivityPollCreated records a poll creation.
	ActivityPollCreated ActivityType = "poll_created"
	// ActivityVoteCast records a poll vote.
	ActivityVoteCast ActivityType = "vote_cast"
	// ActivityReactionSet records a card reaction change.
	ActivityReactionSet ActivityType = "reaction_set"
	// ActivityUserJoined records a user joining the room.
	ActivityUserJoined ActivityType = "user_joined"
)

// ActivityContext carries the typed payload for an activity record. Fields
// are populated according to the record's Type.
type ActivityContext struct {
	CardID    CardID        `json:"card_id,omitempty"`
	PollID    string        `json:"poll_id,omitempty"`
	OptionID  string        `json:"option_id,omitempty"`
	Reaction  ReactionValue `json:"reaction,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// ActivityRecord is one append-only audit entry. Records are never mutated
// or removed once merged.
type ActivityRecord struct {
	ID        string          `json:"id"`
	Type      ActivityType    `json:"type"`
	UserID    UserID          `json:"user_id"`
	Context   ActivityContext `json:"context"`
	Timestamp Stamp           `json:"timestamp"`
}

// Profile is the authenticated identity attributed to local mutations. The
// core trusts it as supplied; verification happens at the edge.
type Profile struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PresentUser is one live entry in the room's presence set.
type PresentUser struct {
	ID           UserID `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	JoinedAtMS   int64  `json:"joined_at_ms"`
	LastActiveMS int64  `json:"last_active_ms"`
}
