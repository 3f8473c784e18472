// Package store mirrors room state to a relational backing store. Every
// call is best-effort from the sync core's point of view: a failure is
// surfaced to the caller for logging but must never block or corrupt
// in-memory sync state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groupplan/roomsync/internal/room"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew         = "store.new"
	opLoadInitialState = "store.load_initial_state"
	opSaveSnapshot     = "store.save_snapshot"
	opPersistActivity  = "store.persist_activity"
	opListActivity     = "store.list_activity"
	opPersistReaction  = "store.persist_reaction"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonInsertFailed    = "insert_failed"

	fieldRoomID = "room_id"
	fieldCardID = "card_id"
	fieldUserID = "user_id"
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the inputs required to build a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the relational mirror for room state.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadInitialState returns the most recent mirrored full-state update for
// a room. The boolean is false when no snapshot exists.
func (s *Store) LoadInitialState(ctx context.Context, roomID room.RoomID) (room.Update, bool, error) {
	var snapshot RoomSnapshot
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.Update{}, false, nil
	}
	if err != nil {
		s.logError(opLoadInitialState, reasonQueryFailed, err, zap.String(fieldRoomID, roomID.String()))
		return room.Update{}, false, newStoreError(opLoadInitialState, reasonQueryFailed, err)
	}

	update, err := room.DecodeUpdate([]byte(snapshot.SnapshotJSON))
	if err != nil {
		s.logError(opLoadInitialState, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return room.Update{}, false, newStoreError(opLoadInitialState, reasonDecodeFailed, err)
	}
	return update, true, nil
}

// SaveSnapshot upserts the room's mirrored full-state update.
func (s *Store) SaveSnapshot(ctx context.Context, roomID room.RoomID, update room.Update) error {
	payload, err := room.EncodeUpdate(update)
	if err != nil {
		s.logError(opSaveSnapshot, reasonEncodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return newStoreError(opSaveSnapshot, reasonEncodeFailed, err)
	}

	record := RoomSnapshot{
		RoomID:           roomID.String(),
		SnapshotJSON:     string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_json", "updated_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opSaveSnapshot, reasonUpsertFailed, err, zap.String(fieldRoomID, roomID.String()))
		return newStoreError(opSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

// PersistActivity mirrors one activity record. Repeated inserts of the
// same record id are absorbed, matching the append-only feed semantics.
func (s *Store) PersistActivity(ctx context.Context, roomID room.RoomID, record room.ActivityRecord) error {
	contextJSON, err := json.Marshal(record.Context)
	if err != nil {
		s.logError(opPersistActivity, reasonEncodeFailed, err, zap.String(fieldRoomID, roomID.String()))
		return newStoreError(opPersistActivity, reasonEncodeFailed, err)
	}

	model := RoomActivity{
		ActivityID:   record.ID,
		RoomID:       roomID.String(),
		UserID:       record.UserID.String(),
		ActivityType: string(record.Type),
		ContextJSON:  string(contextJSON),
		OccurredAtMS: record.Timestamp.WallMillis,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		s.logError(opPersistActivity, reasonInsertFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String("activity_id", record.ID))
		return newStoreError(opPersistActivity, reasonInsertFailed, err)
	}
	return nil
}

// PersistReaction mirrors the latest reaction per (room, card, user). A
// cleared reaction keeps its row with an empty value so replays cannot
// resurrect it.
func (s *Store) PersistReaction(ctx context.Context, roomID room.RoomID, cardID room.CardID, userID room.UserID, value room.ReactionValue) error {
	record := RoomReaction{
		RoomID:      roomID.String(),
		CardID:      cardID.String(),
		UserID:      userID.String(),
		Value:       string(value),
		UpdatedAtMS: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "card_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_ms"}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opPersistReaction, reasonUpsertFailed, err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldCardID, cardID.String()),
			zap.String(fieldUserID, userID.String()))
		return newStoreError(opPersistReaction, reasonUpsertFailed, err)
	}
	return nil
}

// ListActivity returns mirrored activity for a room, oldest first.
func (s *Store) ListActivity(ctx context.Context, roomID room.RoomID) ([]RoomActivity, error) {
	var records []RoomActivity
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("occurred_at_ms ASC").
		Find(&records).Error; err != nil {
		s.logError(opListActivity, reasonQueryFailed, err, zap.String(fieldRoomID, roomID.String()))
		return nil, newStoreError(opListActivity, reasonQueryFailed, err)
	}
	return records, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room store error", attrs...)
}
