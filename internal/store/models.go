package store

// RoomSnapshot stores the latest mirrored full-state update per room.
type RoomSnapshot struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	SnapshotJSON     string `gorm:"column:snapshot_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// RoomActivity stores an append-only mirror of activity feed records.
type RoomActivity struct {
	ActivityID   string `gorm:"column:activity_id;primaryKey;size:190;not null"`
	RoomID       string `gorm:"column:room_id;size:190;not null;index:idx_room_activity_room_time,priority:1"`
	UserID       string `gorm:"column:user_id;size:190;not null"`
	ActivityType string `gorm:"column:activity_type;size:64;not null"`
	ContextJSON  string `gorm:"column:context_json;type:text;not null"`
	OccurredAtMS int64  `gorm:"column:occurred_at_ms;not null;index:idx_room_activity_room_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RoomActivity) TableName() string {
	return "room_activity"
}

// RoomReaction stores the latest mirrored reaction per (room, card, user).
type RoomReaction struct {
	RoomID      string `gorm:"column:room_id;primaryKey;size:190;not null"`
	CardID      string `gorm:"column:card_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Value       string `gorm:"column:value;size:16;not null"`
	UpdatedAtMS int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomReaction) TableName() string {
	return "room_reactions"
}
