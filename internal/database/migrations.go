package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupeMemberDevices = "2026-10-19_dedupe_member_devices"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDedupeMemberDevices, apply: dedupeMemberDevices},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dedupeMemberDevices keeps one row per (room_id, device_hash), the most recently seen one, so
// the unique index idx_chat_members_room_device can be built over a member table that predates it.
// It runs before the room schema is migrated; a missing table has nothing to dedupe.
func dedupeMemberDevices(db *gorm.DB) error {
	if !db.Migrator().HasTable(&rooms.Member{}) {
		return nil
	}
	return db.Exec(`DELETE FROM chat_room_members WHERE member_id IN (
		SELECT stale.member_id FROM (
			SELECT older.member_id FROM chat_room_members older
			JOIN chat_room_members newer
				ON older.room_id = newer.room_id AND older.device_hash = newer.device_hash
			WHERE older.last_seen_at_ms < newer.last_seen_at_ms
				OR (older.last_seen_at_ms = newer.last_seen_at_ms AND older.member_id < newer.member_id)
		) AS stale
	)`).Error
}
