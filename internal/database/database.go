package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/roomchat/internal/config"
	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open connects to the configured driver and brings the schema up to date.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	switch driver {
	case config.DriverSQLite:
		return OpenSQLite(dsn, logger)
	case config.DriverMySQL:
		return OpenMySQL(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

func prepareSchema(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	return db.AutoMigrate(&rooms.Room{}, &rooms.Member{}, &rooms.Message{})
}
