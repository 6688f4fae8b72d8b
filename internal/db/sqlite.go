package db

import (
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/issuebridge/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database at dbPath and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	database, err := Open(dsn, logger.Default.LogMode(logger.Warn))
	if err != nil {
		return nil, err
	}
	log.Printf("🗄️ Database ready at %s", dbPath)
	return database, nil
}

// Open connects to dsn and auto-migrates every model. A nil logger keeps
// gorm silent, which is what tests want.
func Open(dsn string, lg logger.Interface) (*gorm.DB, error) {
	if lg == nil {
		lg = logger.Default.LogMode(logger.Silent)
	}
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  lg,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY between pooled connections and keeps :memory: databases alive.
	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

// Migrate auto-migrates all models.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.User{},
		&models.Account{},
		&models.OAuthState{},
		&models.WebhookEvent{},
		&models.ProjectLink{},
		&models.Issue{},
	)
}
