package storage

import (
	"errors"

	"trustbond-server/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by repositories when the requested row is absent.
var ErrNotFound = errors.New("storage: record not found")

var modelsToMigrate = []any{
	&models.Submission{},
	&models.Vote{},
	&models.Verifier{},
	&models.AuditLog{},
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

// Open connects with the given dialector and migrates the schema. Tests pass
// an SQLite dialector; production goes through InitializeDB.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(modelsToMigrate...)
}

func InitializeDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DB_CONNECTION_STRING environment variable is required")
	}

	db, err := Open(postgres.Open(dsn))
	if err != nil {
		return nil, err
	}

	DB = db
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
