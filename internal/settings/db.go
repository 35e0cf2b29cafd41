package settings

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the sqlite database at path.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Join(ErrOpenDatabase, err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(ctx context.Context, db *gorm.DB, log *slog.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Join(ErrOpenDatabase, err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, fsys)
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}
	for _, r := range results {
		log.Info("applied migration",
			"version", r.Source.Version,
			"duration", r.Duration,
		)
	}
	return nil
}
