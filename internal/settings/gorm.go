package settings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Setting is one row of the sendgrid_settings table.
type Setting struct {
	ID    uint   `gorm:"primaryKey"`
	Key   string `gorm:"column:key;size:255;not null;uniqueIndex"`
	Value string `gorm:"column:value;type:text;not null"`
}

func (Setting) TableName() string { return "sendgrid_settings" }

// GormStore implements Store on top of a gorm connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db. The schema must already be
// migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Get(ctx context.Context, key Key) (string, error) {
	var row Setting
	err := g.db.WithContext(ctx).Where(&Setting{Key: string(key)}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// Set reads then writes without locking; concurrent writers to the same key
// resolve as last write wins.
func (g *GormStore) Set(ctx context.Context, key Key, value string) error {
	db := g.db.WithContext(ctx)

	var row Setting
	err := db.Where(&Setting{Key: string(key)}).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = Setting{Key: string(key), Value: value}
		if err := db.Create(&row).Error; err != nil {
			return errors.Join(ErrPersist, err)
		}
		return nil
	case err != nil:
		return errors.Join(ErrPersist, err)
	}

	if err := db.Model(&row).Update("value", value).Error; err != nil {
		return errors.Join(ErrPersist, err)
	}
	return nil
}

// StatsToken is a bearer token granting access to the statistics endpoints.
type StatsToken struct {
	ID        uint      `gorm:"primaryKey"`
	Token     string    `gorm:"size:64;not null;uniqueIndex"`
	Revoked   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (StatsToken) TableName() string { return "stats_tokens" }

// TokenStore issues and revokes statistics tokens.
type TokenStore struct {
	db *gorm.DB
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Issue creates a new unrevoked token.
func (t *TokenStore) Issue(ctx context.Context) (string, error) {
	row := StatsToken{Token: uuid.NewString()}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", errors.Join(ErrPersist, err)
	}
	return row.Token, nil
}

// Valid reports whether token exists and has not been revoked.
func (t *TokenStore) Valid(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var row StatsToken
	err := t.db.WithContext(ctx).Where(&StatsToken{Token: token}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !row.Revoked, nil
}

// Revoke marks token as revoked. Unknown tokens are ignored.
func (t *TokenStore) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := t.db.WithContext(ctx).
		Model(&StatsToken{}).
		Where(&StatsToken{Token: token}).
		Update("revoked", true).Error
	if err != nil {
		return errors.Join(ErrPersist, err)
	}
	return nil
}
