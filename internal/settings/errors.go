package settings

import "errors"

var (
	ErrOpenDatabase    = errors.New("settings: failed to open database")
	ErrApplyMigrations = errors.New("settings: failed to apply migrations")
	ErrPersist         = errors.New("settings: failed to persist value")
)
