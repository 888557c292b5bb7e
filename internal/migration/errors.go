package migration

import "errors"

var (
	// ErrStopped is recorded as the failure of a launch that was accepted
	// but never dispatched because the launcher shut down first.
	ErrStopped = errors.New("migration launcher stopped")
	// ErrNoMigrator is returned by a launcher built without a migrator.
	ErrNoMigrator = errors.New("no migrator configured")
)
