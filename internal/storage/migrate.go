package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirtySchema means an earlier migration failed halfway and needs a
// manual `migrate force` before the gate can start.
var ErrDirtySchema = errors.New("schema is dirty")

// MigrationStatus reports the schema version after Migrate.
type MigrationStatus struct {
	From, To uint
}

// Changed reports whether any migration was applied.
func (s MigrationStatus) Changed() bool { return s.From != s.To }

// Migrate applies pending up migrations from dir to the database at dbURL.
func Migrate(dbURL, dir string) (MigrationStatus, error) {
	var st MigrationStatus
	m, err := migrate.New("file://"+dir, dbURL)
	if err != nil {
		return st, fmt.Errorf("opening migrations: %w", err)
	}
	defer m.Close()

	if st.From, err = schemaVersion(m); err != nil {
		return st, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return st, fmt.Errorf("migrating from version %d: %w", st.From, err)
	}
	st.To, err = schemaVersion(m)
	return st, err
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("version %d: %w", v, ErrDirtySchema)
	}
	return v, nil
}
