// Package store provides the SQLite persistence layer for widgetd.
//
// Every method is an independent transaction and safe to call from any
// goroutine; SQLite serializes writers. Writes that must be mirrored in
// runtime state are issued by the dispatcher only.
package store

import (
	"database/sql"
	"time"

	"github.com/hazyhaar/widgetd/dbopen"
)

// Store is the widgetd database handle.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the widget database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already-open database. The schema must have been applied.
func New(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
