// Package directory is the user directory and entity storage behind the API:
// users and their relationships, bearer sessions, and events.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Open connects to the sqlite database at path through the pure-Go driver.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}
	return db, nil
}

// Directory implements the user directory and entity storage over gorm.
type Directory struct {
	db         *gorm.DB
	now        func() time.Time
	sessionTTL time.Duration
}

// DefaultSessionTTL bounds how long a login token stays valid.
const DefaultSessionTTL = 30 * 24 * time.Hour

// New wraps db. A nil clock uses time.Now.
func New(db *gorm.DB, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{db: db, now: now, sessionTTL: DefaultSessionTTL}
}

// Ping verifies the database connection.
func (d *Directory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (d *Directory) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resultOf[T any](value T, err error) Result[T] {
	switch {
	case err == nil:
		return Ok(value)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NotFound[T]()
	default:
		return Failed[T](err)
	}
}

// Page is a 1-based pagination window.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 25
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Size }

func orderBy(sort string) string {
	if sort == "asc" {
		return "id ASC"
	}
	return "id DESC"
}
