// Package engine implements the compliance workflow, certificate approval
// and marketplace coordination state machines on top of the repo layer.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agritrace/internal/config"
	"agritrace/internal/events"
	"agritrace/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IsNotFound reports whether err is the repo's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func (e *Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}
