package bench

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("bench record not found in store")

type Store interface {
	SaveSuite(ctx context.Context, suite Suite) error
	GetSuite(ctx context.Context, suiteID string) (Suite, error)
	ListSuites(ctx context.Context) ([]Suite, error)
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// NewStore returns nil when no database is configured; the manager then
// keeps runs in memory only.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
