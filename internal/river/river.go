// Package river contains the core of the indexing service: the per-project
// indexer, the coordinator that schedules it, and the persistent state the
// two share through the search backend.
package river

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tracksearch/jirariver/internal/docbuilder"
	"github.com/tracksearch/jirariver/internal/jira"
	"github.com/tracksearch/jirariver/internal/search"
)

// Mode is the kind of update pass an indexer performs.
type Mode string

const (
	// ModeIncremental pulls only issues changed since the stored watermark.
	ModeIncremental Mode = "INCREMENTAL"
	// ModeFull pulls the whole project and then deletes documents that were
	// not re-ingested, purging issues deleted upstream.
	ModeFull Mode = "FULL"
)

// Upstream is the slice of the tracker client the river uses.
type Upstream interface {
	ListProjectKeys(ctx context.Context) ([]string, error)
	ChangedIssues(ctx context.Context, projectKey string, startAt int, updatedAfter time.Time, fields []string) (*jira.SearchResult, error)
}

// Scroll pages through a scrolled search.
type Scroll interface {
	Next(ctx context.Context) ([]search.Hit, error)
	Close(ctx context.Context) error
}

// Backend is the slice of the search adapter the river uses. Kept as an
// interface so indexer and coordinator tests run against an in-memory fake.
type Backend interface {
	Bulk(ctx context.Context, bulk *search.BulkRequest) error
	Refresh(ctx context.Context, index string) error
	GetDocument(ctx context.Context, index, id string) (json.RawMessage, bool, error)
	IndexDocument(ctx context.Context, index, id string, doc any) error
	DeleteDocument(ctx context.Context, index, id string) error
	OpenScroll(ctx context.Context, index, query string, pageSize int) (Scroll, error)
	EnsureIndex(ctx context.Context, name, body string) error
	EnsurePipeline(ctx context.Context, id, body string) error
}

// searchBackend adapts *search.Client to the Backend interface; the only
// mismatch is the concrete scroll iterator type.
type searchBackend struct {
	*search.Client
}

// WrapBackend makes a search client usable as a river Backend.
func WrapBackend(c *search.Client) Backend {
	return searchBackend{c}
}

func (b searchBackend) OpenScroll(ctx context.Context, index, query string, pageSize int) (Scroll, error) {
	it, err := b.Client.OpenScroll(ctx, index, query, pageSize)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// RunResult is the outcome of one indexer run, reported back to the
// coordinator and recorded in the activity log.
type RunResult struct {
	Project     string
	Mode        Mode // effective mode; incremental runs are promoted to full when no watermark exists
	Updated     int
	Deleted     int
	Started     time.Time
	Elapsed     time.Duration
	Err         error
	Interrupted bool
}

// Deps bundles the shared collaborators of coordinator and indexer.
type Deps struct {
	Upstream Upstream
	Backend  Backend
	Builder  *docbuilder.Builder
	State    *StateStore
	Activity *ActivityLog // nil disables activity logging
	NowFn    func() time.Time
	Logger   *slog.Logger
}

func (d *Deps) now() time.Time {
	if d.NowFn != nil {
		return d.NowFn()
	}
	return time.Now()
}
