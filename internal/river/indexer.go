package river

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracksearch/jirariver/internal/logging"
	"github.com/tracksearch/jirariver/internal/search"
)

// watermarkBump is added to a stuck watermark when a run made progress but
// every issue it saw shares the watermark minute. Just over a minute, so the
// next JQL window clears the minute instead of re-fetching it forever.
const watermarkBump = 64 * time.Second

// deleteScrollPageSize is the page size of the full-run deletion scroll.
const deleteScrollPageSize = 100

// Indexer drives one full or incremental sync pass for a single project.
// Created per run by the coordinator, used once, then discarded.
type Indexer struct {
	project string
	mode    Mode
	deps    Deps
	logger  *slog.Logger
}

// NewIndexer creates an indexer for one run.
func NewIndexer(project string, mode Mode, deps Deps) *Indexer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("indexer")
	}
	return &Indexer{
		project: project,
		mode:    mode,
		deps:    deps,
		logger:  logger.With(slog.String("project", project)),
	}
}

// Run executes the pass. Context cancellation produces an interrupted
// result: the in-progress page is discarded, nothing is reported as an
// error, and the watermark reflects only fully written pages.
func (ix *Indexer) Run(ctx context.Context) RunResult {
	started := ix.deps.now()
	res := RunResult{Project: ix.project, Mode: ix.mode, Started: started}

	watermark, found, err := ix.deps.State.ReadDatetime(ctx, ix.project, PropertyLastIssueUpdated)
	if err != nil {
		return ix.finish(ctx, res, err)
	}
	watermark = watermark.Truncate(time.Minute)
	if !found && res.Mode == ModeIncremental {
		ix.logger.Info("no watermark stored, promoting run to full update")
		res.Mode = ModeFull
	}

	ix.logger.Info("starting update",
		slog.String("mode", string(res.Mode)),
		slog.Bool("fromScratch", !found))

	updated, lastUpdated, err := ix.pullLoop(ctx, watermark)
	res.Updated = updated
	if ctx.Err() != nil {
		res.Interrupted = true
		ix.logger.Info("run interrupted by shutdown", slog.Int("updated", updated))
		return res
	}
	if err != nil {
		return ix.finish(ctx, res, err)
	}

	// Livelock guard: progress was made but everything seen sits in the
	// watermark minute, so the watermark could not advance. Push it just
	// past the minute or the same issues would be pulled on every run.
	if updated > 0 && found && lastUpdated.Truncate(time.Minute).Equal(watermark) {
		bumped := watermark.Add(watermarkBump)
		ix.logger.Info("watermark stuck in one minute, bumping forward",
			slog.Time("watermark", bumped))
		if err := ix.deps.State.StoreDatetime(ctx, ix.project, PropertyLastIssueUpdated, bumped); err != nil {
			return ix.finish(ctx, res, err)
		}
	}

	if res.Mode == ModeFull {
		deleted, err := ix.deletePass(ctx, started)
		res.Deleted = deleted
		if ctx.Err() != nil {
			res.Interrupted = true
			return res
		}
		if err != nil {
			return ix.finish(ctx, res, err)
		}
	}

	return ix.finish(ctx, res, nil)
}

// finish stamps the elapsed time, records the activity document and logs the
// outcome.
func (ix *Indexer) finish(ctx context.Context, res RunResult, err error) RunResult {
	res.Err = err
	res.Elapsed = ix.deps.now().Sub(res.Started)
	ix.deps.Activity.Record(ctx, res)
	if err != nil {
		ix.logger.Error("update failed",
			slog.String("mode", string(res.Mode)),
			slog.String("error", err.Error()))
	} else {
		ix.logger.Info("update finished",
			slog.String("mode", string(res.Mode)),
			slog.Int("updated", res.Updated),
			slog.Int("deleted", res.Deleted),
			slog.Duration("elapsed", res.Elapsed))
	}
	return res
}

// pullLoop pages through the upstream search, writing each page plus the
// advanced watermark in one bulk. Returns the number of issues written and
// the newest update timestamp observed.
func (ix *Indexer) pullLoop(ctx context.Context, initial time.Time) (int, time.Time, error) {
	targetIndex := ix.deps.Builder.Settings().Index
	fields := ix.deps.Builder.RequiredFields()

	updatedAfter := initial
	lastUpdated := initial
	startAt := 0
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, lastUpdated, err
		}

		page, err := ix.deps.Upstream.ChangedIssues(ctx, ix.project, startAt, updatedAfter, fields)
		if err != nil {
			return count, lastUpdated, fmt.Errorf("upstream pull failed: %w", err)
		}
		if len(page.Issues) == 0 {
			return count, lastUpdated, nil
		}

		bulk := search.NewBulkRequest()
		var pageFirst, pageLast time.Time
		for i, issue := range page.Issues {
			if err := ctx.Err(); err != nil {
				return count, lastUpdated, err
			}

			updated, err := issue.Updated()
			if err != nil {
				return count, lastUpdated, err
			}
			if i == 0 {
				pageFirst = updated
			}
			// Max rather than last: the upstream contracts updated ASC
			// ordering, but one out-of-order row must not move the
			// watermark backwards.
			if updated.After(pageLast) {
				pageLast = updated
			}

			docs, err := ix.deps.Builder.Build(issue)
			if err != nil {
				return count, lastUpdated, err
			}
			bulk.Index(targetIndex, docs.IssueKey, docs.Issue)
			for _, c := range docs.Comments {
				if c.Routing != "" {
					bulk.IndexWithRouting(targetIndex, c.ID, c.Routing, c.Doc)
				} else {
					bulk.Index(targetIndex, c.ID, c.Doc)
				}
			}
		}

		if pageLast.After(lastUpdated) {
			lastUpdated = pageLast
		}
		ix.deps.State.AppendDatetime(bulk, ix.project, PropertyLastIssueUpdated, lastUpdated.Truncate(time.Minute))

		if err := ctx.Err(); err != nil {
			return count, lastUpdated, err
		}
		if err := ix.deps.Backend.Bulk(ctx, bulk); err != nil {
			return count, lastUpdated, fmt.Errorf("bulk write failed: %w", err)
		}
		count += len(page.Issues)

		pageLen := len(page.Issues)
		if pageFirst.Truncate(time.Minute).Equal(pageLast.Truncate(time.Minute)) {
			// The whole page shares one minute; re-anchoring by time would
			// re-fetch it. Step through the same window by offset.
			startAt += pageLen
			if page.Total <= startAt {
				return count, lastUpdated, nil
			}
		} else {
			if page.Total <= startAt+pageLen {
				return count, lastUpdated, nil
			}
			updatedAfter = pageLast.Truncate(time.Minute)
			startAt = 0
		}
	}
}

// deletePass removes documents of this project that were not re-ingested by
// the pull that just finished: their ingest timestamp predates the run start,
// so the issues no longer exist upstream.
func (ix *Indexer) deletePass(ctx context.Context, startedAt time.Time) (int, error) {
	targetIndex := ix.deps.Builder.Settings().Index

	if err := ix.deps.Backend.Refresh(ctx, targetIndex); err != nil {
		return 0, fmt.Errorf("refresh before delete pass failed: %w", err)
	}

	query := ix.deps.Builder.DeletionQuery(ix.project, startedAt)
	scroll, err := ix.deps.Backend.OpenScroll(ctx, targetIndex, query, deleteScrollPageSize)
	if err != nil {
		return 0, fmt.Errorf("delete scroll failed: %w", err)
	}
	defer func() { _ = scroll.Close(ctx) }()

	bulk := search.NewBulkRequest()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hits, err := scroll.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("delete scroll failed: %w", err)
		}
		if hits == nil {
			break
		}
		for _, h := range hits {
			if h.Routing != "" {
				bulk.DeleteWithRouting(h.Index, h.ID, h.Routing)
			} else {
				bulk.Delete(h.Index, h.ID)
			}
		}
	}

	if bulk.Len() == 0 {
		return 0, nil
	}
	if err := ix.deps.Backend.Bulk(ctx, bulk); err != nil {
		return 0, fmt.Errorf("bulk delete failed: %w", err)
	}
	return bulk.Len(), nil
}
