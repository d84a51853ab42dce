package river

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/docbuilder"
	"github.com/tracksearch/jirariver/internal/logging"
)

// projectState is the coordinator's per-project bookkeeping.
type projectState struct {
	lastIncrementalStart time.Time
	lastFullStart        time.Time
	forceFull            bool
	inFlight             Mode // "" when idle; the requested (not effective) mode
}

// Coordinator owns the scheduling loop: it discovers projects, decides when
// each is due for an incremental or full update and dispatches indexer runs
// under the configured parallelism budget.
type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	mu          sync.Mutex
	projects    []string // insertion order of discovery
	states      map[string]*projectState
	cursor      int // round-robin position of the last dispatch
	lastRefresh time.Time
	running     int
	runningFull int

	results chan RunResult
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewCoordinator creates the coordinator. Start must be called to run it.
func NewCoordinator(cfg *config.Config, deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("coordinator")
	}
	deps.Logger = logger
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		states: make(map[string]*projectState),
		cursor: -1, // first dispatch starts at the first project
		// Buffered to the worker budget so a finishing worker never blocks
		// on a busy coordinator.
		results: make(chan RunResult, cfg.Jira.MaxIndexingThreads),
	}
}

// Start prepares the backend indices and runs the tick loop until the
// context is cancelled. In-flight runs observe the cancellation and are
// drained before Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.ensureIndices(ctx); err != nil {
		return err
	}

	// A wrong JQL zone silently loses updates, so make the choice visible.
	c.logger.Info("coordinator starting",
		slog.String("river", c.cfg.River.Name),
		slog.String("jqlTimeZone", c.cfg.Jira.Location().String()),
		slog.Int("maxIndexingThreads", c.cfg.Jira.MaxIndexingThreads))

	if err := c.startCron(); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.River.TickInterval.Std())
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopCron()
			c.wg.Wait()
			c.drainResults()
			c.logger.Info("coordinator stopped")
			return nil
		case res := <-c.results:
			c.handleResult(res)
			c.dispatch(ctx)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick is one scheduling pass: refresh the project list when stale, then
// dispatch whatever is due.
func (c *Coordinator) tick(ctx context.Context) {
	c.drainResults()
	if !c.refreshProjects(ctx) {
		return
	}
	c.dispatch(ctx)
}

// drainResults consumes any finished runs without blocking.
func (c *Coordinator) drainResults() {
	for {
		select {
		case res := <-c.results:
			c.handleResult(res)
		default:
			return
		}
	}
}

// refreshProjects maintains the indexable project list. Returns false when
// discovery failed this tick; the previous list is kept but dispatching is
// deferred to the next tick.
func (c *Coordinator) refreshProjects(ctx context.Context) bool {
	if static := c.cfg.Jira.ProjectKeysIndexed; len(static) > 0 {
		c.mu.Lock()
		if c.projects == nil {
			c.projects = append([]string(nil), static...)
			c.logger.Info("using static project list", slog.Int("projects", len(c.projects)))
		}
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	fresh := c.projects != nil && c.deps.now().Sub(c.lastRefresh) < c.cfg.Jira.ProjectsRefreshInterval.Std()
	c.mu.Unlock()
	if fresh {
		return true
	}

	keys, err := c.deps.Upstream.ListProjectKeys(ctx)
	if err != nil {
		c.logger.Warn("project discovery failed, keeping previous list",
			slog.String("error", err.Error()))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}

	// Keep discovery insertion order stable: existing projects first, in
	// their old order, then newcomers.
	merged := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, p := range c.projects {
		if known[p] {
			merged = append(merged, p)
			seen[p] = true
		} else {
			delete(c.states, p)
		}
	}
	for _, k := range keys {
		if !seen[k] {
			merged = append(merged, k)
		}
	}

	if len(merged) != len(c.projects) {
		c.logger.Info("project list refreshed", slog.Int("projects", len(merged)))
	}
	c.projects = merged
	if c.projects == nil {
		c.projects = []string{}
	}
	c.lastRefresh = c.deps.now()
	return true
}

// dispatch starts indexer runs for due projects, round-robin starting after
// the last dispatched project, within the worker budget. When more than one
// worker is configured, one slot is reserved for incremental runs so a long
// full run cannot starve freshness of the other projects.
func (c *Coordinator) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.projects)
	if n == 0 {
		return
	}

	maxWorkers := c.cfg.Jira.MaxIndexingThreads
	fullCap := maxWorkers
	if maxWorkers > 1 {
		fullCap = maxWorkers - 1
	}
	now := c.deps.now()

	for i := 0; i < n && c.running < maxWorkers; i++ {
		idx := (c.cursor + 1 + i) % n
		project := c.projects[idx]
		ps := c.state(project)

		mode := c.dueMode(ps, now)
		if mode == "" {
			continue
		}
		if mode == ModeFull && c.runningFull >= fullCap {
			continue
		}

		ps.inFlight = mode
		c.running++
		if mode == ModeFull {
			c.runningFull++
		}
		c.cursor = idx

		c.logger.Debug("dispatching run",
			slog.String("project", project),
			slog.String("mode", string(mode)))

		c.wg.Add(1)
		go func(project string, mode Mode) {
			defer c.wg.Done()
			c.results <- NewIndexer(project, mode, c.deps).Run(ctx)
		}(project, mode)
	}
}

// dueMode decides what kind of run, if any, the project needs now.
func (c *Coordinator) dueMode(ps *projectState, now time.Time) Mode {
	if ps.inFlight != "" {
		return ""
	}
	if ps.forceFull {
		return ModeFull
	}
	if full := c.cfg.Jira.IndexFullUpdatePeriod.Std(); full > 0 {
		if ps.lastFullStart.IsZero() || now.Sub(ps.lastFullStart) >= full {
			return ModeFull
		}
	}
	inc := c.cfg.Jira.IndexUpdatePeriod.Std()
	if ps.lastIncrementalStart.IsZero() || now.Sub(ps.lastIncrementalStart) >= inc {
		return ModeIncremental
	}
	return ""
}

// handleResult frees the project's slot and records the run times. Failed
// runs update nothing, so the project is due again on the next tick.
func (c *Coordinator) handleResult(res RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(res.Project)
	if ps.inFlight == ModeFull {
		c.runningFull--
	}
	ps.inFlight = ""
	c.running--

	if res.Interrupted || res.Err != nil {
		return
	}
	if res.Mode == ModeFull {
		// A full run subsumes an incremental one.
		ps.lastFullStart = res.Started
		ps.lastIncrementalStart = res.Started
		ps.forceFull = false
	} else {
		ps.lastIncrementalStart = res.Started
	}
}

// state returns the project's state record, creating it on first sight.
// Callers must hold c.mu.
func (c *Coordinator) state(project string) *projectState {
	ps, ok := c.states[project]
	if !ok {
		ps = &projectState{}
		c.states[project] = ps
	}
	return ps
}

// ForceFullReindex flags one project (or all known projects when projectKey
// is empty) for a full update on the next tick. Returns the comma-joined
// affected keys, or empty when the named project is unknown.
func (c *Coordinator) ForceFullReindex(projectKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if projectKey == "" {
		for _, p := range c.projects {
			c.state(p).forceFull = true
		}
		return strings.Join(c.projects, ",")
	}

	for _, p := range c.projects {
		if p == projectKey {
			c.state(p).forceFull = true
			return p
		}
	}
	return ""
}

// GetAllIndexedProjectsKeys returns the current indexable project list.
func (c *Coordinator) GetAllIndexedProjectsKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.projects...)
}

// ensureIndices creates the state, target and activity indices and installs
// the ingest pipeline that stamps every document with its ingest timestamp.
// The delete pass of full runs depends on that timestamp.
func (c *Coordinator) ensureIndices(ctx context.Context) error {
	if err := c.deps.Backend.EnsureIndex(ctx, c.cfg.River.StateIndex, ""); err != nil {
		return err
	}

	settings := c.deps.Builder.Settings()
	pipelineID := c.cfg.River.Name + "-indexed-at"

	pipeline := map[string]any{
		"description": "stamp river documents with their ingest timestamp",
		"processors": []any{
			map[string]any{"set": map[string]any{
				"field": settings.FieldIndexedAt,
				"value": "{{_ingest.timestamp}}",
			}},
		},
	}
	pipelineBody, err := json.Marshal(pipeline)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	if err := c.deps.Backend.EnsurePipeline(ctx, pipelineID, string(pipelineBody)); err != nil {
		return err
	}

	properties := map[string]any{
		settings.FieldIndexedAt: map[string]any{"type": "date"},
	}
	if settings.CommentMode == docbuilder.CommentChild {
		properties[docbuilder.JoinField] = map[string]any{
			"type":      "join",
			"relations": map[string]any{settings.Type: settings.CommentType},
		}
	}
	index := map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"default_pipeline": pipelineID},
		},
		"mappings": map[string]any{"properties": properties},
	}
	indexBody, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to encode index body: %w", err)
	}
	if err := c.deps.Backend.EnsureIndex(ctx, settings.Index, string(indexBody)); err != nil {
		return err
	}

	if idx := c.deps.Activity.Index(); idx != "" {
		if err := c.deps.Backend.EnsureIndex(ctx, idx, ""); err != nil {
			return err
		}
	}
	return nil
}

// startCron installs the optional scheduled force-full trigger.
func (c *Coordinator) startCron() error {
	expr := c.cfg.Jira.IndexFullUpdateCron
	if expr == "" {
		return nil
	}

	c.cron = cron.New(cron.WithLocation(c.cfg.Jira.Location()))
	_, err := c.cron.AddFunc(expr, func() {
		keys := c.ForceFullReindex("")
		c.logger.Info("scheduled full reindex requested", slog.String("projects", keys))
	})
	if err != nil {
		return fmt.Errorf("invalid jira.indexFullUpdateCronExpression: %w", err)
	}
	c.cron.Start()
	c.logger.Info("full reindex schedule installed", slog.String("cron", expr))
	return nil
}

func (c *Coordinator) stopCron() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil
}
