package river

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/docbuilder"
	"github.com/tracksearch/jirariver/internal/jira"
	"github.com/tracksearch/jirariver/internal/search"
)

const (
	testIndex      = "jira_issues"
	testStateIndex = "jira_river"
	testRiverName  = "test_river"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testURLs struct{}

func (testURLs) IssueURL(issueKey string) string {
	return "https://issues.example.org/browse/" + issueKey
}

func (testURLs) CommentURL(issueKey, commentID string) string {
	return "https://issues.example.org/browse/" + issueKey + "?focusedCommentId=" + commentID
}

// storedDoc is one document in the fake backend, with the ingest timestamp
// the real backend's pipeline would stamp.
type storedDoc struct {
	source   map[string]any
	routing  string
	ingested time.Time
}

// fakeBackend is an in-memory Backend. Its scroll implements just enough of
// the deletion query to answer it: term/terms filters plus the ingest
// timestamp range.
type fakeBackend struct {
	mu        sync.Mutex
	now       func() time.Time
	indices   map[string]map[string]*storedDoc
	refreshed []string
	pipelines []string
	ensured   []string
	bulkCalls int
	bulkErr   error
}

func newFakeBackend(now func() time.Time) *fakeBackend {
	if now == nil {
		now = time.Now
	}
	return &fakeBackend{now: now, indices: make(map[string]map[string]*storedDoc)}
}

func (f *fakeBackend) index(name string) map[string]*storedDoc {
	if f.indices[name] == nil {
		f.indices[name] = make(map[string]*storedDoc)
	}
	return f.indices[name]
}

func (f *fakeBackend) put(index, id string, doc any, routing string, ingested time.Time) {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	var source map[string]any
	if err := json.Unmarshal(raw, &source); err != nil {
		panic(err)
	}
	f.index(index)[id] = &storedDoc{source: source, routing: routing, ingested: ingested}
}

// seed inserts a document with a fixed ingest timestamp, bypassing the bulk
// path, for tests that need pre-existing index content.
func (f *fakeBackend) seed(index, id string, doc map[string]any, ingested time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(index, id, doc, "", ingested)
}

func (f *fakeBackend) doc(t *testing.T, index, id string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.index(index)[id]
	if !ok {
		t.Fatalf("document %s/%s not found", index, id)
	}
	return d.source
}

func (f *fakeBackend) has(index, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index(index)[id]
	return ok
}

func (f *fakeBackend) Bulk(_ context.Context, bulk *search.BulkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulkCalls++
	for _, op := range bulk.Operations() {
		switch op.Action {
		case "index":
			f.put(op.Index, op.ID, op.Doc, op.Routing, f.now())
		case "delete":
			delete(f.index(op.Index), op.ID)
		}
	}
	return nil
}

func (f *fakeBackend) Refresh(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, index)
	return nil
}

func (f *fakeBackend) GetDocument(_ context.Context, index, id string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.index(index)[id]
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(d.source)
	return raw, true, err
}

func (f *fakeBackend) IndexDocument(_ context.Context, index, id string, doc any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(index, id, doc, "", f.now())
	return nil
}

func (f *fakeBackend) DeleteDocument(_ context.Context, index, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.index(index), id)
	return nil
}

func (f *fakeBackend) EnsureIndex(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeBackend) EnsurePipeline(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines = append(f.pipelines, id)
	return nil
}

func (f *fakeBackend) OpenScroll(_ context.Context, index, query string, _ int) (Scroll, error) {
	var parsed struct {
		Query struct {
			Bool struct {
				Filter []map[string]json.RawMessage `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
	}
	if err := json.Unmarshal([]byte(query), &parsed); err != nil {
		return nil, err
	}

	terms := map[string]string{}
	anyOf := map[string][]string{}
	var boundField string
	var bound time.Time
	for _, clause := range parsed.Query.Bool.Filter {
		if raw, ok := clause["term"]; ok {
			var term map[string]string
			if err := json.Unmarshal(raw, &term); err != nil {
				return nil, err
			}
			for k, v := range term {
				terms[k] = v
			}
		}
		if raw, ok := clause["terms"]; ok {
			var list map[string][]string
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, err
			}
			for k, v := range list {
				anyOf[k] = v
			}
		}
		if raw, ok := clause["range"]; ok {
			var rng map[string]struct {
				Lt string `json:"lt"`
			}
			if err := json.Unmarshal(raw, &rng); err != nil {
				return nil, err
			}
			for k, v := range rng {
				boundField = k
				t, err := time.Parse(time.RFC3339Nano, v.Lt)
				if err != nil {
					return nil, err
				}
				bound = t
			}
		}
	}
	_ = boundField // the fake stamps ingest time out-of-band, not as a source field

	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []search.Hit
	for id, d := range f.index(index) {
		match := true
		for k, v := range terms {
			if d.source[k] != v {
				match = false
				break
			}
		}
		for k, allowed := range anyOf {
			value, _ := d.source[k].(string)
			found := false
			for _, a := range allowed {
				if value == a {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match && !bound.IsZero() && !d.ingested.Before(bound) {
			match = false
		}
		if match {
			hits = append(hits, search.Hit{Index: index, ID: id, Routing: d.routing})
		}
	}
	return &fakeScroll{hits: hits}, nil
}

type fakeScroll struct {
	hits   []search.Hit
	served bool
	closed bool
}

func (s *fakeScroll) Next(_ context.Context) ([]search.Hit, error) {
	if s.served || len(s.hits) == 0 {
		return nil, nil
	}
	s.served = true
	return s.hits, nil
}

func (s *fakeScroll) Close(_ context.Context) error {
	s.closed = true
	return nil
}

type searchCall struct {
	project      string
	startAt      int
	updatedAfter time.Time
	fields       []string
}

// fakeUpstream serves queued search pages in order and records every call.
type fakeUpstream struct {
	mu          sync.Mutex
	projects    []string
	projectsErr error
	listCalls   int
	pages       []*jira.SearchResult
	pageErr     error
	calls       []searchCall
	block       chan struct{} // when set, ChangedIssues waits for it (or ctx)
}

func (f *fakeUpstream) ListProjectKeys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.projectsErr != nil {
		return nil, f.projectsErr
	}
	return append([]string(nil), f.projects...), nil
}

func (f *fakeUpstream) ChangedIssues(ctx context.Context, project string, startAt int, updatedAfter time.Time, fields []string) (*jira.SearchResult, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, searchCall{project: project, startAt: startAt, updatedAfter: updatedAfter, fields: fields})
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	if len(f.pages) == 0 {
		return &jira.SearchResult{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// issueAt builds an upstream issue in project ORG updated at the given
// wall-clock string, e.g. "2024-05-01T10:00:00.000+0000".
func issueAt(key, updated string) jira.Issue {
	return jira.Issue{
		ID:  "1" + key,
		Key: key,
		Fields: map[string]any{
			"project": map[string]any{"key": "ORG"},
			"updated": updated,
			"summary": "summary of " + key,
		},
	}
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time literal %s: %v", value, err)
	}
	return parsed
}

// testDeps wires a builder over the default template against the fakes.
func testDeps(t *testing.T, upstream Upstream, backend Backend, nowFn func() time.Time, activity *config.ActivityLogConfig) Deps {
	t.Helper()
	settings := docbuilder.DefaultSettings()
	settings.Index = testIndex
	builder, err := docbuilder.NewBuilder(settings, nil, testRiverName, testURLs{}, quietLogger())
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return Deps{
		Upstream: upstream,
		Backend:  backend,
		Builder:  builder,
		State:    NewStateStore(backend, testStateIndex),
		Activity: NewActivityLog(backend, activity, quietLogger()),
		NowFn:    nowFn,
		Logger:   quietLogger(),
	}
}
