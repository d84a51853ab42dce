// Package search adapts the Elasticsearch backend to the few operations the
// river needs: bulk writes, scroll reads, refresh and single-document access.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/logging"
)

// Scroll defaults, matching the delete pass of the original river.
const (
	scrollKeepAlive = 60 * time.Second
	scrollPageSize  = 100
)

// Client wraps the Elasticsearch client.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

// Hit is one search hit from a scroll page.
type Hit struct {
	Index   string          `json:"_index"`
	ID      string          `json:"_id"`
	Routing string          `json:"_routing"`
	Source  json.RawMessage `json:"_source"`
}

// NewClient creates a search backend client from the elasticsearch config
// section.
func NewClient(cfg *config.ElasticConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.WithComponent("search")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &Client{es: es, logger: logger}, nil
}

// Ping checks that the backend answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("backend not healthy: %s", res.Status())
	}
	return nil
}

// WaitForBackend pings the backend with exponential backoff until it answers
// or the timeout budget runs out. Used at startup so the river survives the
// backend coming up after it.
func (c *Client) WaitForBackend(ctx context.Context, timeout time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.Ping(ctx); err != nil {
			c.logger.Debug("backend not ready", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("backend did not become ready within %s: %w", timeout, err)
	}
	return nil
}

// EnsureIndex creates the index if it does not exist. body may be empty for
// an index with fully dynamic mapping.
func (c *Client) EnsureIndex(ctx context.Context, name, body string) error {
	exists, err := c.es.Indices.Exists([]string{name}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", name, err)
	}
	drain(exists)
	if exists.StatusCode == 200 {
		return nil
	}

	opts := []func(*esapi.IndicesCreateRequest){c.es.Indices.Create.WithContext(ctx)}
	if body != "" {
		opts = append(opts, c.es.Indices.Create.WithBody(strings.NewReader(body)))
	}
	res, err := c.es.Indices.Create(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	defer drain(res)
	if res.IsError() {
		// Lost a creation race with another replica.
		if strings.Contains(readBody(res), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s", name, res.Status())
	}
	c.logger.Info("created index", slog.String("index", name))
	return nil
}

// EnsurePipeline installs (or overwrites) an ingest pipeline.
func (c *Client) EnsurePipeline(ctx context.Context, id, body string) error {
	res, err := c.es.Ingest.PutPipeline(id, strings.NewReader(body), c.es.Ingest.PutPipeline.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to put pipeline %s: %w", id, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to put pipeline %s: %s", id, res.Status())
	}
	return nil
}

// bulkResponse is the subset of the _bulk answer needed to detect item
// failures.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Bulk executes the accumulated operations. Any item failure fails the whole
// call; the first few item error reasons are folded into the returned error.
func (c *Client) Bulk(ctx context.Context, bulk *BulkRequest) error {
	if bulk.Len() == 0 {
		return nil
	}
	body, err := bulk.Body()
	if err != nil {
		return err
	}

	res, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("bulk request failed: %s", res.Status())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	var reasons []string
	failed := 0
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if len(reasons) < 3 {
				reasons = append(reasons, fmt.Sprintf("%s: %s", result.Error.Type, result.Error.Reason))
			}
		}
	}
	return fmt.Errorf("bulk had %d failed items: %s", failed, strings.Join(reasons, "; "))
}

// GetDocument reads one document's source. The second return value reports
// whether the document exists.
func (c *Client) GetDocument(ctx context.Context, index, id string) (json.RawMessage, bool, error) {
	res, err := c.es.Get(index, id, c.es.Get.WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", index, id, err)
	}
	defer drain(res)
	if res.StatusCode == 404 {
		return nil, false, nil
	}
	if res.IsError() {
		return nil, false, fmt.Errorf("failed to get %s/%s: %s", index, id, res.Status())
	}

	var doc struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse get response: %w", err)
	}
	return doc.Source, true, nil
}

// IndexDocument writes a single document, replacing any existing one with
// the same id.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to index %s/%s: %w", index, id, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to index %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// DeleteDocument removes a single document. A missing document is not an
// error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	res, err := c.es.Delete(index, id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", index, id, err)
	}
	defer drain(res)
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("failed to delete %s/%s: %s", index, id, res.Status())
	}
	return nil
}

// Refresh makes all writes to the index visible to search.
func (c *Client) Refresh(ctx context.Context, index string) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithIndex(index),
		c.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", index, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("failed to refresh %s: %s", index, res.Status())
	}
	return nil
}

// scrollPage is the subset of a search/scroll answer the iterator consumes.
type scrollPage struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// ScrollIterator pages through a scrolled search. Next returns nil when the
// scroll is exhausted.
type ScrollIterator struct {
	client   *Client
	scrollID string
	first    []Hit
	started  bool
}

// OpenScroll starts a scrolled search over the index with the given query
// body (a JSON object with a "query" key).
func (c *Client) OpenScroll(ctx context.Context, index, query string, pageSize int) (*ScrollIterator, error) {
	if pageSize <= 0 {
		pageSize = scrollPageSize
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(strings.NewReader(query)),
		c.es.Search.WithSize(pageSize),
		c.es.Search.WithScroll(scrollKeepAlive))
	if err != nil {
		return nil, fmt.Errorf("failed to open scroll on %s: %w", index, err)
	}
	defer drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("failed to open scroll on %s: %s", index, res.Status())
	}

	var page scrollPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse scroll response: %w", err)
	}
	return &ScrollIterator{client: c, scrollID: page.ScrollID, first: page.Hits.Hits}, nil
}

// Next returns the next page of hits, or nil when the scroll is exhausted.
func (s *ScrollIterator) Next(ctx context.Context) ([]Hit, error) {
	if !s.started {
		s.started = true
		if len(s.first) == 0 {
			return nil, nil
		}
		return s.first, nil
	}
	if s.scrollID == "" {
		return nil, nil
	}

	res, err := s.client.es.Scroll(
		s.client.es.Scroll.WithContext(ctx),
		s.client.es.Scroll.WithScrollID(s.scrollID),
		s.client.es.Scroll.WithScroll(scrollKeepAlive))
	if err != nil {
		return nil, fmt.Errorf("scroll continuation failed: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("scroll continuation failed: %s", res.Status())
	}

	var page scrollPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse scroll response: %w", err)
	}
	s.scrollID = page.ScrollID
	if len(page.Hits.Hits) == 0 {
		return nil, nil
	}
	return page.Hits.Hits, nil
}

// Close releases the scroll context server-side.
func (s *ScrollIterator) Close(ctx context.Context) error {
	if s.scrollID == "" {
		return nil
	}
	res, err := s.client.es.ClearScroll(
		s.client.es.ClearScroll.WithContext(ctx),
		s.client.es.ClearScroll.WithScrollID(s.scrollID))
	if err != nil {
		return fmt.Errorf("failed to clear scroll: %w", err)
	}
	drain(res)
	s.scrollID = ""
	return nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

func readBody(res *esapi.Response) string {
	if res == nil || res.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(res.Body)
	return string(b)
}
