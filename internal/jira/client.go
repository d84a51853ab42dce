// Package jira implements the client for the upstream issue tracker REST API.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/logging"
)

const apiPath = "/rest/api/2"

// jqlTimeLayout is the minute-precision timestamp format JQL accepts.
const jqlTimeLayout = "2006-01-02 15:04"

// Client is a JIRA REST API client.
type Client struct {
	urlBase             string
	username            string
	password            string
	maxIssuesPerRequest int
	location            *time.Location
	excludedKeys        map[string]bool
	httpClient          *http.Client
	logger              *slog.Logger
}

// Issue is one issue as returned by the upstream search API. Fields is kept
// as the raw JSON tree because the document builder addresses it by
// configurable dotted paths.
type Issue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Self   string         `json:"self"`
	Fields map[string]any `json:"fields"`
}

// SearchResult is one page of a paginated issue search.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// RequestError is a non-2xx answer from the upstream API.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("jira API error (status %d): %s", e.StatusCode, e.Body)
}

// Transient reports whether a later run may succeed without operator
// intervention. Auth and other client errors are not transient.
func (e *RequestError) Transient() bool {
	return e.StatusCode >= 500
}

// NewClient creates a new JIRA client from the jira config section.
func NewClient(cfg *config.JiraConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.WithComponent("jira")
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	excluded := make(map[string]bool, len(cfg.ProjectKeysExcluded))
	for _, k := range cfg.ProjectKeysExcluded {
		excluded[k] = true
	}

	return &Client{
		urlBase:             strings.TrimSuffix(cfg.URLBase, "/"),
		username:            cfg.Username,
		password:            cfg.Password,
		maxIssuesPerRequest: cfg.MaxIssuesPerRequest,
		location:            cfg.Location(),
		excludedKeys:        excluded,
		httpClient:          &http.Client{Timeout: timeout},
		logger:              logger,
	}
}

// doRequest performs a GET request against the REST API and decodes the
// JSON response into result.
func (c *Client) doRequest(ctx context.Context, path string, query url.Values, result any) error {
	u := c.urlBase + apiPath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		req.Header.Set("Authorization", "Basic "+auth)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ListProjectKeys returns all project keys visible to the configured
// credentials, minus the configured exclusions, sorted ascending.
func (c *Client) ListProjectKeys(ctx context.Context) ([]string, error) {
	var projects []struct {
		Key string `json:"key"`
	}
	if err := c.doRequest(ctx, "/project", nil, &projects); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	keys := make([]string, 0, len(projects))
	for _, p := range projects {
		if p.Key == "" || c.excludedKeys[p.Key] {
			continue
		}
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangedIssues returns one page of issues for the project changed at or
// after updatedAfter, ordered by update time ascending. A zero updatedAfter
// means the whole project history. fields limits the issue fields the
// upstream returns; nil means all fields.
func (c *Client) ChangedIssues(ctx context.Context, projectKey string, startAt int, updatedAfter time.Time, fields []string) (*SearchResult, error) {
	query := url.Values{}
	query.Set("jql", c.buildJQL(projectKey, updatedAfter))
	query.Set("startAt", strconv.Itoa(startAt))
	query.Set("maxResults", strconv.Itoa(c.maxIssuesPerRequest))
	if len(fields) > 0 {
		query.Set("fields", strings.Join(fields, ","))
	}

	var result SearchResult
	if err := c.doRequest(ctx, "/search", query, &result); err != nil {
		return nil, fmt.Errorf("failed to search issues for project %s: %w", projectKey, err)
	}

	c.logger.Debug("fetched changed issues page",
		slog.String("project", projectKey),
		slog.Int("startAt", result.StartAt),
		slog.Int("count", len(result.Issues)),
		slog.Int("total", result.Total))

	return &result, nil
}

// buildJQL renders the search query. The timestamp is minute-truncated and
// rendered in the configured JQL time zone; getting the zone wrong can
// silently lose updates, which is why the caller logs it at startup.
func (c *Client) buildJQL(projectKey string, updatedAfter time.Time) string {
	var b strings.Builder
	b.WriteString("project = ")
	b.WriteString(projectKey)
	if !updatedAfter.IsZero() {
		b.WriteString(" AND updated >= \"")
		b.WriteString(updatedAfter.In(c.location).Format(jqlTimeLayout))
		b.WriteString("\"")
	}
	b.WriteString(" ORDER BY updated ASC")
	return b.String()
}

// IssueURL returns the canonical browse URL for an issue.
func (c *Client) IssueURL(issueKey string) string {
	return c.urlBase + "/browse/" + issueKey
}

// CommentURL returns the browse URL anchored at one comment.
func (c *Client) CommentURL(issueKey, commentID string) string {
	return c.urlBase + "/browse/" + issueKey + "?focusedCommentId=" + commentID +
		"&page=com.atlassian.jira.plugin.system.issuetabpanels:comment-tabpanel#comment-" + commentID
}

// Ping checks that the upstream answers authenticated requests.
func (c *Client) Ping(ctx context.Context) error {
	var info struct {
		ServerTitle string `json:"serverTitle"`
	}
	if err := c.doRequest(ctx, "/serverInfo", nil, &info); err != nil {
		return fmt.Errorf("upstream not reachable: %w", err)
	}
	return nil
}

// TimeZone returns the zone used for JQL timestamps.
func (c *Client) TimeZone() *time.Location {
	return c.location
}
