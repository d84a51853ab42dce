// Package config loads and validates the river configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tracksearch/jirariver/internal/logging"
)

// Config represents the main configuration.
type Config struct {
	Log           *logging.Config    `yaml:"log"`
	Jira          *JiraConfig        `yaml:"jira"`
	Elasticsearch *ElasticConfig     `yaml:"elasticsearch"`
	Index         *IndexConfig       `yaml:"index"`
	ActivityLog   *ActivityLogConfig `yaml:"activity_log"`
	River         *RiverConfig       `yaml:"river"`
}

// JiraConfig holds upstream tracker settings, including the per-project
// indexing cadence the coordinator schedules with.
type JiraConfig struct {
	URLBase                 string     `yaml:"urlBase"`
	Username                string     `yaml:"username"`
	Password                string     `yaml:"pwd"`
	Timeout                 Duration   `yaml:"timeout"`
	MaxIssuesPerRequest     int        `yaml:"maxIssuesPerRequest"`
	JQLTimeZone             string     `yaml:"jqlTimeZone"`
	ProjectKeysIndexed      StringList `yaml:"projectKeysIndexed"`
	ProjectKeysExcluded     StringList `yaml:"projectKeysExcluded"`
	ProjectsRefreshInterval Duration   `yaml:"projectsRefreshInterval"`
	IndexUpdatePeriod       Duration   `yaml:"indexUpdatePeriod"`
	IndexFullUpdatePeriod   Duration   `yaml:"indexFullUpdatePeriod"`
	IndexFullUpdateCron     string     `yaml:"indexFullUpdateCronExpression"`
	MaxIndexingThreads      int        `yaml:"maxIndexingThreads"`

	location *time.Location
}

// Location returns the time zone used to render JQL timestamps.
// Resolved during Validate; defaults to UTC.
func (c *JiraConfig) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// ElasticConfig holds search backend connection settings.
type ElasticConfig struct {
	Addresses   []string `yaml:"addresses"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	WaitTimeout Duration `yaml:"waitTimeout"`
}

// IndexConfig holds the declarative issue-to-document transformation:
// target index, provenance field names, field mappings, value filters,
// comment handling and preprocessors.
type IndexConfig struct {
	Index           string                       `yaml:"index"`
	Type            string                       `yaml:"type"`
	FieldRiverName  string                       `yaml:"field_river_name"`
	FieldProjectKey string                       `yaml:"field_project_key"`
	FieldIssueKey   string                       `yaml:"field_issue_key"`
	FieldIssueURL   string                       `yaml:"field_issue_url"`
	FieldDocType    string                       `yaml:"field_doc_type"`
	FieldIndexedAt  string                       `yaml:"field_indexed_at"`
	Fields          map[string]FieldSpec         `yaml:"fields"`
	ValueFilters    map[string]map[string]string `yaml:"value_filters"`
	CommentMode     string                       `yaml:"comment_mode"`
	FieldComments   string                       `yaml:"field_comments"`
	CommentType     string                       `yaml:"comment_type"`
	CommentFields   map[string]FieldSpec         `yaml:"comment_fields"`
	Preprocessors   []PreprocessorSpec           `yaml:"preprocessors"`
}

// FieldSpec maps one output field to a dotted path in the upstream issue,
// optionally routed through a named value filter.
type FieldSpec struct {
	JiraField   string `yaml:"jira_field"`
	ValueFilter string `yaml:"value_filter"`
}

// PreprocessorSpec configures one transformation stage applied to the raw
// issue before field extraction.
type PreprocessorSpec struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Settings map[string]any `yaml:"settings"`
}

// ActivityLogConfig enables per-run activity records when present.
type ActivityLogConfig struct {
	Index string `yaml:"index"`
	Type  string `yaml:"type"`
}

// RiverConfig identifies this river instance and its private state index.
type RiverConfig struct {
	Name         string   `yaml:"name"`
	StateIndex   string   `yaml:"state_index"`
	TickInterval Duration `yaml:"tick_interval"`
}

// Valid comment modes. The zero value means embedded.
const (
	CommentModeNone       = "none"
	CommentModeEmbedded   = "embedded"
	CommentModeChild      = "child"
	CommentModeStandalone = "standalone"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Jira: &JiraConfig{
			Timeout:                 Duration(5 * time.Second),
			MaxIssuesPerRequest:     50,
			ProjectsRefreshInterval: Duration(30 * time.Minute),
			IndexUpdatePeriod:       Duration(5 * time.Minute),
			IndexFullUpdatePeriod:   Duration(12 * time.Hour),
			MaxIndexingThreads:      1,
		},
		Elasticsearch: &ElasticConfig{
			Addresses:   []string{"http://localhost:9200"},
			WaitTimeout: Duration(60 * time.Second),
		},
		Index: &IndexConfig{
			Type:            "jira_issue",
			FieldRiverName:  "river",
			FieldProjectKey: "project_key",
			FieldIssueKey:   "issue_key",
			FieldIssueURL:   "document_url",
			FieldDocType:    "doc_type",
			FieldIndexedAt:  "indexed_at",
			CommentMode:     CommentModeEmbedded,
			FieldComments:   "comments",
			CommentType:     "jira_issue_comment",
		},
		River: &RiverConfig{
			StateIndex:   "jira_river",
			TickInterval: Duration(30 * time.Second),
		},
	}
}

// Load loads configuration from a file. Environment variables referenced as
// ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.normalize()
	return config, nil
}

// normalize fills derived defaults and clamps out-of-range values.
func (c *Config) normalize() {
	if c.Jira != nil {
		if c.Jira.MaxIssuesPerRequest <= 0 {
			c.Jira.MaxIssuesPerRequest = 50
		}
		if c.Jira.MaxIssuesPerRequest > 100 {
			c.Jira.MaxIssuesPerRequest = 100
		}
		if c.Jira.MaxIndexingThreads < 1 {
			c.Jira.MaxIndexingThreads = 1
		}
	}
	if c.Index != nil && c.Index.Index == "" && c.River != nil {
		c.Index.Index = c.River.Name
	}
	if c.ActivityLog != nil && c.ActivityLog.Type == "" {
		c.ActivityLog.Type = "jira_river_indexupdate"
	}
}

// Validate validates the configuration. Errors name the offending key.
func (c *Config) Validate() error {
	if c.Jira == nil || c.Jira.URLBase == "" {
		return fmt.Errorf("jira.urlBase is required")
	}
	u, err := url.Parse(c.Jira.URLBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("jira.urlBase is not a valid http(s) URL: %s", c.Jira.URLBase)
	}
	if c.Jira.JQLTimeZone != "" {
		loc, err := time.LoadLocation(c.Jira.JQLTimeZone)
		if err != nil {
			return fmt.Errorf("jira.jqlTimeZone is not a valid IANA zone: %s", c.Jira.JQLTimeZone)
		}
		c.Jira.location = loc
	}
	if c.River == nil || c.River.Name == "" {
		return fmt.Errorf("river.name is required")
	}
	if c.River.StateIndex == "" {
		return fmt.Errorf("river.state_index is required")
	}
	if c.Elasticsearch == nil || len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses is required")
	}
	if c.Index == nil || c.Index.Index == "" {
		return fmt.Errorf("index.index is required")
	}
	switch c.Index.CommentMode {
	case "", CommentModeNone, CommentModeEmbedded, CommentModeChild, CommentModeStandalone:
	default:
		return fmt.Errorf("index.comment_mode must be one of none, embedded, child, standalone: %s", c.Index.CommentMode)
	}
	if c.ActivityLog != nil && c.ActivityLog.Index == "" {
		return fmt.Errorf("activity_log.index is required when activity_log is configured")
	}
	return nil
}

// Duration wraps time.Duration for yaml parsing of values like "5m" or "12h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StringList accepts either a yaml sequence or a comma-separated scalar.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	*l = items
	return nil
}
