package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "river.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Jira.Timeout.Std() != 5*time.Second {
		t.Errorf("jira.timeout = %v, want 5s", cfg.Jira.Timeout.Std())
	}
	if cfg.Jira.MaxIssuesPerRequest != 50 {
		t.Errorf("jira.maxIssuesPerRequest = %d, want 50", cfg.Jira.MaxIssuesPerRequest)
	}
	if cfg.Jira.IndexUpdatePeriod.Std() != 5*time.Minute {
		t.Errorf("jira.indexUpdatePeriod = %v, want 5m", cfg.Jira.IndexUpdatePeriod.Std())
	}
	if cfg.Jira.IndexFullUpdatePeriod.Std() != 12*time.Hour {
		t.Errorf("jira.indexFullUpdatePeriod = %v, want 12h", cfg.Jira.IndexFullUpdatePeriod.Std())
	}
	if cfg.Jira.MaxIndexingThreads != 1 {
		t.Errorf("jira.maxIndexingThreads = %d, want 1", cfg.Jira.MaxIndexingThreads)
	}
	if cfg.Index.Type != "jira_issue" {
		t.Errorf("index.type = %s, want jira_issue", cfg.Index.Type)
	}
	if cfg.Index.CommentMode != CommentModeEmbedded {
		t.Errorf("index.comment_mode = %s, want embedded", cfg.Index.CommentMode)
	}
	if cfg.River.StateIndex != "jira_river" {
		t.Errorf("river.state_index = %s, want jira_river", cfg.River.StateIndex)
	}
	if cfg.River.TickInterval.Std() != 30*time.Second {
		t.Errorf("river.tick_interval = %v, want 30s", cfg.River.TickInterval.Std())
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
jira:
  urlBase: https://issues.example.org
  username: river
  pwd: secret
  maxIssuesPerRequest: 25
  indexUpdatePeriod: 10m
  projectKeysIndexed: [AAA, BBB]
river:
  name: my_river
elasticsearch:
  addresses: [http://localhost:9200]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Jira.URLBase != "https://issues.example.org" {
		t.Errorf("urlBase = %s, want https://issues.example.org", cfg.Jira.URLBase)
	}
	if cfg.Jira.MaxIssuesPerRequest != 25 {
		t.Errorf("maxIssuesPerRequest = %d, want 25", cfg.Jira.MaxIssuesPerRequest)
	}
	if cfg.Jira.IndexUpdatePeriod.Std() != 10*time.Minute {
		t.Errorf("indexUpdatePeriod = %v, want 10m", cfg.Jira.IndexUpdatePeriod.Std())
	}
	if got := []string(cfg.Jira.ProjectKeysIndexed); len(got) != 2 || got[0] != "AAA" || got[1] != "BBB" {
		t.Errorf("projectKeysIndexed = %v, want [AAA BBB]", got)
	}
	// defaults survive partial config
	if cfg.Jira.Timeout.Std() != 5*time.Second {
		t.Errorf("timeout = %v, want default 5s", cfg.Jira.Timeout.Std())
	}
	// index name defaults to river name
	if cfg.Index.Index != "my_river" {
		t.Errorf("index.index = %s, want my_river", cfg.Index.Index)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("RIVER_TEST_PASSWORD", "hunter2")
	path := writeConfig(t, `
jira:
  urlBase: https://issues.example.org
  pwd: ${RIVER_TEST_PASSWORD}
river:
  name: r
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Jira.Password != "hunter2" {
		t.Errorf("password = %s, want hunter2", cfg.Jira.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load of missing file should fail")
	}
}

func TestLoad_ClampsMaxIssuesPerRequest(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"zero uses default", "0", 50},
		{"negative uses default", "-5", 50},
		{"above cap clamped", "500", 100},
		{"in range kept", "75", 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `
jira:
  urlBase: https://issues.example.org
  maxIssuesPerRequest: `+tt.value+`
river:
  name: r
`)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Jira.MaxIssuesPerRequest != tt.want {
				t.Errorf("maxIssuesPerRequest = %d, want %d", cfg.Jira.MaxIssuesPerRequest, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Jira.URLBase = "https://issues.example.org"
		cfg.River.Name = "my_river"
		cfg.Index.Index = "my_river"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing urlBase", func(c *Config) { c.Jira.URLBase = "" }, "jira.urlBase"},
		{"bad urlBase scheme", func(c *Config) { c.Jira.URLBase = "ftp://x" }, "jira.urlBase"},
		{"bad timezone", func(c *Config) { c.Jira.JQLTimeZone = "Mars/Olympus" }, "jira.jqlTimeZone"},
		{"missing river name", func(c *Config) { c.River.Name = "" }, "river.name"},
		{"missing addresses", func(c *Config) { c.Elasticsearch.Addresses = nil }, "elasticsearch.addresses"},
		{"bad comment mode", func(c *Config) { c.Index.CommentMode = "inline" }, "comment_mode"},
		{"activity log without index", func(c *Config) { c.ActivityLog = &ActivityLogConfig{} }, "activity_log.index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate should fail for %s", tt.name)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestJiraConfig_Location(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jira.URLBase = "https://issues.example.org"
	cfg.River.Name = "r"
	cfg.Index.Index = "r"

	if cfg.Jira.Location() != time.UTC {
		t.Errorf("default Location = %v, want UTC", cfg.Jira.Location())
	}

	cfg.Jira.JQLTimeZone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Jira.Location().String() != "America/New_York" {
		t.Errorf("Location = %v, want America/New_York", cfg.Jira.Location())
	}
}

func TestStringList_CSVScalar(t *testing.T) {
	var c struct {
		Keys StringList `yaml:"keys"`
	}
	if err := yaml.Unmarshal([]byte(`keys: "AAA, BBB,CCC"`), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	want := []string{"AAA", "BBB", "CCC"}
	if len(c.Keys) != len(want) {
		t.Fatalf("keys = %v, want %v", c.Keys, want)
	}
	for i := range want {
		if c.Keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, c.Keys[i], want[i])
		}
	}
}

func TestDuration_Invalid(t *testing.T) {
	var c struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte(`d: soon`), &c); err == nil {
		t.Fatal("unmarshal of invalid duration should fail")
	}
}

