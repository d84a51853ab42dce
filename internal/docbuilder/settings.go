package docbuilder

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/docbuilder/preprocess"
)

//go:embed default_settings.json
var defaultSettingsJSON []byte

// CommentMode controls how issue comments are materialised in the backend.
type CommentMode string

const (
	// CommentNone drops comments entirely.
	CommentNone CommentMode = "none"
	// CommentEmbedded writes comments as a sub-array inside the issue document.
	CommentEmbedded CommentMode = "embedded"
	// CommentChild writes each comment as a child document of the issue.
	CommentChild CommentMode = "child"
	// CommentStandalone writes each comment as an independent document.
	CommentStandalone CommentMode = "standalone"
)

// ParseCommentMode parses a comment mode string. Empty means embedded.
func ParseCommentMode(s string) (CommentMode, error) {
	switch s {
	case "":
		return CommentEmbedded, nil
	case string(CommentNone), string(CommentEmbedded), string(CommentChild), string(CommentStandalone):
		return CommentMode(s), nil
	default:
		return "", fmt.Errorf("unknown comment mode: %s", s)
	}
}

// FieldSpec maps one output field to a dotted path in the upstream issue,
// optionally routed through a named value filter.
type FieldSpec struct {
	JiraField   string
	ValueFilter string
}

// Settings is the declarative issue-to-document transformation configuration.
type Settings struct {
	Index           string
	Type            string
	FieldRiverName  string
	FieldProjectKey string
	FieldIssueKey   string
	FieldIssueURL   string
	FieldDocType    string
	FieldIndexedAt  string
	Fields          map[string]FieldSpec
	ValueFilters    map[string]map[string]string
	CommentMode     CommentMode
	FieldComments   string
	CommentType     string
	CommentFields   map[string]FieldSpec
	Preprocessors   []preprocess.Spec

	// usingDefaults is set when the field template came from the embedded
	// defaults; the upstream call then fetches all fields.
	usingDefaults bool
}

// defaultTemplate mirrors the embedded JSON.
type defaultTemplate struct {
	Fields        map[string]rawFieldSpec      `json:"fields"`
	ValueFilters  map[string]map[string]string `json:"value_filters"`
	CommentFields map[string]rawFieldSpec      `json:"comment_fields"`
}

type rawFieldSpec struct {
	JiraField   string `json:"jira_field"`
	ValueFilter string `json:"value_filter"`
}

// DefaultSettings returns the embedded default field template.
func DefaultSettings() Settings {
	var tpl defaultTemplate
	if err := json.Unmarshal(defaultSettingsJSON, &tpl); err != nil {
		// The template ships inside the binary; failing to parse it is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded default settings invalid: %v", err))
	}
	return Settings{
		Type:            "jira_issue",
		FieldRiverName:  "river",
		FieldProjectKey: "project_key",
		FieldIssueKey:   "issue_key",
		FieldIssueURL:   "document_url",
		FieldDocType:    "doc_type",
		FieldIndexedAt:  "indexed_at",
		Fields:          convertRawSpecs(tpl.Fields),
		ValueFilters:    tpl.ValueFilters,
		CommentMode:     CommentEmbedded,
		FieldComments:   "comments",
		CommentType:     "jira_issue_comment",
		CommentFields:   convertRawSpecs(tpl.CommentFields),
		usingDefaults:   true,
	}
}

func convertRawSpecs(raw map[string]rawFieldSpec) map[string]FieldSpec {
	out := make(map[string]FieldSpec, len(raw))
	for name, spec := range raw {
		out[name] = FieldSpec{JiraField: spec.JiraField, ValueFilter: spec.ValueFilter}
	}
	return out
}

// SettingsFromConfig builds Settings from the index config section, falling
// back to the embedded template where the config is silent.
func SettingsFromConfig(cfg *config.IndexConfig) (Settings, error) {
	s := DefaultSettings()
	s.Index = cfg.Index

	if cfg.Type != "" {
		s.Type = cfg.Type
	}
	if cfg.FieldRiverName != "" {
		s.FieldRiverName = cfg.FieldRiverName
	}
	if cfg.FieldProjectKey != "" {
		s.FieldProjectKey = cfg.FieldProjectKey
	}
	if cfg.FieldIssueKey != "" {
		s.FieldIssueKey = cfg.FieldIssueKey
	}
	if cfg.FieldIssueURL != "" {
		s.FieldIssueURL = cfg.FieldIssueURL
	}
	if cfg.FieldDocType != "" {
		s.FieldDocType = cfg.FieldDocType
	}
	if cfg.FieldIndexedAt != "" {
		s.FieldIndexedAt = cfg.FieldIndexedAt
	}
	if cfg.FieldComments != "" {
		s.FieldComments = cfg.FieldComments
	}
	if cfg.CommentType != "" {
		s.CommentType = cfg.CommentType
	}

	mode, err := ParseCommentMode(cfg.CommentMode)
	if err != nil {
		return Settings{}, err
	}
	s.CommentMode = mode

	if len(cfg.Fields) > 0 {
		s.Fields = convertConfigSpecs(cfg.Fields)
		s.usingDefaults = false
	}
	if len(cfg.ValueFilters) > 0 {
		s.ValueFilters = cfg.ValueFilters
	}
	if len(cfg.CommentFields) > 0 {
		s.CommentFields = convertConfigSpecs(cfg.CommentFields)
	}

	for _, p := range cfg.Preprocessors {
		s.Preprocessors = append(s.Preprocessors, preprocess.Spec{
			Name:     p.Name,
			Type:     p.Type,
			Settings: p.Settings,
		})
	}

	return s, nil
}

func convertConfigSpecs(raw map[string]config.FieldSpec) map[string]FieldSpec {
	out := make(map[string]FieldSpec, len(raw))
	for name, spec := range raw {
		out[name] = FieldSpec{JiraField: spec.JiraField, ValueFilter: spec.ValueFilter}
	}
	return out
}

// validate checks the settings at builder construction time so bad config
// fails fast instead of corrupting documents later.
func (s *Settings) validate() error {
	required := map[string]string{
		"field_river_name":  s.FieldRiverName,
		"field_project_key": s.FieldProjectKey,
		"field_issue_key":   s.FieldIssueKey,
		"field_issue_url":   s.FieldIssueURL,
		"field_doc_type":    s.FieldDocType,
		"field_indexed_at":  s.FieldIndexedAt,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("index.%s must not be blank", key)
		}
	}
	if s.CommentMode == CommentEmbedded && s.FieldComments == "" {
		return fmt.Errorf("index.field_comments must not be blank in embedded comment mode")
	}
	if (s.CommentMode == CommentChild || s.CommentMode == CommentStandalone) && s.CommentType == "" {
		return fmt.Errorf("index.comment_type must not be blank in %s comment mode", s.CommentMode)
	}

	if err := validateSpecs("index.fields", s.Fields, s.ValueFilters); err != nil {
		return err
	}
	if s.CommentMode != CommentNone {
		if err := validateSpecs("index.comment_fields", s.CommentFields, s.ValueFilters); err != nil {
			return err
		}
	}
	return nil
}

func validateSpecs(section string, specs map[string]FieldSpec, filters map[string]map[string]string) error {
	for name, spec := range specs {
		if name == "" {
			return fmt.Errorf("%s contains a blank field name", section)
		}
		if spec.JiraField == "" {
			return fmt.Errorf("%s.%s is missing jira_field", section, name)
		}
		if spec.ValueFilter != "" {
			if _, ok := filters[spec.ValueFilter]; !ok {
				return fmt.Errorf("%s.%s references undefined value_filter %q", section, name, spec.ValueFilter)
			}
		}
	}
	return nil
}
