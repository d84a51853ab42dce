// Package docbuilder transforms upstream issue JSON into search documents
// according to a declarative field and filter configuration.
package docbuilder

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/tracksearch/jirariver/internal/docbuilder/preprocess"
	"github.com/tracksearch/jirariver/internal/jira"
	"github.com/tracksearch/jirariver/internal/logging"
)

// JoinField is the ES join field linking comment children to their issue
// parent in child comment mode. The coordinator maps it when it creates the
// target index.
const JoinField = "join_field"

// URLs builds canonical browse links for issues and comments. Implemented by
// the jira client.
type URLs interface {
	IssueURL(issueKey string) string
	CommentURL(issueKey, commentID string) string
}

// CommentDoc is one comment materialised as its own document.
type CommentDoc struct {
	ID      string
	Routing string // parent issue key in child mode, empty otherwise
	Doc     map[string]any
}

// IssueDocs is the result of transforming one upstream issue.
type IssueDocs struct {
	IssueKey string
	Issue    map[string]any
	Comments []CommentDoc
}

// Builder performs the issue-to-document transformation. It is pure apart
// from logging; all I/O stays with the caller.
type Builder struct {
	settings      Settings
	riverName     string
	urls          URLs
	preprocessors []preprocess.Preprocessor
	logger        *slog.Logger
}

// NewBuilder validates the settings and compiles the preprocessor chain.
func NewBuilder(settings Settings, reg *preprocess.Registry, riverName string, urls URLs, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = logging.WithComponent("docbuilder")
	}
	if riverName == "" {
		return nil, fmt.Errorf("river name must not be blank")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}

	var chain []preprocess.Preprocessor
	for _, spec := range settings.Preprocessors {
		if reg == nil {
			return nil, fmt.Errorf("preprocessors configured but no registry supplied")
		}
		p, err := reg.Build(spec)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}

	return &Builder{
		settings:      settings,
		riverName:     riverName,
		urls:          urls,
		preprocessors: chain,
		logger:        logger,
	}, nil
}

// Settings returns the compiled settings.
func (b *Builder) Settings() Settings {
	return b.settings
}

// RequiredFields returns the upstream fields the search call must request.
// Nil means all fields, used when the embedded default template is active.
func (b *Builder) RequiredFields() []string {
	if b.settings.usingDefaults {
		return nil
	}

	set := map[string]bool{"updated": true, "project": true}
	for _, spec := range b.settings.Fields {
		if head := fieldHead(spec.JiraField); head != "" {
			set[head] = true
		}
	}
	if b.settings.CommentMode != CommentNone {
		set["comment"] = true
	}

	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// fieldHead returns the first path segment after an optional "fields."
// prefix; that is the name the upstream search API filters by.
func fieldHead(path string) string {
	path = strings.TrimPrefix(path, "fields.")
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// Build transforms one upstream issue into its index documents.
func (b *Builder) Build(issue jira.Issue) (*IssueDocs, error) {
	if issue.Key == "" {
		return nil, fmt.Errorf("issue has no key")
	}

	raw := map[string]any{
		"id":     issue.ID,
		"key":    issue.Key,
		"self":   issue.Self,
		"fields": issue.Fields,
	}

	projectKey, _ := extract(raw, "fields.project.key").(string)
	if projectKey == "" {
		return nil, fmt.Errorf("issue %s has no project key", issue.Key)
	}

	for _, p := range b.preprocessors {
		next, err := p.Apply(projectKey, raw)
		if err != nil {
			b.logger.Warn("preprocessor failed, issue passed through unmodified",
				slog.String("preprocessor", p.Name()),
				slog.String("issue", issue.Key),
				slog.String("error", err.Error()))
			continue
		}
		raw = next
	}

	s := b.settings
	doc := map[string]any{
		s.FieldRiverName:  b.riverName,
		s.FieldProjectKey: projectKey,
		s.FieldIssueKey:   issue.Key,
		s.FieldIssueURL:   b.urls.IssueURL(issue.Key),
		s.FieldDocType:    s.Type,
	}

	for name, spec := range s.Fields {
		value := extract(raw, spec.JiraField)
		if value == nil {
			continue
		}
		doc[name] = b.applyFilter(name, spec.ValueFilter, value)
	}

	out := &IssueDocs{IssueKey: issue.Key, Issue: doc}

	switch s.CommentMode {
	case CommentNone:
	case CommentEmbedded:
		if embedded := b.buildEmbeddedComments(issue.Key, raw); len(embedded) > 0 {
			doc[s.FieldComments] = embedded
		}
	case CommentChild:
		doc[JoinField] = map[string]any{"name": s.Type}
		out.Comments = b.buildCommentDocs(issue.Key, projectKey, raw, true)
	case CommentStandalone:
		out.Comments = b.buildCommentDocs(issue.Key, projectKey, raw, false)
	}

	return out, nil
}

// comments returns the upstream comment list for the issue.
func (b *Builder) comments(issueKey string, raw map[string]any) []any {
	list, ok := extract(raw, "fields.comment.comments").([]any)
	if !ok {
		return nil
	}
	if total, ok := extract(raw, "fields.comment.total").(float64); ok && int(total) != len(list) {
		b.logger.Debug("upstream truncated the comment list",
			slog.String("issue", issueKey),
			slog.Int("returned", len(list)),
			slog.Int("total", int(total)))
	}
	return list
}

func (b *Builder) buildEmbeddedComments(issueKey string, raw map[string]any) []any {
	var out []any
	for _, item := range b.comments(issueKey, raw) {
		comment, ok := item.(map[string]any)
		if !ok {
			continue
		}
		doc, id := b.commentFieldsDoc(comment)
		if id != "" {
			doc[b.settings.FieldIssueURL] = b.urls.CommentURL(issueKey, id)
		}
		out = append(out, doc)
	}
	return out
}

func (b *Builder) buildCommentDocs(issueKey, projectKey string, raw map[string]any, child bool) []CommentDoc {
	s := b.settings
	var out []CommentDoc
	for _, item := range b.comments(issueKey, raw) {
		comment, ok := item.(map[string]any)
		if !ok {
			continue
		}
		doc, id := b.commentFieldsDoc(comment)
		if id == "" {
			b.logger.Warn("comment without id skipped", slog.String("issue", issueKey))
			continue
		}
		doc[s.FieldRiverName] = b.riverName
		doc[s.FieldProjectKey] = projectKey
		doc[s.FieldIssueKey] = issueKey
		doc[s.FieldIssueURL] = b.urls.CommentURL(issueKey, id)
		doc[s.FieldDocType] = s.CommentType

		cd := CommentDoc{ID: id, Doc: doc}
		if child {
			doc[JoinField] = map[string]any{"name": s.CommentType, "parent": issueKey}
			cd.Routing = issueKey
		}
		out = append(out, cd)
	}
	return out
}

// commentFieldsDoc extracts the configured comment fields and the comment id.
func (b *Builder) commentFieldsDoc(comment map[string]any) (map[string]any, string) {
	doc := make(map[string]any, len(b.settings.CommentFields))
	for name, spec := range b.settings.CommentFields {
		value := extract(comment, spec.JiraField)
		if value == nil {
			continue
		}
		doc[name] = b.applyFilter(name, spec.ValueFilter, value)
	}
	return doc, asString(comment["id"])
}

// applyFilter applies the named value filter to an extracted value. Objects
// and sequences of objects are filtered; anything else passes through with a
// warning, since a filter on a scalar is almost always a config mistake.
func (b *Builder) applyFilter(fieldName, filterName string, value any) any {
	if filterName == "" {
		return value
	}
	filter := b.settings.ValueFilters[filterName]

	switch v := value.(type) {
	case map[string]any:
		return filterObject(v, filter)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				b.logger.Warn("value filter applied to a sequence of non-objects, passed through",
					slog.String("field", fieldName),
					slog.String("filter", filterName))
				return value
			}
			out = append(out, filterObject(obj, filter))
		}
		return out
	default:
		b.logger.Warn("value filter applied to a scalar, passed through",
			slog.String("field", fieldName),
			slog.String("filter", filterName))
		return value
	}
}

// filterObject keeps only the filter's keys, renamed to the mapped names.
func filterObject(obj map[string]any, filter map[string]string) map[string]any {
	out := make(map[string]any, len(filter))
	for from, to := range filter {
		if v, ok := obj[from]; ok {
			out[to] = v
		}
	}
	return out
}

// extract walks a dotted path through nested objects. A missing hop or a
// non-object intermediate yields nil, never an error.
func extract(doc map[string]any, path string) any {
	current := any(doc)
	for path != "" {
		var segment string
		if i := strings.IndexByte(path, '.'); i >= 0 {
			segment, path = path[:i], path[i+1:]
		} else {
			segment, path = path, ""
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// asString renders a JSON scalar id as a string.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
