package river

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracksearch/jirariver/internal/search"
)

// PropertyLastIssueUpdated is the watermark property: the newest issue
// update timestamp a successful run has indexed for a project.
const PropertyLastIssueUpdated = "lastIndexedIssueUpdateDate"

// stateDocument is the stored shape of one per-project property.
type stateDocument struct {
	ProjectKey   string `json:"projectKey"`
	PropertyName string `json:"propertyName"`
	Value        string `json:"value"`
}

// StateStore persists per-project datetime properties in a private index on
// the search backend, so state survives restarts and is shared between
// replicas.
type StateStore struct {
	backend Backend
	index   string
}

// NewStateStore creates a state store over the given private index.
func NewStateStore(backend Backend, index string) *StateStore {
	return &StateStore{backend: backend, index: index}
}

// documentID is "_<property>_<project>", keeping all properties of a project
// greppable in the state index.
func documentID(property, projectKey string) string {
	return "_" + property + "_" + projectKey
}

// ReadDatetime reads a stored datetime property. The boolean reports whether
// the property exists. The state index is refreshed first so a value written
// moments ago by another run is visible.
func (s *StateStore) ReadDatetime(ctx context.Context, projectKey, property string) (time.Time, bool, error) {
	if err := s.backend.Refresh(ctx, s.index); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to refresh state index: %w", err)
	}

	raw, found, err := s.backend.GetDocument(ctx, s.index, documentID(property, projectKey))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s for %s: %w", property, projectKey, err)
	}
	if !found {
		return time.Time{}, false, nil
	}

	var doc stateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt state document for %s/%s: %w", projectKey, property, err)
	}
	t, err := time.Parse(time.RFC3339, doc.Value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt state value for %s/%s: %w", projectKey, property, err)
	}
	return t, true, nil
}

// AppendDatetime appends the property write to a bulk request, so the value
// commits atomically with the page of documents it describes.
func (s *StateStore) AppendDatetime(bulk *search.BulkRequest, projectKey, property string, t time.Time) {
	bulk.Index(s.index, documentID(property, projectKey), stateDocument{
		ProjectKey:   projectKey,
		PropertyName: property,
		Value:        t.UTC().Format(time.RFC3339),
	})
}

// StoreDatetime writes the property synchronously.
func (s *StateStore) StoreDatetime(ctx context.Context, projectKey, property string, t time.Time) error {
	doc := stateDocument{
		ProjectKey:   projectKey,
		PropertyName: property,
		Value:        t.UTC().Format(time.RFC3339),
	}
	if err := s.backend.IndexDocument(ctx, s.index, documentID(property, projectKey), doc); err != nil {
		return fmt.Errorf("failed to store %s for %s: %w", property, projectKey, err)
	}
	return nil
}

// DeleteDatetime removes the property. The next run for the project finds no
// watermark and is promoted to a full one.
func (s *StateStore) DeleteDatetime(ctx context.Context, projectKey, property string) error {
	if err := s.backend.DeleteDocument(ctx, s.index, documentID(property, projectKey)); err != nil {
		return fmt.Errorf("failed to delete %s for %s: %w", property, projectKey, err)
	}
	return nil
}
