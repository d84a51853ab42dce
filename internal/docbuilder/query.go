package docbuilder

import (
	"encoding/json"
	"time"
)

// DeletionQuery selects every document of this river and project whose
// ingest timestamp predates notUpdatedAfter. A full run executes it after
// re-indexing the whole project: whatever was not re-ingested no longer
// exists upstream and gets deleted.
func (b *Builder) DeletionQuery(projectKey string, notUpdatedAfter time.Time) string {
	s := b.settings

	docTypes := []string{s.Type}
	if s.CommentMode == CommentChild || s.CommentMode == CommentStandalone {
		docTypes = append(docTypes, s.CommentType)
	}

	query := map[string]any{
		"_source": false,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{s.FieldRiverName: b.riverName}},
					map[string]any{"term": map[string]any{s.FieldProjectKey: projectKey}},
					map[string]any{"terms": map[string]any{s.FieldDocType: docTypes}},
					map[string]any{"range": map[string]any{
						s.FieldIndexedAt: map[string]any{"lt": notUpdatedAfter.UTC().Format(time.RFC3339Nano)},
					}},
				},
			},
		},
	}

	// Marshalling a map of JSON-safe values cannot fail.
	body, _ := json.Marshal(query)
	return string(body)
}
