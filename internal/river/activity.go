package river

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tracksearch/jirariver/internal/config"
	"github.com/tracksearch/jirariver/internal/logging"
)

// ActivityLog records one document per finished indexer run. It is
// best-effort: a failure to log never fails the run it describes.
type ActivityLog struct {
	backend Backend
	index   string
	docType string
	logger  *slog.Logger
}

// NewActivityLog creates an activity log writer. Returns nil (disabled) when
// the config section is absent.
func NewActivityLog(backend Backend, cfg *config.ActivityLogConfig, logger *slog.Logger) *ActivityLog {
	if cfg == nil || cfg.Index == "" {
		return nil
	}
	if logger == nil {
		logger = logging.WithComponent("activity")
	}
	return &ActivityLog{backend: backend, index: cfg.Index, docType: cfg.Type, logger: logger}
}

// Index returns the target index name, or empty when disabled.
func (a *ActivityLog) Index() string {
	if a == nil {
		return ""
	}
	return a.index
}

// Record writes one activity document for the run. Safe on a nil receiver.
func (a *ActivityLog) Record(ctx context.Context, res RunResult) {
	if a == nil {
		return
	}

	result := "OK"
	if res.Err != nil {
		result = "ERROR"
	}
	doc := map[string]any{
		"projectKey":    res.Project,
		"updateType":    string(res.Mode),
		"result":        result,
		"startDate":     res.Started.UTC().Format(time.RFC3339),
		"timeElapsed":   fmt.Sprintf("%dms", res.Elapsed.Milliseconds()),
		"issuesUpdated": res.Updated,
		"issuesDeleted": res.Deleted,
	}
	if a.docType != "" {
		doc["doc_type"] = a.docType
	}
	if res.Err != nil {
		doc["errorMessage"] = res.Err.Error()
	}

	if err := a.backend.IndexDocument(ctx, a.index, uuid.NewString(), doc); err != nil {
		a.logger.Warn("failed to write activity record",
			slog.String("project", res.Project),
			slog.String("error", err.Error()))
	}
}
