package notify

import (
	"context"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// RunNotifier publishes the end-of-run summary for downstream alerting.
// Notification failures are logged by callers but never fail the run.
type RunNotifier interface {
	PublishSummary(ctx context.Context, summary *domain.RunSummary) error
}
