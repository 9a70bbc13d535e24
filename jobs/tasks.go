package jobs

import (
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/shipdesk/backoffice/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// reconcileOptions keeps one identical sweep in flight at a time.
func reconcileOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
		asynq.Unique(10 * time.Minute),
	}
}
