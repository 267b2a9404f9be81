package observability

import (
	"context"
	"log/slog"

	"buildit/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueDepthCounter is the subset of store.QueueStore the queue-depth
// gauge needs.
type QueueDepthCounter interface {
	Count(ctx context.Context, status store.QueueStatus) (int64, error)
}

// queueDepthBuckets are the QueueStatus values worth an operator's
// attention on a dashboard; completed/failed rows churn too fast to be
// interesting as a gauge.
var queueDepthBuckets = []store.QueueStatus{store.QueueStatusPending, store.QueueStatusRunning}

// RegisterQueueDepthGauge registers an async gauge reporting queue depth
// per status bucket, queried only when scraped. Generalizes a
// single-bucket queue depth gauge to one series per QueueStatus.
func RegisterQueueDepthGauge(counter QueueDepthCounter, logger *slog.Logger) error {
	meter := otel.Meter("buildit-coordinator")
	_, err := meter.Int64ObservableGauge("buildit.queue.depth",
		metric.WithDescription("Current number of stage attempts in the queue, by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			for _, status := range queueDepthBuckets {
				count, err := counter.Count(ctx, status)
				if err != nil {
					logger.Warn("queue depth scrape failed", "status", status, "error", err)
					continue
				}
				obs.Observe(count, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
	return err
}
