package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	TaskDuration         metric.Float64Histogram
	DownloadDuration     metric.Float64Histogram
	UploadDuration       metric.Float64Histogram
	BytesTransferred     metric.Int64Counter
	TasksFailed          metric.Int64Counter
	ActiveTasks          metric.Int64UpDownCounter
	QueuePublishTotal    metric.Int64Counter
	QueueDeadLettered    metric.Int64Counter
	CircuitBreakerTrips  metric.Int64Counter
	LeaderElectionEvents metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("orchestrator.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("orchestrator.task.duration",
		metric.WithDescription("End-to-end task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DownloadDuration, err = meter.Float64Histogram("orchestrator.download.duration",
		metric.WithDescription("Source download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadDuration, err = meter.Float64Histogram("orchestrator.upload.duration",
		metric.WithDescription("Telegram upload duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BytesTransferred, err = meter.Int64Counter("orchestrator.transfer.bytes",
		metric.WithDescription("Total bytes moved across downloads and uploads"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("orchestrator.task.failures",
		metric.WithDescription("Task failure count by stage"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("orchestrator.task.active",
		metric.WithDescription("Number of tasks currently downloading or uploading"),
	)
	if err != nil {
		return nil, err
	}

	m.QueuePublishTotal, err = meter.Int64Counter("orchestrator.queuebus.publish",
		metric.WithDescription("QueueBus publish count by topic"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDeadLettered, err = meter.Int64Counter("orchestrator.queuebus.dead_lettered",
		metric.WithDescription("Messages moved to the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.CircuitBreakerTrips, err = meter.Int64Counter("orchestrator.queuebus.breaker_trips",
		metric.WithDescription("Circuit breaker open transitions by topic"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaderElectionEvents, err = meter.Int64Counter("orchestrator.coordinator.leader_events",
		metric.WithDescription("Leader acquisition/loss events observed by this replica"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
