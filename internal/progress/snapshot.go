package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

// DetailTopic carries job and step boundary records for history display.
const DetailTopic = "job.detail"

// Topic returns the progress topic of a job.
func Topic(jobName string) string {
	return "progress." + jobName
}

// Snapshot is the progress of one job as seen by subscribers.
type Snapshot struct {
	Active    bool      `json:"active"`
	Started   time.Time `json:"started"`
	StepName  string    `json:"stepName"`
	Total     int64     `json:"total"`
	Processed int64     `json:"processed"`
}

// JobDetail is published on every job and step boundary.
type JobDetail struct {
	ExecutionID string       `json:"executionId"`
	JobName     string       `json:"jobName"`
	Status      batch.Status `json:"status"`
	StepName    string       `json:"stepName,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	ExitMessage string       `json:"exitMessage,omitempty"`
}

// Publisher delivers a payload to every subscriber of topic. Delivery is fire
// and forget.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type PublisherFunc func(ctx context.Context, topic string, payload any) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, payload any) error {
	return f(ctx, topic, payload)
}

var PublishFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "progress_publish_failures_total",
	Help: "Progress messages that could not be delivered, by topic",
}, []string{"topic"})

func init() {
	prometheus.MustRegister(PublishFailuresTotal)
}

// publish never fails the caller: transport errors are logged and counted.
func publish(ctx context.Context, pub Publisher, logger *slog.Logger, topic string, payload any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, topic, payload); err != nil {
		PublishFailuresTotal.WithLabelValues(topic).Inc()
		logger.Warn("progress publish failed", "topic", topic, "error", err)
	}
}
