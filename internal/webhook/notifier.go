package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paulgrammer/comicbatch/internal/progress"
)

// JobNotifier posts finished job executions to a fixed URL. Delivery runs in
// the background so retries never hold up the launcher.
type JobNotifier struct {
	sender Sender
	url    string
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewJobNotifier(sender Sender, url string, logger *slog.Logger) *JobNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobNotifier{sender: sender, url: url, logger: logger}
}

func (n *JobNotifier) JobFinished(ctx context.Context, d progress.JobDetail) {
	event := Event{
		ExecutionID: d.ExecutionID,
		JobName:     d.JobName,
		Status:      string(d.Status),
		Error:       d.ExitMessage,
		StartedAt:   d.StartedAt,
		FinishedAt:  d.FinishedAt,
		Timestamp:   time.Now().UTC(),
	}
	if d.StepName != "" {
		event.Metadata = map[string]string{"last_step": d.StepName}
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sender.Notify(ctx, n.url, event); err != nil {
			n.logger.Error("webhook delivery failed", "job", d.JobName, "execution_id", d.ExecutionID, "error", err)
			return
		}
		n.logger.Debug("webhook delivered", "job", d.JobName, "execution_id", d.ExecutionID)
	}()
}

// Wait blocks until pending deliveries are done.
func (n *JobNotifier) Wait() {
	n.wg.Wait()
}
