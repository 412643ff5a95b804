package progress

import (
	"context"
	"log/slog"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

// TerminalHook is told about every execution that reached a terminal status.
type TerminalHook interface {
	JobFinished(ctx context.Context, detail JobDetail)
}

// DetailPublisher publishes a JobDetail on every job and step boundary. It is
// registered once on the launcher and serves every job.
type DetailPublisher struct {
	pub    Publisher
	logger *slog.Logger
	hooks  []TerminalHook
}

func NewDetailPublisher(pub Publisher, logger *slog.Logger, hooks ...TerminalHook) *DetailPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetailPublisher{pub: pub, logger: logger, hooks: hooks}
}

func DetailOf(exec *batch.JobExecution, step *batch.StepExecution) JobDetail {
	d := JobDetail{
		ExecutionID: exec.ID,
		JobName:     exec.JobName,
		Status:      exec.Status,
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.FinishedAt,
		ExitMessage: exec.ExitMessage,
	}
	if step != nil {
		d.StepName = step.StepName
	}
	return d
}

func (p *DetailPublisher) BeforeJob(ctx context.Context, exec *batch.JobExecution) {
	publish(ctx, p.pub, p.logger, DetailTopic, DetailOf(exec, nil))
}

func (p *DetailPublisher) AfterJob(ctx context.Context, exec *batch.JobExecution) {
	d := DetailOf(exec, exec.CurrentStep())
	publish(ctx, p.pub, p.logger, DetailTopic, d)
	if exec.Status.Terminal() {
		for _, h := range p.hooks {
			h.JobFinished(ctx, d)
		}
	}
}

func (p *DetailPublisher) BeforeStep(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	publish(ctx, p.pub, p.logger, DetailTopic, DetailOf(exec, step))
}

func (p *DetailPublisher) AfterStep(ctx context.Context, exec *batch.JobExecution, step *batch.StepExecution) {
	publish(ctx, p.pub, p.logger, DetailTopic, DetailOf(exec, step))
}
