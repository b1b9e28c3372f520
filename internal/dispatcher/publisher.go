package dispatcher

import (
	"log/slog"
	"oprlmbatch/internal/job"
	"oprlmbatch/pkg/cloudevent"
)

// Publisher turns run lifecycle callbacks into CloudEvents. It implements
// job.Observer and never blocks the caller.
type Publisher struct {
	d       Dispatcher
	builder *job.EventBuilder
	filter  []string
	logger  *slog.Logger
}

// NewPublisher publishes through d the event types allowed by filter.
// An empty filter allows every type.
func NewPublisher(d Dispatcher, runID, source string, filter []string) *Publisher {
	return &Publisher{
		d:       d,
		builder: job.NewEventBuilder(runID, source),
		filter:  filter,
		logger:  slog.With("component", "publisher", "runId", runID),
	}
}

// RunStarted publishes the run start.
func (p *Publisher) RunStarted(total int, dryRun bool) {
	p.publish(p.builder.RunStarted(total, dryRun))
}

// OnTransition implements job.Observer.
func (p *Publisher) OnTransition(jobID string, from, to job.State) {
	p.publish(p.builder.StateChanged(jobID, from, to))
}

// OnResult publishes a terminal result.
func (p *Publisher) OnResult(r job.Result) {
	p.publish(p.builder.Finished(r))
}

// RunFinished publishes the run totals.
func (p *Publisher) RunFinished(total, succeeded, failed, skipped int) {
	p.publish(p.builder.RunFinished(total, succeeded, failed, skipped))
}

func (p *Publisher) publish(event *cloudevent.CloudEvent) {
	if !job.FilteredEvents(event.Type, p.filter) {
		return
	}
	if err := p.d.Dispatch(event); err != nil {
		p.logger.Debug("Event not queued", "type", event.Type, "subject", event.Subject, "error", err)
	}
}

var _ job.Observer = (*Publisher)(nil)
