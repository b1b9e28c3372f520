package job

import (
	"oprlmbatch/pkg/cloudevent"
	"slices"
)

// Event types for lifecycle notifications.
const (
	EventTypeRunStarted  = "oprlm.run.started"
	EventTypeState       = "oprlm.job.state"
	EventTypeResult      = "oprlm.job.result"
	EventTypeRunFinished = "oprlm.run.finished"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one run.
type EventBuilder struct {
	source string
	runID  string
}

// NewEventBuilder creates a builder whose events carry runID.
func NewEventBuilder(runID, source string) *EventBuilder {
	return &EventBuilder{source: source, runID: runID}
}

func (b *EventBuilder) build(eventType, subject string, data map[string]any) *cloudevent.CloudEvent {
	data["runId"] = b.runID
	return cloudevent.New(eventType, b.source, subject, data)
}

// RunStarted announces a run with its planned job count.
func (b *EventBuilder) RunStarted(total int, dryRun bool) *cloudevent.CloudEvent {
	return b.build(EventTypeRunStarted, b.runID, map[string]any{
		"total":  total,
		"dryRun": dryRun,
	})
}

// StateChanged reports a single state transition.
func (b *EventBuilder) StateChanged(jobID string, from, to State) *cloudevent.CloudEvent {
	return b.build(EventTypeState, jobID, map[string]any{
		"jobId": jobID,
		"from":  string(from),
		"to":    string(to),
	})
}

// Finished reports a terminal result.
func (b *EventBuilder) Finished(r Result) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":         r.JobID,
		"state":         string(r.State),
		"attempts":      r.Attempts,
		"artifactPaths": r.ArtifactPaths,
	}
	if r.ErrorDetail != "" {
		data["errorDetail"] = string(r.ErrorDetail)
		data["error"] = r.ErrorMessage
	}
	return b.build(EventTypeResult, r.JobID, data)
}

// RunFinished reports the run totals.
func (b *EventBuilder) RunFinished(total, succeeded, failed, skipped int) *cloudevent.CloudEvent {
	return b.build(EventTypeRunFinished, b.runID, map[string]any{
		"total":     total,
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	})
}
