// Package observability provides metrics and logging setup.
package observability

import (
	"oprlmbatch/internal/job"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrState   = "state"
	attrDetail  = "error_detail"
	attrSink    = "sink"
	attrOutcome = "outcome"
)

func stateAttr(s job.State) attribute.KeyValue {
	return attribute.String(attrState, strings.ToLower(string(s)))
}

func detailAttr(d job.ErrorDetail) attribute.KeyValue {
	if d == "" {
		return attribute.String(attrDetail, "none")
	}
	return attribute.String(attrDetail, string(d))
}

func sinkAttr(sink string) attribute.KeyValue {
	// drop the destination to bound cardinality: "webhook:host" -> "webhook"
	kind, _, _ := strings.Cut(sink, ":")
	return attribute.String(attrSink, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}
