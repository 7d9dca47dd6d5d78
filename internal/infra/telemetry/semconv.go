// Package telemetry provides semantic conventions and instruments for pulse observability.
package telemetry

import (
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for pulse telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters with the event variant (track, screen, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrStorage identifies the batch store backend (memory, disk, postgres).
	AttrStorage = attribute.Key("storage")
	// AttrResult records the outcome of an operation (success, retry, rejected, ...).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides additional context for drops and failures.
	AttrReason = attribute.Key("reason")
	// AttrHTTPStatus carries the collector response status.
	AttrHTTPStatus = attribute.Key("http.status_code")
	// AttrDestination names the destination adapter handling an event.
	AttrDestination = attribute.Key("destination")
)

// Upload result values.
const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultRejected  = "rejected"
	ResultDiscarded = "discarded"
)

// Drop reason values.
const (
	ReasonFiltered  = "filtered"
	ReasonInvalid   = "invalid"
	ReasonTooLarge  = "too_large"
	ReasonStorage   = "storage"
	ReasonShutdown  = "shutdown"
	ReasonOverflow  = "overflow"
	ReasonQueueFull = "queue_full"
)

var environment atomic.Value

// SetEnvironment overrides the environment label attached to metrics.
func SetEnvironment(env string) {
	environment.Store(strings.TrimSpace(env))
}

// Environment returns the configured environment, falling back to PULSE_ENV and then "dev".
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	if env := strings.TrimSpace(os.Getenv("PULSE_ENV")); env != "" {
		return env
	}
	return "dev"
}

// EventAttributes returns attributes for event pipeline metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return attrs
}

// DropAttributes returns attributes for dropped-event metrics.
func DropAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}

// UploadAttributes returns attributes for upload metrics with result classification.
func UploadAttributes(environment, result string, status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if status > 0 {
		attrs = append(attrs, AttrHTTPStatus.Int(status))
	}
	return attrs
}
