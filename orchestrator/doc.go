// Package orchestrator implements the dispatcher: a registry of processing
// units, a pluggable RoutingStrategy that picks one unit per request, and a
// FallbackPolicy that recovers from failed or low-confidence responses.
//
// The default CapabilityStrategy evaluates routing rules by priority, then a
// keyword intent classifier, then the coordinator unit, then any healthy
// unit. A response triggers fallback when the call errors, its confidence is
// below ConfidenceThreshold, or it carries an error annotation.
package orchestrator
