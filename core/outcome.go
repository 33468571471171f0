package core

import "fmt"

// OutcomeKind classifies the result of a unit's specialized processing step.
type OutcomeKind int

const (
	// OutcomeSuccess carries a usable response.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeDegraded carries a response that is known to be low quality.
	OutcomeDegraded
	// OutcomeFatal carries an error and no response.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result type returned by specialized processing
// steps, so "low confidence on purpose" and "failed" are distinct values.
type Outcome struct {
	Kind     OutcomeKind
	Response *Response
	Reason   string
	Err      error
}

// Success wraps a usable response.
func Success(resp *Response) Outcome { return Outcome{Kind: OutcomeSuccess, Response: resp} }

// Degraded wraps a low-quality response with the reason it is degraded.
func Degraded(resp *Response, reason string) Outcome {
	return Outcome{Kind: OutcomeDegraded, Response: resp, Reason: reason}
}

// Fatal wraps an error.
func Fatal(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("fatal outcome without error")
	}
	return Outcome{Kind: OutcomeFatal, Err: err}
}
