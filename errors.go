package bub

import "fmt"

// Error tags are the stable textual identifiers attached to loop events
// and surfaced in CLI output. Typed errors below carry them so callers
// can match structurally with errors.As and still log the tag.
const (
	TagTransportClosed   = "transport_closed"
	TagProtocolViolation = "protocol_violation"
	TagNotInitialized    = "not_initialized"
	TagUnknownMethod     = "unknown_method"
	TagBackpressure      = "backpressure"
	TagTapeNotFound      = "tape_not_found"
	TagAnchorNotFound    = "anchor_not_found"
	TagMaxStepsExceeded  = "max_steps_exceeded"
	TagToolFailed        = "tool_execution_failed"
)

// ErrTimeout reports that a stage of the pipeline exceeded its deadline.
// Tag() yields "timeout:<stage>" per the loop event convention.
type ErrTimeout struct {
	Stage string // "bus", "model", "tool"
}

func (e *ErrTimeout) Error() string { return "timeout: " + e.Stage }

// Tag returns the stable event tag for this timeout.
func (e *ErrTimeout) Tag() string { return "timeout:" + e.Stage }

// ErrMaxSteps reports that a model turn exhausted its step cap without
// producing a final answer.
type ErrMaxSteps struct {
	Steps int
}

func (e *ErrMaxSteps) Error() string {
	return fmt.Sprintf("%s after %d steps", TagMaxStepsExceeded, e.Steps)
}

// Tag returns the stable event tag for a step-cap failure.
func (e *ErrMaxSteps) Tag() string { return TagMaxStepsExceeded }

// ErrBackpressure reports that a bounded send queue rejected a message.
type ErrBackpressure struct {
	Queued int // messages already waiting
}

func (e *ErrBackpressure) Error() string {
	return fmt.Sprintf("%s: %d messages queued", TagBackpressure, e.Queued)
}

// ErrLLM wraps a provider-level failure with the provider name.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider API. Status and
// RetryAfter feed the retry middleware.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter int // seconds; 0 = not supplied
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
