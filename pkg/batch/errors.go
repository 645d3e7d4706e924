package batch

import "errors"

// Sentinel errors shared across packages. ErrNotFound (404) and
// ErrTerminalJob (400) are mapped to HTTP status codes at the API
// boundary. ErrQueueFull, ErrTooManyQueuedRequests, ErrGPUUnhealthy and
// ErrMalformedJSONL are not returned anywhere; intake reports those
// rejections as *intake.AdmissionError.
var (
	ErrNotFound              = errors.New("not found")
	ErrQueueFull             = errors.New("queue full")
	ErrTooManyQueuedRequests = errors.New("too many queued requests")
	ErrGPUUnhealthy          = errors.New("gpu unhealthy")
	ErrTerminalJob           = errors.New("job is terminal")
	ErrMalformedJSONL        = errors.New("malformed jsonl")
)
