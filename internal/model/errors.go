package model

import "errors"

// Pipeline failure classes. Callers wrap them with the underlying cause and
// classify with errors.Is.
var (
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidTarget       = errors.New("invalid target")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrClientDisconnected  = errors.New("client disconnected")
)

// StatusClientClosedRequest is the status recorded when the client goes away
// before a response could be written.
const StatusClientClosedRequest = 499
