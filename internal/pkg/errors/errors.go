package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrGone marks a version whose content blob is no longer retrievable.
	ErrGone = errors.New("gone")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPoolExhausted means every fallback candidate failed or the attempt budget ran out.
	ErrPoolExhausted = errors.New("model pool exhausted")
	// ErrRoutingFailed means classification could not produce a decision; the run cannot proceed.
	ErrRoutingFailed = errors.New("routing failed")
	// ErrCapability means the request needs a capability the backend does not have.
	ErrCapability = errors.New("capability not supported")
)
