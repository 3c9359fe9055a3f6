package messaging

import "errors"

// ErrNotDelivered is returned by MarkRead when the recipient's delivery has
// not completed yet; a read receipt needs a delivery to acknowledge.
var ErrNotDelivered = errors.New("messaging: not delivered yet")

// ValidationError reports bad input rejected synchronously at message
// creation. The message is never enqueued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "messaging: invalid input: " + e.Reason
}

// CapacityError reports a queue-depth limit exceeded at message creation.
// The message is rejected, never partially enqueued.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return "messaging: capacity exceeded: " + e.Reason
}
