package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrInFlight = errors.New("delivery already in flight")
	ErrDelivery = errors.New("delivery failed")
	ErrStopped  = errors.New("dispatcher stopped")
)

// DeliveryError reports a failed or timed-out send. It matches ErrDelivery
// with errors.Is and unwraps to the transport error.
type DeliveryError struct {
	Key string
	Err error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("delivery %s: %v", e.Key, e.Err) }

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
