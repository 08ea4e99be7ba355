package metacache

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by blocking or mutating calls issued after Close.
// Getting it from Update is a caller bug: the refresh loop must stop before
// the metadata is closed.
var ErrClosed = errors.New("requested metadata update after close")

var errNegativeMaxWait = errors.New("max time to wait for metadata updates should not be < 0 ms")

// TimeoutError is returned by AwaitUpdate when the deadline elapses before
// the metadata version advances. It is retriable.
type TimeoutError struct {
	MaxWaitMS int64
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("failed to update metadata after %d ms", e.MaxWaitMS)
}

// AuthenticationError is stored by FailedUpdate and delivered at most once,
// either by GetAndClearAuthenticationError or to the next waiter inside
// AwaitUpdate.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// ConfigError reports an invalid bootstrap address or an empty resolved
// address list. It is not retriable.
type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}
