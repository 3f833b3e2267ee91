package engine

import (
	"fmt"
	"runtime"
)

// Error categories persisted with error records. They mirror the failure
// taxonomy: identity resolution, liveness query, notification delivery, and
// store access.
const (
	CategoryIdentity     = "identity_resolution"
	CategoryLiveness     = "liveness_query"
	CategoryNotification = "notification"
	CategoryStore        = "store"
)

// Error is a reconcile failure tagged with its category, the channel it
// belongs to, and where it originated. The scheduler records it; it never
// escapes a tick.
type Error struct {
	Category string
	Channel  string
	Op       string
	Location string // file:line where the error was wrapped
	Stack    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Category, e.Op, e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(category, channel, op string, err error) *Error {
	e := &Error{Category: category, Channel: channel, Op: op, Err: err}
	if _, file, line, ok := runtime.Caller(1); ok {
		e.Location = fmt.Sprintf("%s:%d", file, line)
	}
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	e.Stack = string(buf[:n])
	return e
}
