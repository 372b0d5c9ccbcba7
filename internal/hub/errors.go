package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Recv and TryRecv once the hub or the subscription
	// has been closed.
	ErrClosed = errors.New("hub: closed")

	// ErrEmpty is returned by TryRecv when no message is pending.
	ErrEmpty = errors.New("hub: no pending message")
)

// LaggedError reports that a subscriber fell behind the retained window and
// that Skipped messages were overwritten before it could read them. The
// subscription's cursor has already been moved to the oldest retained message.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("hub: subscriber lagged, %d messages skipped", e.Skipped)
}

// IsLagged reports whether err is a lag signal and returns the skipped count.
func IsLagged(err error) (uint64, bool) {
	var lagged *LaggedError
	if errors.As(err, &lagged) {
		return lagged.Skipped, true
	}
	return 0, false
}
