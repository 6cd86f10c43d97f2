package message

import "github.com/pkg/errors"

var (
	ErrShortFrame      = errors.New("message: frame shorter than its length prefix")
	ErrMessageTooLarge = errors.New("message: message too large")
	// ErrTimeout is reported when a connection outlives its timeout,
	// regardless of protocol progress.
	ErrTimeout = errors.New("message: connection timed out")
	// ErrCanceled answers a message ended with EndConnection.
	ErrCanceled = errors.New("message: canceled")
	// ErrManagerClosed answers every message still outstanding when the
	// manager is closed, and every message sent after that.
	ErrManagerClosed = errors.New("message: manager closed")
	// ErrNoReply ends a listening connection whose handler gave no reply.
	ErrNoReply = errors.New("message: handler produced no reply")
)
