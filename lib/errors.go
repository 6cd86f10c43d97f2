package lib

import "github.com/pkg/errors"

var (
	// ErrWouldBlock is transient; retry after OnReadable / OnWriteable.
	ErrWouldBlock = errors.New("pseudotcp: operation would block")
	// ErrInvalidState is returned by Connect outside Listen and by buffer
	// resizing after the handshake started.
	ErrInvalidState = errors.New("pseudotcp: invalid state")
	// ErrNotConnected is returned by Send and Receive outside Established.
	ErrNotConnected = errors.New("pseudotcp: not connected")
	// ErrConnectionReset means the peer sent RST.
	ErrConnectionReset = errors.New("pseudotcp: connection reset by peer")
	// ErrConnectionAborted means we gave up: retransmit limit, MTU ladder
	// exhausted or a zero window that stayed closed too long.
	ErrConnectionAborted = errors.New("pseudotcp: connection aborted")
)
