package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	frameHeaderSize = 4
	// MaxMessageSize is the largest payload a frame can describe.
	MaxMessageSize = 0x7fffffff
)

// encodeFrame prefixes payload with its little-endian u32 length.
func encodeFrame(payload []byte, maxSize uint32) ([]byte, error) {
	if uint64(len(payload)) > uint64(maxSize) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes, limit %d", len(payload), maxSize)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// frameReader accumulates stream bytes until one frame is complete. Bytes
// past the frame are kept so the caller can see that the peer sent more.
type frameReader struct {
	data []byte
}

func (r *frameReader) write(b []byte) {
	r.data = append(r.data, b...)
}

func (r *frameReader) size() int {
	return len(r.data)
}

// declared returns the length announced by the header, if it has arrived.
func (r *frameReader) declared() (uint32, bool) {
	if len(r.data) < frameHeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.data), true
}

// complete reports whether a whole frame has been received.
func (r *frameReader) complete() bool {
	n, ok := r.declared()
	return ok && uint64(len(r.data)) >= frameHeaderSize+uint64(n)
}

// completeOver reports whether bytes beyond the frame have been received.
func (r *frameReader) completeOver() bool {
	n, ok := r.declared()
	return ok && uint64(len(r.data)) > frameHeaderSize+uint64(n)
}

// message returns the frame payload; valid once complete.
func (r *frameReader) message() []byte {
	n, ok := r.declared()
	if !ok || !r.complete() {
		return nil
	}
	return r.data[frameHeaderSize : frameHeaderSize+int(n)]
}
