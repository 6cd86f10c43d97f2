package lib

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

// Clock returns the current time in milliseconds. Only differences between
// two readings are meaningful; the value wraps around every ~49 days.
type Clock func() uint32

var clockBase = time.Now()

// Now is the default Clock, milliseconds since process start. It never
// returns 0 so timestamp echo stays distinguishable from "no timestamp".
func Now() uint32 {
	return uint32(time.Since(clockBase)/time.Millisecond) + 1
}

// timeDiff returns later - earlier as a signed distance.
func timeDiff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(seqnum.Size(inc)))
}

// SEQ compare functions with wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	return seqnum.Value(seq2).LessThan(seqnum.Value(seq1))
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqnum.Value(seq2).LessThanEq(seqnum.Value(seq1))
}

func isLess(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThan(seqnum.Value(seq2))
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThanEq(seqnum.Value(seq2))
}

// inRange reports first <= seq < end.
func inRange(seq, first, end uint32) bool {
	return seqnum.Value(seq).InRange(seqnum.Value(first), seqnum.Value(end))
}
