package lib

// Segment is a parsed inbound packet. It only lives for one call to process.
type Segment struct {
	Conv, Seq, Ack uint32
	Flags          uint8
	Wnd            uint16
	Data           []byte
	TSVal, TSEcr   uint32
}

func (s *Segment) len() uint32 {
	return uint32(len(s.Data))
}

// sendSegment is a queued byte range of the send buffer.
type sendSegment struct {
	seq, len uint32
	xmit     uint8 // transmit count, 0 = never sent
	ctrl     bool
}

// recvSegment is an out-of-order byte range already staged in the receive buffer.
type recvSegment struct {
	seq, len uint32
}
