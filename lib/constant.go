package lib

// Connection states
type State int

const (
	StateListen State = iota
	StateSentSyn
	StateReceivedSyn
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "Listen"
	case StateSentSyn:
		return "SentSyn"
	case StateReceivedSyn:
		return "ReceivedSyn"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

type shutdownType int

const (
	shutdownNone shutdownType = iota
	shutdownGraceful
	shutdownForceful
)

type sendFlags int

const (
	sendNone sendFlags = iota
	sendDelayedAck
	sendImmediateAck
)

// Flag constants
const (
	FlagCTL uint8 = 0x02
	FlagRST uint8 = 0x04

	ctlConnect uint8 = 0
)

// TCP options carried after the CONNECT control code
const (
	tcpOptEOL      uint8 = 0 // end of list
	tcpOptNoop     uint8 = 1 // no-op
	tcpOptMSS      uint8 = 2 // maximum segment size, not supported
	tcpOptWndScale uint8 = 3 // window scale factor
)

const (
	MaxPacket = 65535
	// lowest level of the MTU ladder; anything smaller would be mostly overhead
	MinPacket = 296

	ipHeaderSize     = 20
	udpHeaderSize    = 8
	jingleHeaderSize = 64 // relay framing

	HeaderSize     = 24
	PacketOverhead = HeaderSize + udpHeaderSize + ipHeaderSize + jingleHeaderSize

	DefaultRcvBufSize = 60 * 1024
	DefaultSndBufSize = 90 * 1024
)

// Timer constants in milliseconds
const (
	MinRTO      = 250  // RFC1122, Sec 4.2.3.1 "fractions of a second"
	DefRTO      = 3000 // RFC1122, Sec 4.2.3.1
	MaxRTO      = 60000
	DefAckDelay = 100

	defaultTimeout = 4000      // wake up every 4 seconds when nothing is pending
	closedTimeout  = 60 * 1000 // once per minute when closed
	probeStarve    = 15000     // zero window probing gives up after this much silence

	maxRetransmitsEstablished = 15
	maxRetransmitsConnecting  = 30
)

// packetMaximums is the standard MTU ladder walked down on WriteTooLarge.
var packetMaximums = []uint32{
	65535, // theoretical maximum, Hyperchannel
	32000, // nothing
	17914, // 16Mb IBM Token Ring
	8166,  // IEEE 802.4
	4352,  // FDDI
	2002,  // IEEE 802.5 (4Mb recommended)
	1492,  // IEEE 802.3
	1006,  // SLIP, ARPANET
	508,   // IEEE 802/Source-Rt Bridge, ARCNET
	296,   // Point-to-Point (low delay)
	0,     // end of list marker
}
