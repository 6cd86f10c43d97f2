package lib

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WriteResult is what a Notifier reports for an outgoing packet.
type WriteResult int

const (
	WriteSuccess WriteResult = iota
	WriteTooLarge
	WriteFail
)

// Notifier receives the engine's events and carries its packets to the
// network. Callbacks are invoked synchronously from within the engine call
// that triggered them.
type Notifier interface {
	OnOpen(t *PseudoTcp)
	// OnReadable fires once when new in-order data arrives. It is re-armed
	// by a Receive that fails with ErrWouldBlock.
	OnReadable(t *PseudoTcp)
	// OnWriteable fires once when send buffer space frees up. It is re-armed
	// by a Send that fails with ErrWouldBlock.
	OnWriteable(t *PseudoTcp)
	OnClosed(t *PseudoTcp, err error)
	// WritePacket hands a built packet to the network. buf is only valid
	// for the duration of the call.
	WritePacket(t *PseudoTcp, buf []byte) WriteResult
}

type PseudoTcpConfig struct {
	NoDelay            bool   `yaml:"noDelay"`            // disable Nagle's algorithm
	AckDelay           uint32 `yaml:"ackDelay"`           // delayed ACK timeout in ms, 0 acks immediately
	ReceiveBufferSize  uint32 `yaml:"receiveBufferSize"`  // receive ring buffer size
	SendBufferSize     uint32 `yaml:"sendBufferSize"`     // send ring buffer size
	MTU                uint16 `yaml:"mtu"`                // advised path MTU, 0 keeps the maximum until NotifyMTU
	DisableWindowScale bool   `yaml:"disableWindowScale"` // don't offer the window scale option
	PacketPoolSize     int    `yaml:"packetPoolSize"`     // number of pooled packet buffers
	PoolDebug          bool   `yaml:"poolDebug"`          // ring pool debug setting
	Clock              Clock  `yaml:"-" json:"-"`         // time source, defaults to Now
}

func DefaultPseudoTcpConfig() *PseudoTcpConfig {
	return &PseudoTcpConfig{
		NoDelay:           false,
		AckDelay:          DefAckDelay,
		ReceiveBufferSize: DefaultRcvBufSize,
		SendBufferSize:    DefaultSndBufSize,
		PacketPoolSize:    defaultPacketPoolSize,
	}
}

// PseudoTcp is one reliable stream connection over a datagram carrier.
//
// It has no internal concurrency: NotifyPacket, NotifyClock, Connect, Send,
// Receive and Close must be serialized by the caller. Only the ring buffers
// are locked.
type PseudoTcp struct {
	notify Notifier
	conv   uint32
	clock  Clock
	log    zerolog.Logger

	state    State
	shutdown shutdownType
	err      error

	// incoming data
	rlist     []recvSegment
	rbufLen   uint32
	rbuf      *RingBuffer
	rcvNxt    uint32
	rcvWnd    uint32
	rwndScale uint8 // our advertised window scale
	lastRecv  uint32

	// outgoing data
	slist       []sendSegment
	sbufLen     uint32
	sbuf        *RingBuffer
	sndNxt      uint32
	sndWnd      uint32
	sndUna      uint32
	swndScale   uint8 // peer's window scale
	lastSend    uint32
	lastTraffic uint32
	outgoing    bool

	readEnable  bool
	writeEnable bool

	// delayed ack
	ackPending bool
	tAck       uint32

	// maximum segment size, estimated protocol level, largest segment sent
	mss       uint32
	mssLevel  int
	largest   uint32
	mtuAdvise uint32

	// retransmit timer
	rtoArmed bool
	rtoBase  uint32

	// timestamp tracking
	tsRecent  uint32
	tsLastAck uint32

	// round-trip calculation
	rxRTTVar uint32
	rxSRTT   uint32
	rxRTO    uint32

	// congestion avoidance, fast retransmit/recovery, delayed ACKs
	ssthresh uint32
	cwnd     uint32
	dupAcks  uint8
	recover  uint32

	useNagling      bool
	ackDelay        uint32
	supportWndScale bool
}

// NewPseudoTcp creates a connection in the Listen state.
func NewPseudoTcp(notify Notifier, conv uint32, config *PseudoTcpConfig) (*PseudoTcp, error) {
	if config == nil {
		config = DefaultPseudoTcpConfig()
	}
	rcvLen, sndLen := config.ReceiveBufferSize, config.SendBufferSize
	if rcvLen == 0 {
		rcvLen = DefaultRcvBufSize
	}
	if sndLen == 0 {
		sndLen = DefaultSndBufSize
	}
	if rcvLen+MinPacket >= sndLen {
		return nil, fmt.Errorf("send buffer (%d) must exceed receive buffer (%d) by more than %d bytes", sndLen, rcvLen, MinPacket)
	}
	InitPool(config.PacketPoolSize, config.PoolDebug)

	clock := config.Clock
	if clock == nil {
		clock = Now
	}
	now := clock()

	t := &PseudoTcp{
		notify:          notify,
		conv:            conv,
		clock:           clock,
		log:             log.With().Str("component", "pseudotcp").Uint32("conv", conv).Logger(),
		state:           StateListen,
		rbufLen:         DefaultRcvBufSize,
		rbuf:            NewRingBuffer(DefaultRcvBufSize),
		sbufLen:         sndLen,
		sbuf:            NewRingBuffer(int(sndLen)),
		rcvWnd:          DefaultRcvBufSize,
		sndWnd:          1,
		readEnable:      true,
		mss:             MinPacket - PacketOverhead,
		mtuAdvise:       MaxPacket,
		rxRTO:           DefRTO,
		lastRecv:        now,
		lastSend:        now,
		lastTraffic:     now,
		useNagling:      !config.NoDelay,
		ackDelay:        config.AckDelay,
		supportWndScale: !config.DisableWindowScale,
	}
	t.cwnd = 2 * t.mss
	t.ssthresh = t.rbufLen
	if rcvLen != DefaultRcvBufSize {
		t.resizeReceiveBuffer(rcvLen)
	}
	if config.MTU != 0 {
		t.NotifyMTU(config.MTU)
	}
	return t, nil
}

func (t *PseudoTcp) Conv() uint32 {
	return t.conv
}

func (t *PseudoTcp) State() State {
	return t.state
}

// Error returns the last error recorded by a failing call or by closedown.
func (t *PseudoTcp) Error() error {
	return t.err
}

// Connect starts the active open.
func (t *PseudoTcp) Connect() error {
	if t.state != StateListen {
		t.err = ErrInvalidState
		return ErrInvalidState
	}
	t.state = StateSentSyn
	t.log.Info().Msg("connect: changed state to SentSyn")

	t.queueConnectMessage()
	t.attemptSend(sendNone)
	return nil
}

// NotifyMTU records the advised path MTU.
func (t *PseudoTcp) NotifyMTU(mtu uint16) {
	t.mtuAdvise = uint32(mtu)
	if t.state == StateEstablished {
		t.adjustMTU()
	}
}

// NotifyClock runs the timers: retransmission, zero window probing and
// delayed ACKs.
func (t *PseudoTcp) NotifyClock(now uint32) {
	if t.state == StateClosed {
		return
	}

	// Check if it's time to retransmit a segment
	if t.rtoArmed && timeDiff(t.rtoBase+t.rxRTO, now) <= 0 {
		if len(t.slist) == 0 {
			t.log.Warn().Msg("notifyClock: retransmit timer armed with nothing to send")
			t.rtoArmed = false
		} else {
			t.log.Info().Uint32("rto", t.rxRTO).Uint32("rtoBase", t.rtoBase).Uint32("now", now).
				Uint8("dupAcks", t.dupAcks).Msg("notifyClock: timeout retransmit")

			if !t.transmit(0, now) {
				t.closedown(ErrConnectionAborted)
				return
			}

			inFlight := t.sndNxt - t.sndUna
			t.ssthresh = max(inFlight/2, 2*t.mss)
			t.cwnd = t.mss

			// Back off retransmit timer. The limit is lower when connecting.
			rtoLimit := uint32(MaxRTO)
			if t.state < StateEstablished {
				rtoLimit = DefRTO
			}
			t.rxRTO = min(rtoLimit, t.rxRTO*2)
			t.rtoBase = now
		}
	}

	// Check if it's time to probe closed windows
	if t.sndWnd == 0 && timeDiff(t.lastSend+t.rxRTO, now) <= 0 {
		if timeDiff(now, t.lastRecv) >= probeStarve {
			t.closedown(ErrConnectionAborted)
			return
		}

		// probe the window
		t.buildPacket(t.sndNxt-1, 0, 0, 0)
		t.lastSend = now

		// back off retransmit timer
		t.rxRTO = min(MaxRTO, t.rxRTO*2)
	}

	// Check if it's time to send delayed acks
	if t.ackPending && timeDiff(t.tAck+t.ackDelay, now) <= 0 {
		t.buildPacket(t.sndNxt, 0, 0, 0)
	}
}

// NotifyPacket feeds one inbound datagram. It returns false if the packet
// was rejected.
func (t *PseudoTcp) NotifyPacket(buf []byte) bool {
	if len(buf) > MaxPacket {
		t.log.Info().Int("len", len(buf)).Msg("notifyPacket: packet too large")
		return false
	}
	return t.parsePacket(buf)
}

// NextClock returns how long until NotifyClock should run again. ok is
// false once the connection has shut down and may be discarded.
func (t *PseudoTcp) NextClock(now uint32) (timeout time.Duration, ok bool) {
	if t.shutdown == shutdownForceful {
		return 0, false
	}
	if t.shutdown == shutdownGraceful &&
		(t.state != StateEstablished || (t.sbuf.Buffered() == 0 && !t.ackPending)) {
		return 0, false
	}
	if t.state == StateClosed {
		return closedTimeout * time.Millisecond, true
	}

	next := int32(defaultTimeout)
	if t.ackPending {
		next = min(next, timeDiff(t.tAck+t.ackDelay, now))
	}
	if t.rtoArmed {
		next = min(next, timeDiff(t.rtoBase+t.rxRTO, now))
	}
	if t.sndWnd == 0 {
		next = min(next, timeDiff(t.lastSend+t.rxRTO, now))
	}
	if next < 0 {
		next = 0
	}
	return time.Duration(next) * time.Millisecond, true
}

// Send queues as much of buf as fits in the send buffer and tries to
// transmit it. Partial writes are normal.
func (t *PseudoTcp) Send(buf []byte) (int, error) {
	if t.state != StateEstablished {
		t.err = ErrNotConnected
		return 0, ErrNotConnected
	}
	if t.sbuf.WriteRemaining() == 0 {
		t.writeEnable = true
		t.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}
	written := t.queue(buf, false)
	t.attemptSend(sendNone)
	return int(written), nil
}

// Receive copies buffered in-order data into buf.
func (t *PseudoTcp) Receive(buf []byte) (int, error) {
	if t.state != StateEstablished {
		t.err = ErrNotConnected
		return 0, ErrNotConnected
	}
	n, ok := t.rbuf.Read(buf)
	if !ok {
		t.readEnable = true
		t.err = ErrWouldBlock
		return 0, ErrWouldBlock
	}

	available := uint32(t.rbuf.WriteRemaining())
	if available-t.rcvWnd >= min(t.rbufLen/2, t.mss) {
		wasClosed := t.rcvWnd == 0
		t.rcvWnd = available
		if wasClosed {
			t.attemptSend(sendImmediateAck)
		}
	}
	return n, nil
}

// Close shuts the connection down. A forceful close makes the engine inert
// at once; a graceful one lets queued data and ACKs drain first.
func (t *PseudoTcp) Close(force bool) {
	if t.state == StateClosed || t.shutdown == shutdownForceful {
		return
	}
	t.log.Debug().Bool("force", force).Msg("close")
	if force {
		t.shutdown = shutdownForceful
	} else {
		t.shutdown = shutdownGraceful
	}
}

func (t *PseudoTcp) NoDelay() bool {
	return !t.useNagling
}

func (t *PseudoTcp) SetNoDelay(noDelay bool) {
	t.useNagling = !noDelay
}

func (t *PseudoTcp) AckDelay() uint32 {
	return t.ackDelay
}

func (t *PseudoTcp) SetAckDelay(delay uint32) {
	t.ackDelay = delay
}

func (t *PseudoTcp) ReceiveBufferSize() uint32 {
	return t.rbufLen
}

// SetReceiveBufferSize resizes the receive buffer. Only allowed before the
// handshake starts.
func (t *PseudoTcp) SetReceiveBufferSize(size uint32) error {
	if t.state != StateListen {
		return ErrInvalidState
	}
	t.resizeReceiveBuffer(size)
	return nil
}

func (t *PseudoTcp) SendBufferSize() uint32 {
	return t.sbufLen
}

// SetSendBufferSize resizes the send buffer. Only allowed before the
// handshake starts.
func (t *PseudoTcp) SetSendBufferSize(size uint32) error {
	if t.state != StateListen {
		return ErrInvalidState
	}
	t.resizeSendBuffer(size)
	return nil
}

// DisableWindowScale stops offering the window scale option, for peers that
// predate it.
func (t *PseudoTcp) DisableWindowScale() {
	t.supportWndScale = false
}

func (t *PseudoTcp) CongestionWindow() uint32 {
	return t.cwnd
}

func (t *PseudoTcp) BytesInFlight() uint32 {
	return t.sndNxt - t.sndUna
}

func (t *PseudoTcp) BytesBufferedNotSent() uint32 {
	return t.sndUna + uint32(t.sbuf.Buffered()) - t.sndNxt
}

// RoundTripTimeEstimate returns the smoothed RTT in ms.
func (t *PseudoTcp) RoundTripTimeEstimate() uint32 {
	return t.rxSRTT
}

func (t *PseudoTcp) IsReceiveBufferFull() bool {
	return t.rbuf.WriteRemaining() == 0
}

// closedown moves to the terminal Closed state and reports err once.
func (t *PseudoTcp) closedown(err error) {
	if t.state == StateClosed {
		return
	}
	t.log.Info().Err(err).Msg("closedown: changed state to Closed")
	t.state = StateClosed
	t.err = err
	if t.notify != nil {
		t.notify.OnClosed(t, err)
	}
}
