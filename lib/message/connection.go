package message

import (
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/pkg/errors"
)

// Connection is one message exchange: a PseudoTcp engine carrying a single
// request frame and a single reply frame. All fields are owned by the
// manager's worker.
type Connection struct {
	tcp        *lib.PseudoTcp
	conv       uint32
	host       string // peer host, listening side only
	sendPacket SendPacketFunc
	onUpdate   func(c *Connection)

	timeout   uint32
	timeStart uint32
	maxSize   uint32

	dataSend    []byte // framed outgoing message, nil until known
	offsetWrite int
	received    frameReader
	readBuf     []byte

	err   error
	ended bool

	// sending side
	onResponse ResponseFunc
	responded  bool

	// listening side
	onMessage    MessageHandler
	replyPending bool
}

func newConnection(conv uint32, config *Config, tcpConfig *lib.PseudoTcpConfig, sendPacket SendPacketFunc, timeout uint32, now uint32) (*Connection, error) {
	c := &Connection{
		conv:       conv,
		sendPacket: sendPacket,
		timeout:    timeout,
		timeStart:  now,
		maxSize:    config.MaxMessageSize,
		readBuf:    make([]byte, readBufferSize),
	}
	tcp, err := lib.NewPseudoTcp(c, conv, tcpConfig)
	if err != nil {
		return nil, errors.Wrap(err, "message: create engine")
	}
	if config.MTU != 0 {
		tcp.NotifyMTU(config.MTU)
	}
	c.tcp = tcp
	return c, nil
}

// Conv returns the conversation number of the connection.
func (c *Connection) Conv() uint32 {
	return c.conv
}

func (c *Connection) OnOpen(t *lib.PseudoTcp) {
	c.OnReadable(t)
	c.OnWriteable(t)
}

// OnReadable drains the engine until it would block, so the readable
// notification is re-armed, then reports progress.
func (c *Connection) OnReadable(t *lib.PseudoTcp) {
	for {
		n, err := c.tcp.Receive(c.readBuf)
		if err != nil {
			if errors.Is(err, lib.ErrWouldBlock) {
				break
			}
			c.fail(err)
			return
		}
		c.received.write(c.readBuf[:n])
		if size, ok := c.received.declared(); ok && size > c.maxSize {
			c.fail(errors.Wrapf(ErrMessageTooLarge, "peer announced %d bytes", size))
			return
		}
	}
	if c.received.complete() {
		c.onUpdate(c)
	}
}

func (c *Connection) OnWriteable(t *lib.PseudoTcp) {
	if c.dataSend == nil || c.offsetWrite >= len(c.dataSend) {
		return
	}
	for c.offsetWrite < len(c.dataSend) {
		n, err := c.tcp.Send(c.dataSend[c.offsetWrite:])
		if err != nil {
			if errors.Is(err, lib.ErrWouldBlock) {
				return
			}
			c.fail(err)
			return
		}
		c.offsetWrite += n
	}
	c.onUpdate(c)
}

func (c *Connection) OnClosed(t *lib.PseudoTcp, err error) {
	c.fail(errors.Wrap(err, "message: connection closed"))
}

// WritePacket hands the packet to the caller's transport. The transport
// must copy it before returning.
func (c *Connection) WritePacket(t *lib.PseudoTcp, buf []byte) lib.WriteResult {
	if c.sendPacket != nil {
		c.sendPacket(buf)
	}
	return lib.WriteSuccess
}

func (c *Connection) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.onUpdate(c)
}

// setSendingData frames payload as the outgoing message.
func (c *Connection) setSendingData(payload []byte) error {
	frame, err := encodeFrame(payload, c.maxSize)
	if err != nil {
		return err
	}
	c.dataSend = frame
	c.offsetWrite = 0
	return nil
}

func (c *Connection) isWriteComplete() bool {
	return c.dataSend != nil && c.offsetWrite >= len(c.dataSend)
}

func (c *Connection) isTimeout(now uint32) bool {
	return now-c.timeStart > c.timeout
}

// remaining returns the ms left before the connection times out.
func (c *Connection) remaining(now uint32) uint32 {
	elapsed := now - c.timeStart
	if elapsed >= c.timeout {
		return 0
	}
	return c.timeout - elapsed + 1
}

// respond invokes the response callback at most once.
func (c *Connection) respond(data []byte, err error) {
	if c.responded || c.onResponse == nil {
		return
	}
	c.responded = true
	c.onResponse(data, err)
}
