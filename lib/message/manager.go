package message

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultMTU             = 1024
	defaultTimeout         = 30000 // ms
	defaultMaxWake         = 60000 // ms
	defaultPacketQueueSize = 1024
	defaultTaskQueueSize   = 256
	readBufferSize         = 16 * 1024
)

// ResponseFunc receives the reply to a sent message. It is called exactly
// once; a non-nil err means there is no reply.
type ResponseFunc func(response []byte, err error)

// SendPacketFunc hands a PseudoTcp packet to the network. packet is only
// valid during the call.
type SendPacketFunc func(packet []byte)

// MessageHandler serves one received request. The reply is read from the
// returned channel once it is ready; a nil channel, or one closed without a
// value, ends the connection without a reply.
type MessageHandler func(request []byte) <-chan []byte

type Config struct {
	Timeout         uint32    `yaml:"timeout"`         // per connection dead-man timeout in ms
	MTU             uint16    `yaml:"mtu"`             // MTU advised to every connection
	MaxMessageSize  uint32    `yaml:"maxMessageSize"`  // largest request or reply payload
	PacketQueueSize int       `yaml:"packetQueueSize"` // inbound packets waiting for the worker; overflow is dropped
	TaskQueueSize   int       `yaml:"taskQueueSize"`   // initial task queue capacity; the queue grows as needed
	MaxWake         uint32    `yaml:"maxWake"`         // longest worker sleep in ms
	Clock           lib.Clock `yaml:"-" json:"-"`      // time source, defaults to lib.Now
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:         defaultTimeout,
		MTU:             defaultMTU,
		MaxMessageSize:  MaxMessageSize,
		PacketQueueSize: defaultPacketQueueSize,
		TaskQueueSize:   defaultTaskQueueSize,
		MaxWake:         defaultMaxWake,
	}
}

// normalize returns a copy of config with zero values replaced by defaults.
func normalize(config *Config) *Config {
	c := *config
	def := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxMessageSize == 0 || c.MaxMessageSize > MaxMessageSize {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.PacketQueueSize <= 0 {
		c.PacketQueueSize = def.PacketQueueSize
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = def.TaskQueueSize
	}
	if c.MaxWake == 0 {
		c.MaxWake = def.MaxWake
	}
	return &c
}

type address struct {
	host string
	conv uint32
}

type packet struct {
	conv uint32
	data []byte

	// listening side only
	listen     bool
	host       string
	onMessage  MessageHandler
	sendPacket SendPacketFunc
}

// Manager multiplexes message exchanges over one datagram channel. A single
// worker goroutine owns every connection; callers only enqueue packets and
// tasks.
type Manager struct {
	config    *Config
	tcpConfig *lib.PseudoTcpConfig
	clock     lib.Clock
	log       zerolog.Logger

	lastConv atomic.Uint32

	packets     chan packet
	closeSignal chan struct{}
	startOnce   sync.Once
	closeOnce   sync.Once
	wg          sync.WaitGroup

	// tasks is unbounded so dispatch never blocks, not even when called
	// from the worker inside a callback
	taskMu  sync.Mutex
	tasks   []func()
	spare   []func()
	closing bool
	wake    chan struct{}

	// worker owned
	sending   map[uint32]*Connection
	listening map[address]*Connection
	endSend   []uint32
	endListen []address
	deferred  []func()
}

// NewManager creates a manager. Call Start to run its worker.
func NewManager(config *Config, tcpConfig *lib.PseudoTcpConfig) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	config = normalize(config)
	if tcpConfig == nil {
		tcpConfig = lib.DefaultPseudoTcpConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = lib.Now
	}
	// connections must share the manager's clock
	engineConfig := *tcpConfig
	engineConfig.Clock = clock

	m := &Manager{
		config:      config,
		tcpConfig:   &engineConfig,
		clock:       clock,
		log:         log.With().Str("component", "message").Logger(),
		packets:     make(chan packet, config.PacketQueueSize),
		closeSignal: make(chan struct{}),
		tasks:       make([]func(), 0, config.TaskQueueSize),
		spare:       make([]func(), 0, config.TaskQueueSize),
		wake:        make(chan struct{}, 1),
		sending:     make(map[uint32]*Connection),
		listening:   make(map[address]*Connection),
	}
	m.lastConv.Store(uint32(time.Now().UnixMilli()))
	return m
}

func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.closed() {
			return
		}
		m.wg.Add(1)
		go m.run()
	})
}

// Close stops the worker. Messages still waiting for a reply are answered
// with ErrManagerClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeSignal)
		m.taskMu.Lock()
		m.closing = true
		m.taskMu.Unlock()
		m.wg.Wait()
		m.shutdown()
	})
}

func (m *Manager) closed() bool {
	select {
	case <-m.closeSignal:
		return true
	default:
		return false
	}
}

func (m *Manager) generateConversationNo() uint32 {
	return m.lastConv.Add(1)
}

// SendMessage sends data as one request on a fresh connection and calls
// onResponse with the reply. timeout is in ms; 0 uses the configured
// default. It returns nil if the message was rejected, in which case
// onResponse has already been called.
func (m *Manager) SendMessage(data []byte, onResponse ResponseFunc, sendPacket SendPacketFunc, timeout uint32) *Connection {
	frame, err := encodeFrame(data, m.config.MaxMessageSize)
	if err != nil {
		onResponse(nil, err)
		return nil
	}
	return m.SendMessageChunk(frame, onResponse, sendPacket, timeout)
}

// SendMessageChunk is SendMessage for a caller that already framed the
// request.
func (m *Manager) SendMessageChunk(frame []byte, onResponse ResponseFunc, sendPacket SendPacketFunc, timeout uint32) *Connection {
	if len(frame) < frameHeaderSize {
		onResponse(nil, ErrShortFrame)
		return nil
	}
	if m.closed() {
		onResponse(nil, ErrManagerClosed)
		return nil
	}
	if timeout == 0 {
		timeout = m.config.Timeout
	}

	conv := m.generateConversationNo()
	c, err := newConnection(conv, m.config, m.tcpConfig, sendPacket, timeout, m.clock())
	if err != nil {
		onResponse(nil, err)
		return nil
	}
	c.dataSend = frame
	c.onResponse = onResponse
	c.onUpdate = m.updateSending

	if !m.dispatch(func() {
		m.sending[conv] = c
		if err := c.tcp.Connect(); err != nil {
			c.fail(err)
		}
	}) {
		c.respond(nil, ErrManagerClosed)
	}
	return c
}

// EndConnection abandons a sent message. Its response callback is called
// with ErrCanceled unless it has already been called.
func (m *Manager) EndConnection(c *Connection) {
	if c == nil {
		return
	}
	m.dispatch(func() {
		if c.ended {
			return
		}
		c.fail(ErrCanceled)
	})
}

// NotifyPacketForSendingMessage feeds a packet received for one of our
// outgoing messages.
func (m *Manager) NotifyPacketForSendingMessage(data []byte) {
	conv, ok := lib.ConversationNo(data)
	if !ok {
		return
	}
	m.enqueue(packet{conv: conv, data: append([]byte(nil), data...)})
}

// NotifyPacketForListeningMessage feeds a packet received from host. A
// CONNECT for an unknown conversation starts a new listening connection
// served by onMessage, which replies through sendPacket.
func (m *Manager) NotifyPacketForListeningMessage(host string, data []byte, onMessage MessageHandler, sendPacket SendPacketFunc) {
	conv, ok := lib.ConversationNo(data)
	if !ok {
		return
	}
	m.enqueue(packet{
		conv:       conv,
		data:       append([]byte(nil), data...),
		listen:     true,
		host:       host,
		onMessage:  onMessage,
		sendPacket: sendPacket,
	})
}

func (m *Manager) enqueue(p packet) {
	select {
	case m.packets <- p:
	default:
		m.log.Warn().Uint32("conv", p.conv).Msg("packet queue full, dropping packet")
	}
}

// dispatch schedules f on the worker without blocking. It returns false
// once the manager is closed.
func (m *Manager) dispatch(f func()) bool {
	m.taskMu.Lock()
	if m.closing {
		m.taskMu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, f)
	m.taskMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// takeTasks hands the queued tasks to the worker. The returned slice is
// only valid until the next call.
func (m *Manager) takeTasks() []func() {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	clear(m.spare)
	m.tasks, m.spare = m.spare[:0], m.tasks
	return m.spare
}

// deferTask schedules f from the worker itself, to run on its next pass.
func (m *Manager) deferTask(f func()) {
	m.deferred = append(m.deferred, f)
}

func (m *Manager) run() {
	defer m.wg.Done()

	timer := time.NewTimer(time.Duration(m.config.MaxWake) * time.Millisecond)
	defer timer.Stop()

	for {
		m.drainTasks()
		m.drainPackets()
		wait := m.clockConnections()
		m.removeEnded()
		if len(m.deferred) > 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.closeSignal:
			return
		case <-m.wake:
		case p := <-m.packets:
			m.handlePacket(p)
		case <-timer.C:
		}
	}
}

func (m *Manager) drainTasks() {
	for len(m.deferred) > 0 {
		tasks := m.deferred
		m.deferred = nil
		for _, f := range tasks {
			f()
		}
	}
	for _, f := range m.takeTasks() {
		f()
	}
}

func (m *Manager) drainPackets() {
	for {
		select {
		case p := <-m.packets:
			m.handlePacket(p)
		default:
			return
		}
	}
}

func (m *Manager) handlePacket(p packet) {
	if !p.listen {
		c := m.sending[p.conv]
		if c == nil {
			m.log.Debug().Uint32("conv", p.conv).Msg("packet for unknown sending conversation")
			return
		}
		c.tcp.NotifyPacket(p.data)
		return
	}

	key := address{host: p.host, conv: p.conv}
	c := m.listening[key]
	if c == nil {
		// only a CONNECT can open a conversation; stray packets of an ended
		// one are dropped
		hdr, err := lib.DecodeHeader(p.data)
		if err != nil {
			return
		}
		if !hdr.IsConnect() {
			m.log.Debug().Str("host", p.host).Uint32("conv", p.conv).Msg("packet for unknown listening conversation")
			return
		}
		c, err = newConnection(p.conv, m.config, m.tcpConfig, p.sendPacket, m.config.Timeout, m.clock())
		if err != nil {
			m.log.Error().Err(err).Msg("handlePacket: new listening connection")
			return
		}
		c.host = p.host
		c.onMessage = p.onMessage
		c.onUpdate = m.updateListening
		m.listening[key] = c
		m.log.Debug().Str("host", p.host).Uint32("conv", p.conv).Msg("new listening connection")
	}
	c.tcp.NotifyPacket(p.data)
}

// clockConnections runs every connection's timers, expires connections
// past their timeout and returns how long the worker may sleep.
func (m *Manager) clockConnections() time.Duration {
	now := m.clock()
	wait := m.config.MaxWake

	clock := func(c *Connection) bool {
		if c.isTimeout(now) {
			m.log.Info().Uint32("conv", c.conv).Str("host", c.host).Msg("connection timed out")
			c.fail(ErrTimeout)
			return false
		}
		c.tcp.NotifyClock(now)
		if d, ok := c.tcp.NextClock(now); ok {
			wait = min(wait, uint32(d.Milliseconds()))
		}
		wait = min(wait, c.remaining(now))
		return true
	}

	for conv, c := range m.sending {
		if !clock(c) {
			m.endSend = append(m.endSend, conv)
		}
	}
	for key, c := range m.listening {
		if !clock(c) {
			m.endListen = append(m.endListen, key)
		}
	}
	return time.Duration(wait) * time.Millisecond
}

func (m *Manager) removeEnded() {
	for _, conv := range m.endSend {
		delete(m.sending, conv)
	}
	m.endSend = m.endSend[:0]
	for _, key := range m.endListen {
		delete(m.listening, key)
	}
	m.endListen = m.endListen[:0]
}

func (m *Manager) endSending(c *Connection) {
	c.ended = true
	m.endSend = append(m.endSend, c.conv)
}

func (m *Manager) endListening(c *Connection) {
	c.ended = true
	m.endListen = append(m.endListen, address{host: c.host, conv: c.conv})
}

func (m *Manager) updateSending(c *Connection) {
	if c.ended {
		return
	}
	if c.err != nil {
		m.endSending(c)
		c.respond(nil, c.err)
		return
	}
	if c.isWriteComplete() && c.received.complete() {
		// one extra byte tells the listening side the reply arrived
		m.deferTask(func() {
			c.tcp.SetNoDelay(true)
			if _, err := c.tcp.Send([]byte{0}); err != nil {
				m.log.Debug().Err(err).Uint32("conv", c.conv).Msg("closing byte not sent")
			}
		})
		m.endSending(c)
		c.respond(c.received.message(), nil)
	}
}

func (m *Manager) updateListening(c *Connection) {
	if c.ended {
		return
	}
	if c.err != nil {
		m.log.Debug().Err(c.err).Uint32("conv", c.conv).Str("host", c.host).Msg("listening connection failed")
		m.endListening(c)
		return
	}
	if !c.received.complete() {
		return
	}
	if c.dataSend == nil {
		if !c.replyPending {
			c.replyPending = true
			m.serve(c)
		}
		return
	}
	if c.isWriteComplete() && c.received.completeOver() {
		m.endListening(c)
	}
}

// serve passes the request to the handler and writes its reply once ready
// without blocking the worker.
func (m *Manager) serve(c *Connection) {
	var reply <-chan []byte
	if c.onMessage != nil {
		reply = c.onMessage(c.received.message())
	}
	if reply == nil {
		c.fail(ErrNoReply)
		return
	}
	select {
	case data, ok := <-reply:
		m.writeReply(c, data, ok)
	default:
		go func() {
			data, ok := <-reply
			m.dispatch(func() { m.writeReply(c, data, ok) })
		}()
	}
}

func (m *Manager) writeReply(c *Connection, data []byte, ok bool) {
	if c.ended {
		return
	}
	if !ok {
		c.fail(ErrNoReply)
		return
	}
	if err := c.setSendingData(data); err != nil {
		c.fail(errors.Wrap(err, "message: reply"))
		return
	}
	c.OnWriteable(c.tcp)
}

// shutdown answers every outstanding outgoing message. It runs after the
// worker has exited.
func (m *Manager) shutdown() {
	// registers connections whose tasks never ran
	m.drainTasks()
	for _, c := range m.sending {
		if !c.ended {
			c.ended = true
			c.respond(nil, ErrManagerClosed)
		}
	}
	clear(m.sending)
	clear(m.listening)
	m.log.Debug().Msg("manager closed")
}
