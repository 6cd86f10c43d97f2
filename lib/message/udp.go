package message

import (
	"net"
	"sync"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client sends messages to one UDP server.
type Client struct {
	conn        net.PacketConn
	server      net.Addr
	manager     *Manager
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewClient(serverAddr string, config *Config, tcpConfig *lib.PseudoTcpConfig) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", serverAddr)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	c := &Client{
		conn:        conn,
		server:      raddr,
		manager:     NewManager(config, tcpConfig),
		closeSignal: make(chan struct{}),
	}
	c.manager.Start()
	c.wg.Add(1)
	go c.handleIncomingPackets()
	return c, nil
}

// Request sends payload to the server; onResponse gets the reply.
func (c *Client) Request(payload []byte, timeout uint32, onResponse ResponseFunc) *Connection {
	return c.manager.SendMessage(payload, onResponse, c.writePacket, timeout)
}

// Cancel abandons a request made with Request.
func (c *Client) Cancel(conn *Connection) {
	c.manager.EndConnection(conn)
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) writePacket(packet []byte) {
	if _, err := c.conn.WriteTo(packet, c.server); err != nil {
		log.Debug().Err(err).Msg("client: write packet")
	}
}

func (c *Client) handleIncomingPackets() {
	defer c.wg.Done()
	buf := make([]byte, lib.MaxPacket)
	for {
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closeSignal:
				return
			default:
			}
			log.Warn().Err(err).Msg("client: read packet")
			continue
		}
		c.manager.NotifyPacketForSendingMessage(buf[:n])
	}
}

// Close stops the client. Outstanding requests fail with ErrManagerClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		err = c.conn.Close()
		c.wg.Wait()
		c.manager.Close()
	})
	return err
}

// Server answers messages from any UDP peer with handler.
type Server struct {
	conn        net.PacketConn
	manager     *Manager
	handler     MessageHandler
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewServer(addr string, handler MessageHandler, config *Config, tcpConfig *lib.PseudoTcpConfig) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	s := &Server{
		conn:        conn,
		manager:     NewManager(config, tcpConfig),
		handler:     handler,
		closeSignal: make(chan struct{}),
	}
	s.manager.Start()
	s.wg.Add(1)
	go s.handleIncomingPackets()
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("server listening")
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) handleIncomingPackets() {
	defer s.wg.Done()
	buf := make([]byte, lib.MaxPacket)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeSignal:
				return
			default:
			}
			log.Warn().Err(err).Msg("server: read packet")
			continue
		}
		s.manager.NotifyPacketForListeningMessage(addr.String(), buf[:n], s.handler, func(packet []byte) {
			if _, err := s.conn.WriteTo(packet, addr); err != nil {
				log.Debug().Err(err).Str("peer", addr.String()).Msg("server: write packet")
			}
		})
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		err = s.conn.Close()
		s.wg.Wait()
		s.manager.Close()
	})
	return err
}
