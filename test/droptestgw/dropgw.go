package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/google/gopacket"
)

var (
	gatewayAddr string
	targetAddr  string
	configPath  string
	dropRate    float64
	verbose     bool
	idleTimeout time.Duration
)

func init() {
	flag.StringVar(&gatewayAddr, "addr", config.GatewayAddr, "Gateway UDP address")
	flag.StringVar(&targetAddr, "target", config.ServerAddr, "Target server address")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.BoolVar(&verbose, "v", false, "log every forwarded segment header")
	flag.DurationVar(&idleTimeout, "idle", 2*time.Minute, "close a client session after this long without traffic")
	flag.Parse()
}

// session relays one client's datagrams through its own upstream socket so
// replies from the server can be routed back.
type session struct {
	client   net.Addr
	upstream *net.UDPConn
	lastSeen time.Time
}

type gateway struct {
	conn     net.PacketConn
	target   *net.UDPAddr
	rate     float64
	mu       sync.Mutex
	rng      *rand.Rand
	sessions map[string]*session
	wg       sync.WaitGroup
	closing  chan struct{}
}

// drop decides whether a datagram is lost, logging its header either way when asked to.
func (g *gateway) drop(packet []byte, direction string) bool {
	g.mu.Lock()
	dropped := g.rng.Float64() < g.rate
	g.mu.Unlock()

	if dropped || verbose {
		desc := describe(packet)
		if dropped {
			log.Printf("Dropped packet in %s direction: %s", direction, desc)
		} else {
			log.Printf("%s: %s", direction, desc)
		}
	}
	return dropped
}

func describe(packet []byte) string {
	p := gopacket.NewPacket(packet, lib.LayerTypePseudoTCP, gopacket.Default)
	if layer := p.Layer(lib.LayerTypePseudoTCP); layer != nil {
		return layer.(*lib.PseudoTCPLayer).String()
	}
	if errLayer := p.ErrorLayer(); errLayer != nil {
		return fmt.Sprintf("undecodable (%d bytes): %v", len(packet), errLayer.Error())
	}
	return fmt.Sprintf("undecodable (%d bytes)", len(packet))
}

func (g *gateway) sessionFor(client net.Addr) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[client.String()]; ok {
		s.lastSeen = time.Now()
		return s, nil
	}
	upstream, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, err
	}
	s := &session{client: client, upstream: upstream, lastSeen: time.Now()}
	g.sessions[client.String()] = s
	log.Printf("New client session %s via %s", client, upstream.LocalAddr())

	g.wg.Add(1)
	go g.serverToClient(s)
	return s, nil
}

func (g *gateway) clientToServer() {
	defer g.wg.Done()
	buf := make([]byte, lib.MaxPacket)
	for {
		n, addr, err := g.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-g.closing:
				return
			default:
			}
			log.Printf("Error reading from client side: %v", err)
			continue
		}
		s, err := g.sessionFor(addr)
		if err != nil {
			log.Printf("Error connecting to server %s for client %s: %v", g.target, addr, err)
			continue
		}
		if g.drop(buf[:n], "client-to-server") {
			continue
		}
		if _, err := s.upstream.Write(buf[:n]); err != nil {
			log.Printf("Error forwarding client data from %s to server %s: %v", addr, g.target, err)
		}
	}
}

func (g *gateway) serverToClient(s *session) {
	defer g.wg.Done()
	buf := make([]byte, lib.MaxPacket)
	for {
		n, err := s.upstream.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("Error reading from server for client %s: %v", s.client, err)
			}
			return
		}
		g.mu.Lock()
		s.lastSeen = time.Now()
		g.mu.Unlock()
		if g.drop(buf[:n], "server-to-client") {
			continue
		}
		if _, err := g.conn.WriteTo(buf[:n], s.client); err != nil {
			log.Printf("Error forwarding server data to client %s: %v", s.client, err)
		}
	}
}

// reap closes sessions that have been idle for longer than idleTimeout.
func (g *gateway) reap() {
	defer g.wg.Done()
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-g.closing:
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for key, s := range g.sessions {
				if now.Sub(s.lastSeen) > idleTimeout {
					log.Printf("Closing idle client session %s", s.client)
					s.upstream.Close()
					delete(g.sessions, key)
				}
			}
			g.mu.Unlock()
		}
	}
}

func (g *gateway) close() {
	close(g.closing)
	g.conn.Close()
	g.mu.Lock()
	for key, s := range g.sessions {
		s.upstream.Close()
		delete(g.sessions, key)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func main() {
	tcpConfig, msgConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	// Print the effective configuration in pretty JSON
	for _, c := range []struct {
		name string
		v    any
	}{{"PseudoTcp Configuration:", tcpConfig}, {"Message Configuration:", msgConfig}} {
		out, err := json.MarshalIndent(c.v, "", "  ")
		if err != nil {
			log.Fatalf("Error marshaling configuration to JSON: %v", err)
		}
		fmt.Println(c.name)
		fmt.Println(string(out))
		fmt.Println()
	}

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatalf("Invalid target address %s: %v", targetAddr, err)
	}
	conn, err := net.ListenPacket("udp", gatewayAddr)
	if err != nil {
		log.Fatalf("Gateway error listening at %s: %v", gatewayAddr, err)
	}
	log.Printf("Drop gateway started at %s -> %s (drop rate: %.1f%%)", conn.LocalAddr(), target, dropRate*100)

	g := &gateway{
		conn:     conn,
		target:   target,
		rate:     dropRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: make(map[string]*session),
		closing:  make(chan struct{}),
	}
	g.wg.Add(2)
	go g.clientToServer()
	go g.reap()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	log.Println("Received SIGINT (Ctrl+C). Shutting down...")
	g.close()
	log.Println("All sessions closed. Gateway exiting...")
}
