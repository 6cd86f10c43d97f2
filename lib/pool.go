package lib

import (
	"fmt"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog/log"
)

const (
	defaultPacketPoolSize = 64
	packetBufferLength    = MaxPacket // room for the largest datagram
	poolProcessThreshold  = 10 * time.Millisecond
)

var (
	Pool     *rp.RingPool
	poolOnce sync.Once
)

// InitPool creates the shared packet buffer pool. Only the first call has
// an effect; the pool is shared by every connection in the process.
func InitPool(size int, debug bool) {
	poolOnce.Do(func() {
		if size <= 0 {
			size = defaultPacketPoolSize
		}
		rp.Debug = debug
		Pool = rp.NewRingPool("PseudoTcp: ", size, NewPayload, packetBufferLength)
		Pool.Debug = debug
		Pool.ProcessTimeThreshold = poolProcessThreshold
		log.Debug().Int("size", size).Bool("debug", debug).Msg("packet pool created")
	})
}

// Payload is a pooled packet buffer
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload allocates a Payload; params[0] is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Msg("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Error().Msg("NewPayload: Invalid data type of bufferLength. Should be of type int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset clears the used part of the buffer
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// slice marks n bytes as used and returns them
func (p *Payload) slice(n int) []byte {
	p.length = n
	return p.payloadBytes[:n]
}

// getPacketBuffer returns an n byte buffer for building an outgoing packet
// and the func that gives it back. Without a pool, or when the pool cannot
// serve the request, a fresh slice is allocated.
func getPacketBuffer(n int) ([]byte, func()) {
	if Pool == nil || n > packetBufferLength {
		return make([]byte, n), func() {}
	}
	elem := Pool.GetElement()
	if elem == nil {
		return make([]byte, n), func() {}
	}
	payload, ok := elem.Data.(*Payload)
	if !ok {
		Pool.ReturnElement(elem)
		return make([]byte, n), func() {}
	}
	var fp int
	if rp.Debug {
		fp = elem.AddFootPrint("buildPacket")
	}
	return payload.slice(n), func() {
		if rp.Debug {
			elem.TickFootPrint(fp)
		}
		Pool.ReturnElement(elem)
	}
}
