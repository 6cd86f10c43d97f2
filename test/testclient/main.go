package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib/message"
)

var (
	serverAddrStr string
	configPath    string
	filePath      string
	maxChunk      int
	maxGapMs      int
	inFlight      int
	total         int
)

func init() {
	// Point serveraddr at the drop gateway to test under loss
	flag.StringVar(&serverAddrStr, "serveraddr", config.ServerAddr, "echo server address (IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&filePath, "file", "book.txt", "file path to the book txt file")
	flag.IntVar(&maxChunk, "max-chunk", 64*1024, "largest message size")
	flag.IntVar(&maxGapMs, "max-gap-ms", 300, "Max gap in ms between two consecutive messages")
	flag.IntVar(&inFlight, "inflight", 4, "messages outstanding at once")
	flag.IntVar(&total, "n", 100, "number of messages to send, 0 runs forever")
	flag.Parse()
}

type outcome struct {
	seq     int
	size    int
	elapsed time.Duration
	err     error
}

func main() {
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Println("Error opening file:", err)
		os.Exit(1)
	}
	if len(data) == 0 {
		log.Fatalf("%s is empty", filePath)
	}

	tcpConfig, msgConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	client, err := message.NewClient(serverAddrStr, msgConfig, tcpConfig)
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}
	defer client.Close()
	log.Printf("Sending chunks of %s from %s to %s", filePath, client.LocalAddr(), serverAddrStr)

	reader := bytes.NewReader(data)
	outcomes := make(chan outcome, inFlight)
	slots := make(chan struct{}, inFlight)
	var sent, failed atomic.Int64

	go func() {
		for o := range outcomes {
			if o.err != nil {
				failed.Add(1)
				log.Printf("Message %d (%d bytes) failed after %v: %v", o.seq, o.size, o.elapsed, o.err)
			} else {
				log.Printf("Message %d (%d bytes) echoed in %v", o.seq, o.size, o.elapsed)
			}
			<-slots
		}
	}()

	buffer := make([]byte, maxChunk)
	for seq := 0; total == 0 || seq < total; seq++ {
		// Generate a random chunk size between 1 and maxChunk
		chunkSize := 1 + rand.Intn(maxChunk)
		n, err := reader.Read(buffer[:chunkSize])
		if err == io.EOF || n == 0 {
			// Reset the read pointer to the beginning of the file
			reader.Seek(0, io.SeekStart)
			n, _ = reader.Read(buffer[:chunkSize])
		}
		chunk := append([]byte(nil), buffer[:n]...)

		slots <- struct{}{}
		start := time.Now()
		sent.Add(1)
		client.Request(chunk, 0, func(response []byte, err error) {
			if err == nil && !bytes.Equal(response, chunk) {
				err = fmt.Errorf("echo mismatch: got %d bytes", len(response))
			}
			outcomes <- outcome{seq: seq, size: len(chunk), elapsed: time.Since(start), err: err}
		})

		// Sleep for a random duration between 0 and maxGapMs milliseconds
		if maxGapMs > 0 {
			time.Sleep(time.Duration(rand.Intn(maxGapMs)) * time.Millisecond)
		}
	}

	// wait for the last outstanding messages
	for i := 0; i < inFlight; i++ {
		slots <- struct{}{}
	}
	log.Printf("Done: %d sent, %d failed", sent.Load(), failed.Load())
	if failed.Load() > 0 {
		os.Exit(1)
	}
}
