package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib/message"
)

var (
	serverAddr string
	configPath string
	text       string
	count      int
	timeoutMs  uint
)

func init() {
	flag.StringVar(&serverAddr, "server", config.ServerAddr, "message server address (IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&text, "message", "Hello from client!", "message to send")
	flag.IntVar(&count, "count", 1, "number of concurrent copies to send")
	flag.UintVar(&timeoutMs, "timeout", 0, "per message timeout in ms, 0 for the configured default")
	flag.Parse()
}

func main() {
	tcpConfig, msgConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	client, err := message.NewClient(serverAddr, msgConfig, tcpConfig)
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}
	defer client.Close()
	log.Printf("Sending %d message(s) from %s to %s", count, client.LocalAddr(), serverAddr)

	var wg sync.WaitGroup
	failed := 0
	var mu sync.Mutex
	for i := 0; i < count; i++ {
		wg.Add(1)
		start := time.Now()
		payload := []byte(text)
		if count > 1 {
			payload = []byte(fmt.Sprintf("%s #%d", text, i))
		}
		conn := client.Request(payload, uint32(timeoutMs), func(response []byte, err error) {
			defer wg.Done()
			if err != nil {
				log.Printf("Message %d failed after %v: %v", i, time.Since(start), err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			fmt.Printf("Response %d (%v): %s\n", i, time.Since(start), response)
		})
		if conn != nil {
			log.Printf("Message %d sent on conversation %d", i, conn.Conv())
		}
	}
	wg.Wait()

	if failed > 0 {
		log.Fatalf("%d of %d messages failed", failed, count)
	}
}
