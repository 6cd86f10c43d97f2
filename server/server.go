package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib/message"
)

var (
	listenAddr string
	configPath string
	mode       string
	delayMs    int
)

func init() {
	flag.StringVar(&listenAddr, "addr", config.ServerAddr, "UDP address to serve messages on")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&mode, "mode", "echo", "reply mode: echo, upper or drop")
	flag.IntVar(&delayMs, "delay-ms", 0, "delay in ms before each reply")
	flag.Parse()
}

func newHandler() (message.MessageHandler, error) {
	var transform func([]byte) []byte
	switch mode {
	case "echo":
		transform = func(b []byte) []byte { return b }
	case "upper":
		transform = bytes.ToUpper
	case "drop":
		return func(request []byte) <-chan []byte {
			log.Printf("Dropping message of %d bytes", len(request))
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	return func(request []byte) <-chan []byte {
		log.Printf("Got message of %d bytes", len(request))
		ch := make(chan []byte, 1)
		if delayMs <= 0 {
			ch <- transform(request)
			return ch
		}
		go func() {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
			ch <- transform(request)
		}()
		return ch
	}, nil
}

func main() {
	tcpConfig, msgConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	handler, err := newHandler()
	if err != nil {
		log.Fatal(err)
	}

	srv, err := message.NewServer(listenAddr, handler, msgConfig, tcpConfig)
	if err != nil {
		log.Fatalf("Error listening at %s: %v", listenAddr, err)
	}
	log.Printf("Message server started at %s (mode: %s)", srv.Addr(), mode)

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	log.Println("Received SIGINT (Ctrl+C). Shutting down...")
	if err := srv.Close(); err != nil {
		log.Printf("Error closing server: %v", err)
	}
}
