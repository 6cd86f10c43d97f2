package message

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestUDPClientServer(t *testing.T) {
	server, err := NewServer("127.0.0.1:0", upper, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	client, err := NewClient(server.Addr().String(), nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	payload := bytes.Repeat([]byte("udp "), 5000)
	onResponse, results := collect()
	if client.Request(payload, 0, onResponse) == nil {
		t.Fatal("request rejected")
	}
	r := wait(t, results, 10*time.Second)
	if r.err != nil {
		t.Fatalf("response error: %v", r.err)
	}
	if !bytes.Equal(r.data, bytes.ToUpper(payload)) {
		t.Errorf("response mismatch, %d bytes", len(r.data))
	}
}

func TestUDPClientCloseFailsRequests(t *testing.T) {
	// nobody listens on the server address
	client, err := NewClient("127.0.0.1:9", nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	onResponse, results := collect()
	client.Request([]byte("hello?"), 10000, onResponse)
	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	r := wait(t, results, 5*time.Second)
	if !errors.Is(r.err, ErrManagerClosed) {
		t.Errorf("error %v, want ErrManagerClosed", r.err)
	}
}
