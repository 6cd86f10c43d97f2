package message

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

// loopback connects a client manager and a server manager in memory.
type loopback struct {
	client  *Manager
	server  *Manager
	handler MessageHandler
	drop    atomic.Bool
}

func newLoopback(t *testing.T, clientConfig *Config, handler MessageHandler) *loopback {
	t.Helper()
	l := &loopback{
		client:  NewManager(clientConfig, nil),
		server:  NewManager(nil, nil),
		handler: handler,
	}
	l.client.Start()
	l.server.Start()
	t.Cleanup(func() {
		l.client.Close()
		l.server.Close()
	})
	return l
}

func (l *loopback) toServer(p []byte) {
	if l.drop.Load() {
		return
	}
	l.server.NotifyPacketForListeningMessage("client", p, l.handler, l.toClient)
}

func (l *loopback) toClient(p []byte) {
	if l.drop.Load() {
		return
	}
	l.client.NotifyPacketForSendingMessage(p)
}

func (l *loopback) send(data []byte, timeout uint32) (*Connection, <-chan result) {
	onResponse, results := collect()
	c := l.client.SendMessage(data, onResponse, l.toServer, timeout)
	return c, results
}

type result struct {
	data []byte
	err  error
}

func collect() (ResponseFunc, <-chan result) {
	ch := make(chan result, 4)
	return func(data []byte, err error) {
		ch <- result{data: append([]byte(nil), data...), err: err}
	}, ch
}

func wait(t *testing.T, results <-chan result, d time.Duration) result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(d):
		t.Fatalf("no response within %v", d)
		return result{}
	}
}

func expectNoMore(t *testing.T, results <-chan result, d time.Duration) {
	t.Helper()
	select {
	case r := <-results:
		t.Errorf("response callback called again: %v", r.err)
	case <-time.After(d):
	}
}

func reply(data []byte) <-chan []byte {
	ch := make(chan []byte, 1)
	ch <- data
	return ch
}

func upper(request []byte) <-chan []byte {
	return reply(bytes.ToUpper(request))
}

func TestRequestResponse(t *testing.T) {
	l := newLoopback(t, nil, upper)
	c, results := l.send([]byte("hello pseudotcp"), 0)
	if c == nil {
		t.Fatal("message rejected")
	}

	r := wait(t, results, 10*time.Second)
	if r.err != nil {
		t.Fatalf("response error: %v", r.err)
	}
	if string(r.data) != "HELLO PSEUDOTCP" {
		t.Errorf("response %q", r.data)
	}
	expectNoMore(t, results, 200*time.Millisecond)
}

func TestLargeRequestResponse(t *testing.T) {
	request := make([]byte, 150000)
	rand.New(rand.NewSource(1)).Read(request)
	l := newLoopback(t, nil, func(req []byte) <-chan []byte {
		out := make([]byte, len(req))
		for i, b := range req {
			out[len(req)-1-i] = b
		}
		return reply(out)
	})

	_, results := l.send(request, 0)
	r := wait(t, results, 20*time.Second)
	if r.err != nil {
		t.Fatalf("response error: %v", r.err)
	}
	if len(r.data) != len(request) {
		t.Fatalf("response %d bytes, want %d", len(r.data), len(request))
	}
	for i := range request {
		if r.data[len(request)-1-i] != request[i] {
			t.Fatalf("response mismatch at %d", i)
		}
	}
}

func TestAsyncHandler(t *testing.T) {
	l := newLoopback(t, nil, func(req []byte) <-chan []byte {
		ch := make(chan []byte)
		go func() {
			time.Sleep(50 * time.Millisecond)
			ch <- append([]byte("re: "), req...)
		}()
		return ch
	})

	_, results := l.send([]byte("ping"), 0)
	r := wait(t, results, 10*time.Second)
	if r.err != nil || string(r.data) != "re: ping" {
		t.Errorf("response %q, %v", r.data, r.err)
	}
}

func TestConcurrentMessages(t *testing.T) {
	l := newLoopback(t, nil, upper)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("message %d", i)
			_, results := l.send([]byte(msg), 0)
			select {
			case r := <-results:
				if r.err != nil {
					errs <- r.err
				} else if string(r.data) != string(bytes.ToUpper([]byte(msg))) {
					errs <- fmt.Errorf("message %d: response %q", i, r.data)
				}
			case <-time.After(20 * time.Second):
				errs <- fmt.Errorf("message %d: no response", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTimeout(t *testing.T) {
	l := newLoopback(t, nil, upper)
	l.drop.Store(true)

	start := time.Now()
	_, results := l.send([]byte("anyone?"), 300)
	r := wait(t, results, 5*time.Second)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout", r.err)
	}
	if len(r.data) != 0 {
		t.Errorf("timed out response carried data %q", r.data)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("timed out after %v", elapsed)
	}
	expectNoMore(t, results, 500*time.Millisecond)
}

func TestHandlerWithoutReply(t *testing.T) {
	var calls atomic.Int32
	l := newLoopback(t, nil, func([]byte) <-chan []byte {
		calls.Add(1)
		return nil
	})

	_, results := l.send([]byte("no answer"), 500)
	r := wait(t, results, 5*time.Second)
	if !errors.Is(r.err, ErrTimeout) {
		t.Errorf("error %v, want ErrTimeout", r.err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times", calls.Load())
	}
}

func TestRejectedMessages(t *testing.T) {
	config := DefaultConfig()
	config.MaxMessageSize = 8
	l := newLoopback(t, config, upper)

	testCases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "short frame", frame: []byte{0, 0, 0}, want: ErrShortFrame},
		{name: "too large", frame: nil, want: ErrMessageTooLarge},
	}
	for _, tc := range testCases {
		onResponse, results := collect()
		var c *Connection
		if tc.frame != nil {
			c = l.client.SendMessageChunk(tc.frame, onResponse, l.toServer, 0)
		} else {
			c = l.client.SendMessage(make([]byte, 9), onResponse, l.toServer, 0)
		}
		if c != nil {
			t.Errorf("%s: message accepted", tc.name)
		}
		select {
		case r := <-results:
			if !errors.Is(r.err, tc.want) {
				t.Errorf("%s: error %v, want %v", tc.name, r.err, tc.want)
			}
		default:
			t.Errorf("%s: response callback not called synchronously", tc.name)
		}
	}
}

func TestEmptyMessage(t *testing.T) {
	var got atomic.Int32
	l := newLoopback(t, nil, func(req []byte) <-chan []byte {
		got.Store(int32(len(req)) + 1)
		return reply(nil)
	})

	c, results := l.send(nil, 0)
	if c == nil {
		t.Fatal("empty message rejected")
	}
	r := wait(t, results, 10*time.Second)
	if r.err != nil {
		t.Fatalf("response error: %v", r.err)
	}
	if len(r.data) != 0 {
		t.Errorf("response %q, want empty", r.data)
	}
	if got.Load() != 1 {
		t.Errorf("handler saw request of %d bytes", got.Load()-1)
	}
}

func TestSendFromResponseCallback(t *testing.T) {
	config := DefaultConfig()
	config.TaskQueueSize = 1
	l := newLoopback(t, config, upper)

	const chained = 3
	results := make(chan result, chained+1)
	returned := make(chan struct{})
	forward := func(data []byte, err error) {
		results <- result{data: append([]byte(nil), data...), err: err}
	}

	// runs on the manager's worker and sends more messages than the task
	// queue was sized for
	l.client.SendMessage([]byte("trigger"), func(data []byte, err error) {
		forward(data, err)
		for i := 0; i < chained; i++ {
			l.client.SendMessage([]byte(fmt.Sprintf("chained %d", i)), forward, l.toServer, 0)
		}
		close(returned)
	}, l.toServer, 0)

	select {
	case <-returned:
	case <-time.After(10 * time.Second):
		t.Fatal("response callback did not return")
	}
	for i := 0; i < chained+1; i++ {
		r := wait(t, results, 10*time.Second)
		if r.err != nil {
			t.Errorf("response error: %v", r.err)
		}
	}
}

func TestDispatchDoesNotBlock(t *testing.T) {
	config := DefaultConfig()
	config.TaskQueueSize = 1
	m := NewManager(config, nil) // never started, nothing drains the queue

	const n = 50
	results := make(chan result, n)
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			c := m.SendMessage([]byte("queued"), func(data []byte, err error) {
				results <- result{err: err}
			}, func([]byte) {}, 0)
			m.EndConnection(c)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage blocked on a full task queue")
	}

	m.Close()
	for i := 0; i < n; i++ {
		r := wait(t, results, time.Second)
		if !errors.Is(r.err, ErrCanceled) {
			t.Errorf("error %v, want ErrCanceled", r.err)
		}
	}
}

func TestEndConnection(t *testing.T) {
	l := newLoopback(t, nil, upper)
	l.drop.Store(true)

	c, results := l.send([]byte("cancel me"), 10000)
	l.client.EndConnection(c)
	r := wait(t, results, 5*time.Second)
	if !errors.Is(r.err, ErrCanceled) {
		t.Errorf("error %v, want ErrCanceled", r.err)
	}
	l.client.EndConnection(c)
	expectNoMore(t, results, 200*time.Millisecond)
}

func TestCloseAnswersOutstanding(t *testing.T) {
	l := newLoopback(t, nil, upper)
	l.drop.Store(true)

	_, results := l.send([]byte("pending"), 10000)
	l.client.Close()
	r := wait(t, results, 5*time.Second)
	if !errors.Is(r.err, ErrManagerClosed) {
		t.Errorf("error %v, want ErrManagerClosed", r.err)
	}

	c, results := l.send([]byte("late"), 0)
	if c != nil {
		t.Error("message accepted after Close")
	}
	r = wait(t, results, time.Second)
	if !errors.Is(r.err, ErrManagerClosed) {
		t.Errorf("error %v, want ErrManagerClosed", r.err)
	}
}

func TestConversationNumbers(t *testing.T) {
	l := newLoopback(t, nil, upper)
	l.drop.Store(true)

	c1, _ := l.send([]byte("a"), 10000)
	c2, _ := l.send([]byte("b"), 10000)
	if c2.Conv() != c1.Conv()+1 {
		t.Errorf("conversation numbers %d, %d", c1.Conv(), c2.Conv())
	}
}

func TestStrayPacketsIgnored(t *testing.T) {
	var calls atomic.Int32
	l := newLoopback(t, nil, func(req []byte) <-chan []byte {
		calls.Add(1)
		return reply(req)
	})

	// too short, then a non-CONNECT for an unknown conversation
	l.server.NotifyPacketForListeningMessage("x", []byte{1, 2}, l.handler, func([]byte) {})
	stray := make([]byte, 24)
	stray[3] = 9
	var sent atomic.Int32
	l.server.NotifyPacketForListeningMessage("x", stray, l.handler, func([]byte) { sent.Add(1) })
	l.client.NotifyPacketForSendingMessage(stray)

	time.Sleep(100 * time.Millisecond)
	if sent.Load() != 0 || calls.Load() != 0 {
		t.Errorf("stray packet answered: sent %d, handler calls %d", sent.Load(), calls.Load())
	}
}
