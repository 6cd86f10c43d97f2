package lib

import (
	"bytes"
	"testing"
)

func TestRingBufferWrap(t *testing.T) {
	r := NewRingBuffer(8)
	if n, ok := r.Write([]byte("abcdef")); !ok || n != 6 {
		t.Fatalf("Write = %d, %v", n, ok)
	}
	buf := make([]byte, 4)
	if n, _ := r.Read(buf); n != 4 || string(buf) != "abcd" {
		t.Fatalf("Read = %d %q", n, buf[:n])
	}
	// wraps around the end of the backing array
	if n, ok := r.Write([]byte("ghijkl")); !ok || n != 6 {
		t.Fatalf("Write = %d, %v", n, ok)
	}
	if r.Buffered() != 8 || r.WriteRemaining() != 0 {
		t.Fatalf("buffered %d remaining %d", r.Buffered(), r.WriteRemaining())
	}
	if _, ok := r.Write([]byte("x")); ok {
		t.Error("Write into a full buffer succeeded")
	}

	out := make([]byte, 16)
	n, _ := r.Read(out)
	if string(out[:n]) != "efghijkl" {
		t.Errorf("Read = %q", out[:n])
	}
	if _, ok := r.Read(out); ok {
		t.Error("Read from an empty buffer succeeded")
	}
}

func TestRingBufferOffsets(t *testing.T) {
	r := NewRingBuffer(16)
	r.Write([]byte("0123"))

	// stage bytes past a hole, then fill the hole
	if n, ok := r.WriteOffset([]byte("89"), 4); !ok || n != 2 {
		t.Fatalf("WriteOffset = %d, %v", n, ok)
	}
	if r.Buffered() != 4 {
		t.Fatalf("staged bytes became readable: %d", r.Buffered())
	}
	r.WriteOffset([]byte("4567"), 0)
	r.ConsumeWrite(6)

	peek := make([]byte, 3)
	if n, ok := r.ReadOffset(peek, 5); !ok || string(peek[:n]) != "567" {
		t.Errorf("ReadOffset = %q, %v", peek[:n], ok)
	}
	if _, ok := r.ReadOffset(peek, 10); ok {
		t.Error("ReadOffset past the data succeeded")
	}
	if _, ok := r.WriteOffset([]byte("x"), 6); ok {
		t.Error("WriteOffset past the capacity succeeded")
	}

	r.ConsumeRead(2)
	all := make([]byte, 16)
	n, _ := r.Read(all)
	if string(all[:n]) != "23456789" {
		t.Errorf("Read = %q", all[:n])
	}
}

func TestRingBufferSetCapacity(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("abcdef"))
	r.ConsumeRead(5)
	r.Write([]byte("ghij")) // data now wraps: "fghij"

	if r.SetCapacity(4) {
		t.Error("shrinking below the buffered data succeeded")
	}
	if !r.SetCapacity(32) {
		t.Fatal("SetCapacity(32) failed")
	}
	if r.Capacity() != 32 || r.WriteRemaining() != 27 {
		t.Errorf("capacity %d remaining %d", r.Capacity(), r.WriteRemaining())
	}
	r.Write(bytes.Repeat([]byte("k"), 3))
	out := make([]byte, 32)
	n, _ := r.Read(out)
	if string(out[:n]) != "fghijkkk" {
		t.Errorf("Read = %q", out[:n])
	}
}
