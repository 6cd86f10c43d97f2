package message

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame([]byte("hello"), MaxMessageSize)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame % x, want % x", frame, want)
	}

	if _, err := encodeFrame(make([]byte, 9), 8); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized payload: %v", err)
	}
}

func TestFrameReader(t *testing.T) {
	frame, _ := encodeFrame([]byte("abcdef"), MaxMessageSize)

	testCases := []struct {
		name         string
		chunks       [][]byte
		complete     bool
		completeOver bool
		message      string
	}{
		{name: "empty", chunks: nil},
		{name: "partial header", chunks: [][]byte{frame[:2]}},
		{name: "header only", chunks: [][]byte{frame[:4]}},
		{name: "partial body", chunks: [][]byte{frame[:4], frame[4:7]}},
		{name: "split header", chunks: [][]byte{frame[:1], frame[1:3], frame[3:]}, complete: true, message: "abcdef"},
		{name: "whole", chunks: [][]byte{frame}, complete: true, message: "abcdef"},
		{name: "trailing byte", chunks: [][]byte{frame, {0}}, complete: true, completeOver: true, message: "abcdef"},
	}

	for _, tc := range testCases {
		var r frameReader
		for _, c := range tc.chunks {
			r.write(c)
		}
		if r.complete() != tc.complete {
			t.Errorf("%s: complete %v, want %v", tc.name, r.complete(), tc.complete)
		}
		if r.completeOver() != tc.completeOver {
			t.Errorf("%s: completeOver %v, want %v", tc.name, r.completeOver(), tc.completeOver)
		}
		if got := string(r.message()); got != tc.message {
			t.Errorf("%s: message %q, want %q", tc.name, got, tc.message)
		}
	}
}
