/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * HTTP framer test
 */

package main

import (
	"testing"
)

// feed drives a Message/Packet pair to completion using a function
// that returns one chunk of available bytes at a time, simulating
// arbitrary read-size boundaries
func feed(t *testing.T, isRequest bool, chunks [][]byte) ([]byte, *Message, error) {
	msg := NewMessage(isRequest)
	var out []byte
	idx := 0

	for !msg.IsCompleted() {
		pkt := packetNew(msg)
		for {
			want, err := pkt.PendingBytes()
			if err != nil {
				return out, msg, err
			}
			if want == 0 {
				break
			}
			if idx >= len(chunks) {
				t.Fatalf("ran out of input before completion")
			}
			n := len(chunks[idx])
			buf := pkt.buffer[pkt.filled:cap(pkt.buffer)]
			copy(buf, chunks[idx])
			idx++
			pkt.MarkReceived(n)
		}
		out = append(out, pkt.Bytes()...)
	}

	return out, msg, nil
}

func TestFramerContentLength(t *testing.T) {
	req := "POST /ipp/print HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	out, msg, err := feed(t, true, [][]byte{[]byte(req)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != req {
		t.Errorf("expected %q, got %q", req, out)
	}
	if msg.Kind() != FrameContentLength {
		t.Errorf("expected ContentLength, got %s", msg.Kind())
	}
}

func TestFramerContentLengthSplitAcrossHeader(t *testing.T) {
	// Content-Length header split across two reads, inside the header
	// section itself
	req := "POST / HTTP/1.1\r\nContent-Len"
	rest := "gth: 2\r\n\r\nOK"
	out, _, err := feed(t, true, [][]byte{[]byte(req), []byte(rest)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != req+rest {
		t.Errorf("expected %q, got %q", req+rest, out)
	}
}

func TestFramerChunked(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	out, msg, err := feed(t, false, [][]byte{[]byte(resp)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != resp {
		t.Errorf("expected %q, got %q", resp, out)
	}
	if !msg.IsCompleted() {
		t.Errorf("message not completed after zero chunk")
	}
}

func TestFramerChunkedByteByByte(t *testing.T) {
	resp := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	chunks := make([][]byte, len(resp))
	for i, b := range resp {
		chunks[i] = []byte{b}
	}
	out, msg, err := feed(t, false, chunks)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != string(resp) {
		t.Errorf("expected %q, got %q", resp, out)
	}
	if !msg.IsCompleted() {
		t.Errorf("message not completed")
	}
}

func TestFramerHeaderOnlyGet(t *testing.T) {
	req := "GET /favicon.ico HTTP/1.1\r\nHost: x\r\n\r\n"
	out, msg, err := feed(t, true, [][]byte{[]byte(req)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != req {
		t.Errorf("expected %q, got %q", req, out)
	}
	if msg.Kind() != FrameHeaderOnly {
		t.Errorf("expected HeaderOnly, got %s", msg.Kind())
	}
}

func TestFramerBareLF(t *testing.T) {
	req := "GET / HTTP/1.1\nHost: x\n\n"
	out, msg, err := feed(t, true, [][]byte{[]byte(req)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != req {
		t.Errorf("expected %q, got %q", req, out)
	}
	if msg.Kind() != FrameHeaderOnly {
		t.Errorf("expected HeaderOnly, got %s", msg.Kind())
	}
}

func TestFramerUnknownNonGetBodyless(t *testing.T) {
	// POST without Content-Length/chunked falls through to Unknown
	// (read until close), never specially recognized as bodyless
	req := "POST /x HTTP/1.1\r\nHost: x\r\n\r\n"
	msg := NewMessage(true)
	pkt := packetNew(msg)
	if _, err := pkt.PendingBytes(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	buf := pkt.buffer[pkt.filled:cap(pkt.buffer)]
	copy(buf, req)
	pkt.MarkReceived(len(req))

	if msg.Kind() != FrameUnknown {
		t.Errorf("expected Unknown, got %s", msg.Kind())
	}
}

func TestFramerSpareBufferCarriesToNextMessage(t *testing.T) {
	// Two Content-Length requests arrive back to back in a single
	// read; the second request's bytes must survive as the first
	// message's spare buffer and seed the next Message's Packet
	first := "POST / HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi"
	second := "GET /next HTTP/1.1\r\n\r\n"

	all := first + second
	out, msg, err := feed(t, true, [][]byte{[]byte(all)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out) != first {
		t.Errorf("expected packet bytes %q, got %q", first, out)
	}
	if string(msg.spare) != second {
		t.Errorf("expected spare %q, got %q", second, msg.spare)
	}

	msg2 := NewMessage(true)
	msg2.InheritSpare(msg.takeSpare())
	pkt2 := packetNew(msg2)
	if string(pkt2.Bytes()) != second {
		t.Errorf("expected adopted spare %q, got %q", second, pkt2.Bytes())
	}
}

func TestFramerMessageCompletesFromInheritedSpare(t *testing.T) {
	// Both pipelined requests arrive in one read; the second message
	// must complete entirely from the inherited spare bytes, with no
	// further input available on the stream
	first := "POST / HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi"
	second := "POST /next HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"

	_, msg, err := feed(t, true, [][]byte{[]byte(first + second)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	msg2 := NewMessage(true)
	msg2.InheritSpare(msg.takeSpare())

	pkt2 := packetNew(msg2)
	want, err := pkt2.PendingBytes()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if want != 0 {
		t.Errorf("expected a complete packet from spare, want %d more", want)
	}
	if !msg2.IsCompleted() {
		t.Errorf("second message not completed from inherited spare")
	}
	if string(pkt2.Bytes()) != second {
		t.Errorf("expected %q, got %q", second, pkt2.Bytes())
	}
	if msg2.Kind() != FrameContentLength {
		t.Errorf("expected ContentLength, got %s", msg2.Kind())
	}
}

func TestFramerBufferExhausted(t *testing.T) {
	msg := NewMessage(true)
	pkt := packetNew(msg)
	pkt.msg.kind = FrameContentLength
	pkt.expected = packetBufMax + 1
	pkt.filled = packetBufMax
	pkt.buffer = make([]byte, pkt.filled)

	_, err := pkt.PendingBytes()
	if err != ErrBufferExhausted {
		t.Errorf("expected ErrBufferExhausted, got %v", err)
	}
}
