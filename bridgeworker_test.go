/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Bridge worker test, no-printer mode
 */

package main

import (
	"fmt"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"
)

// TestWorkerNoPrinterStub drives a worker end to end in no-printer
// mode: the GET request is framed and consumed, the stub response is
// written back, and the connection ends after one round
func TestWorkerNoPrinterStub(t *testing.T) {
	var terminate int32
	l := testListener(t, &terminate)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			t.Errorf("accept: %s", err)
			return
		}
		NewBridgeWorker(conn, nil, 1, &terminate).Run()
	}()

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer client.Close()

	request := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatalf("client write: %s", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	response, err := ioutil.ReadAll(client)
	if err != nil {
		t.Fatalf("client read: %s", err)
	}

	if string(response) != noPrinterResponse {
		t.Errorf("expected stub response, got %q", response)
	}
	if !strings.HasPrefix(string(response), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("stub response is not a valid HTTP response")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Errorf("worker did not exit after the stub round")
	}
}

// TestWorkerClientEarlyClose verifies that a client closing without
// sending anything takes the worker down cleanly, with no USB activity
// implied (nil pool stands in for "never acquired")
func TestWorkerClientEarlyClose(t *testing.T) {
	var terminate int32
	l := testListener(t, &terminate)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			t.Errorf("accept: %s", err)
			return
		}
		NewBridgeWorker(conn, nil, 2, &terminate).Run()
	}()

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Errorf("worker did not exit after early client close")
	}
}
