/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Per-connection bridge worker
 */

package main

import (
	"sync/atomic"
)

// noPrinterResponse is the fixed answer served in no-printer debug
// mode, a minimal valid HTTP response identifying the bridge
const noPrinterResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html; charset=UTF-8\r\n" +
	"\r\n" +
	"<html><h2>ipp-usb-bridge</h2>" +
	"<p>Debug/development mode without connection to " +
	"IPP-over-USB printer</p></html>\r\n"

// BridgeWorker relays full HTTP messages between one accepted TCP
// connection and the USB interface pool. A nil pool selects no-printer
// mode: every request is answered with a fixed stub response.
//
// clientSpare/serverSpare carry bytes read past the end of one message
// to the next message on the same stream, so a pipelined request (or a
// response arriving back to back with the next one) is never lost
type BridgeWorker struct {
	tcp       *TcpConn
	pool      *UsbPool // nil in no-printer mode
	session   int      // Session id, for log correlation
	terminate *int32

	clientSpare []byte // Leftover of the previous request message
	serverSpare []byte // Leftover of the previous response message
}

// NewBridgeWorker creates a worker for one accepted connection
func NewBridgeWorker(tcp *TcpConn, pool *UsbPool, session int,
	terminate *int32) *BridgeWorker {

	return &BridgeWorker{
		tcp:       tcp,
		pool:      pool,
		session:   session,
		terminate: terminate,
	}
}

// Run services the connection until the peer closes it or termination
// is requested, then closes the TCP side. One iteration of the outer
// loop is one request/response round; the USB interface is held only
// within a round, never across the idle time between rounds
func (w *BridgeWorker) Run() {
	Log.Debug(' ', "HTTP[%3.3d]: connection accepted", w.session)

	var usb *UsbConn
	usbFailed := false

	defer func() {
		if usb != nil {
			usb.Release()
		}
		w.tcp.Close()
		Log.Debug(' ', "HTTP[%3.3d]: connection closed", w.session)
	}()

	for !w.tcp.IsClosed() && !usbFailed &&
		atomic.LoadInt32(w.terminate) == 0 {

		if !w.relayRequest(&usb, &usbFailed) {
			return
		}

		if atomic.LoadInt32(w.terminate) != 0 {
			return
		}

		if !w.relayResponse(&usb, &usbFailed) {
			return
		}

		w.releaseRound(&usb)
	}
}

// releaseRound drops the USB interface at the end of a round, so other
// workers can progress while this connection sits idle
func (w *BridgeWorker) releaseRound(usb **UsbConn) {
	if *usb != nil {
		(*usb).Release()
		*usb = nil
	}
}

// relayRequest reads one full HTTP request from TCP and forwards it
// packet by packet to USB. The USB interface is acquired lazily, on the
// first packet, so a connection that sends nothing never touches the
// pool. Returns false if the round (and the connection) should end
func (w *BridgeWorker) relayRequest(usb **UsbConn, usbFailed *bool) bool {
	clientMsg := NewMessage(true)
	clientMsg.InheritSpare(w.clientSpare)
	w.clientSpare = nil

	for !clientMsg.IsCompleted() &&
		atomic.LoadInt32(w.terminate) == 0 {

		pkt, err := w.tcp.Recv(clientMsg)
		if err != nil || pkt == nil {
			if w.tcp.IsClosed() {
				Log.Debug(' ', "HTTP[%3.3d]: client closed connection",
					w.session)
			} else if err != nil {
				Log.Error('!', "HTTP[%3.3d]: tcp recv: %s",
					w.session, err)
			}
			return false
		}

		if clientMsg.headerSize > 0 && pkt.filled >= clientMsg.headerSize &&
			clientMsg.received == int64(pkt.filled) &&
			Log.hasLevel(LogTraceHTTP) {
			Log.HTTPHeader(LogTraceHTTP, '>', w.session,
				pkt.Bytes()[:clientMsg.headerSize])
		}

		if *usb == nil && w.pool != nil {
			conn, err := w.pool.Acquire(UsbPriorityHigh)
			if err != nil {
				Log.Error('!', "HTTP[%3.3d]: usb acquire: %s",
					w.session, err)
				*usbFailed = true
				return false
			}
			*usb = conn
		}

		if atomic.LoadInt32(w.terminate) != 0 {
			return false
		}

		// In no-printer mode the request is simply consumed
		if w.pool != nil {
			if err := (*usb).Send(pkt); err != nil {
				Log.Error('!', "HTTP[%3.3d]: usb send: %s",
					w.session, err)
				*usbFailed = true
				return false
			}
		}
	}

	w.clientSpare = clientMsg.takeSpare()

	Log.Debug(' ', "HTTP[%3.3d]: request relayed", w.session)
	return true
}

// relayResponse reads one full HTTP response from USB and forwards it
// packet by packet to TCP. In no-printer mode the stub response is
// written instead and the connection is ended. Returns false if the
// round (and the connection) should end
func (w *BridgeWorker) relayResponse(usb **UsbConn, usbFailed *bool) bool {
	serverMsg := NewMessage(false)

	if w.pool == nil {
		return w.sendStubResponse(serverMsg)
	}

	serverMsg.InheritSpare(w.serverSpare)
	w.serverSpare = nil

	for !serverMsg.IsCompleted() &&
		atomic.LoadInt32(w.terminate) == 0 {

		pkt, err := (*usb).Recv(serverMsg)
		if err != nil {
			Log.Error('!', "HTTP[%3.3d]: usb recv: %s", w.session, err)
			*usbFailed = true
			return false
		}
		if pkt == nil {
			break
		}

		if serverMsg.headerSize > 0 && pkt.filled >= serverMsg.headerSize &&
			serverMsg.received == int64(pkt.filled) &&
			Log.hasLevel(LogTraceHTTP) {
			Log.HTTPHeader(LogTraceHTTP, '<', w.session,
				pkt.Bytes()[:serverMsg.headerSize])
		}

		if err := w.tcp.Send(pkt); err != nil {
			Log.Error('!', "HTTP[%3.3d]: tcp send: %s", w.session, err)
			return false
		}
	}

	w.serverSpare = serverMsg.takeSpare()

	Log.Debug(' ', "HTTP[%3.3d]: response relayed", w.session)
	return true
}

// sendStubResponse answers the current request with the no-printer
// stub and ends the connection, so browsers don't wait for more data
func (w *BridgeWorker) sendStubResponse(serverMsg *Message) bool {
	pkt := packetNew(serverMsg)
	if _, err := pkt.grow(len(noPrinterResponse)); err != nil {
		return false
	}

	pkt.buffer = pkt.buffer[:len(noPrinterResponse)]
	copy(pkt.buffer, noPrinterResponse)
	pkt.filled = len(noPrinterResponse)

	serverMsg.isCompleted = true

	if err := w.tcp.Send(pkt); err != nil {
		Log.Error('!', "HTTP[%3.3d]: tcp send: %s", w.session, err)
		return false
	}

	w.tcp.isClosed = true
	return true
}
