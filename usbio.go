/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * USB bulk I/O over an acquired interface
 */

package main

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
)

// usbMaxPacketSize is the bulk endpoint max packet size IN transfer
// requests are padded to, so the device's short-packet termination
// works correctly
const usbMaxPacketSize = 512

// usbStaleThreshold is how many consecutive idle read intervals an
// acquired connection tolerates; the next idle interval marks it staled
const usbStaleThreshold = 6

// UsbConn pairs one worker with one acquired UsbInterface. The pool
// back-pointer is non-owning; the worker frame controls the lifetime
// and must call Release on every exit path
type UsbConn struct {
	pool           *UsbPool
	iface          *UsbInterface
	index          int
	isHighPriority bool
	isStaled       bool
}

// Release returns the interface to the pool. The UsbConn must not be
// used afterwards
func (conn *UsbConn) Release() {
	conn.pool.release(conn)
}

// markStaled / markMoving forward staleness accounting to the pool
func (conn *UsbConn) markStaled() { conn.pool.markStaled(conn) }
func (conn *UsbConn) markMoving() { conn.pool.markMoving(conn) }

// usbErrIsNoDevice tells if a gousb error means the device is gone
func usbErrIsNoDevice(err error) bool {
	if err == nil {
		return false
	}
	if err == gousb.ErrorNoDevice {
		return true
	}
	// gousb wraps libusb errors into fmt.Errorf without %w in
	// places; fall back to the stable libusb error name
	return strings.Contains(err.Error(), "no_device")
}

// usbErrIsTimeout tells if a gousb/context error means the transfer
// timed out rather than failed
func usbErrIsTimeout(err error) bool {
	if err == gousb.ErrorTimeout || err == context.DeadlineExceeded {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "timeout")
}

// Send delivers all of pkt's filled bytes to the interface's bulk OUT
// endpoint. Each transfer is bounded by UsbIoTimeout; timeouts are
// retried until the cumulative retry time exceeds PrinterCrashTimeout.
// Short writes count as progress. ErrNoDevice is fatal to the call
func (conn *UsbConn) Send(pkt *Packet) error {
	buf := pkt.Bytes()
	sent := 0
	waited := time.Duration(0)

	for sent < len(buf) {
		if atomic.LoadInt32(conn.pool.terminate) != 0 {
			return ErrShutdown
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			UsbIoTimeout)
		n, err := conn.iface.out.WriteContext(ctx, buf[sent:])
		cancel()

		sent += n

		switch {
		case err == nil:
		case usbErrIsNoDevice(err):
			Log.Error('!', "USB[%d]: device is gone", conn.index)
			return ErrNoDevice
		case usbErrIsTimeout(err):
			if n == 0 {
				waited += UsbIoTimeout
				if waited > PrinterCrashTimeout {
					Log.Error('!',
						"USB[%d]: send timed out for good",
						conn.index)
					return ErrTimeout
				}
				time.Sleep(100 * time.Millisecond)
			}
		default:
			Log.Error('!', "USB[%d]: send: %s", conn.index, err)
			return err
		}
	}

	if Log.hasLevel(LogTraceUSB) {
		Log.Add(LogTraceUSB, '>', "USB[%d]: sent %d bytes", conn.index, sent)
		Log.HexDump(LogTraceUSB, buf)
	}
	return nil
}

// Recv reads one Packet of the response message from the interface's
// bulk IN endpoint, driven by the framer's PendingBytes. Read requests
// are padded to a multiple of the endpoint's max packet size. Zero-byte
// intervals accumulate toward staleness; any received byte resets the
// count. Returns (nil, nil) when the message was already complete,
// a partial packet when staleness forced an early stop with data
// buffered, and an error when nothing useful was received
func (conn *UsbConn) Recv(msg *Message) (*Packet, error) {
	if msg.IsCompleted() {
		return nil, nil
	}

	pkt := packetNew(msg)

	want, err := pkt.PendingBytes()
	if err != nil {
		return nil, err
	}
	if want == 0 {
		// Filled entirely from the spare buffer
		return pkt, nil
	}

	timesStaled := 0

	for want > 0 && !msg.IsCompleted() {
		if atomic.LoadInt32(conn.pool.terminate) != 0 {
			return nil, ErrShutdown
		}

		// Pad to multiple of the bulk max packet size
		readSize := want
		readSize += (usbMaxPacketSize - readSize%usbMaxPacketSize) %
			usbMaxPacketSize

		if _, err = pkt.grow(pkt.filled + readSize); err != nil {
			return nil, err
		}
		if room := cap(pkt.buffer) - pkt.filled; readSize > room {
			readSize = room
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			UsbIoTimeout)
		n, rerr := conn.iface.in.ReadContext(ctx,
			pkt.buffer[pkt.filled:pkt.filled+readSize])
		cancel()

		switch {
		case usbErrIsNoDevice(rerr):
			Log.Error('!', "USB[%d]: device is gone", conn.index)
			return nil, ErrNoDevice
		case rerr != nil && !usbErrIsTimeout(rerr):
			Log.Error('!', "USB[%d]: recv: %s", conn.index, rerr)
			return nil, rerr
		}

		if n > 0 {
			timesStaled = 0
			conn.markMoving()

			Log.Add(LogTraceUSB, '<', "USB[%d]: got %d bytes",
				conn.index, n)
			pkt.MarkReceived(n)
		} else {
			timesStaled++
			if timesStaled > usbStaleThreshold {
				conn.markStaled()

				crashed := time.Duration(timesStaled)*UsbIoTimeout >
					PrinterCrashTimeout

				if pkt.filled > 0 ||
					conn.pool.allConnsStaled() || crashed {
					Log.Error('!',
						"USB[%d]: giving up waiting for more data",
						conn.index)
					break
				}
			}
		}

		want, err = pkt.PendingBytes()
		if err != nil {
			return nil, err
		}
	}

	if pkt.filled == 0 {
		return nil, ErrStreamClosed
	}

	return pkt, nil
}
