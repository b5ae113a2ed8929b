/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * TCP listeners and per-connection I/O
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

// tcpPortEphemeral is where the upward port walk restarts after
// wrapping, per the IANA ephemeral range recommendation
const tcpPortEphemeral = 49152

// TcpListener holds the bridge's IPv4 and IPv6 listening sockets.
// Either may be nil if the address family is unavailable on the chosen
// interface; at least one is always set
type TcpListener struct {
	v4, v6     net.Listener
	port       int    // Actually bound port
	terminate  *int32 // Process-wide termination flag
	acceptChan chan tcpAccepted
}

// tcpAccepted carries one Accept result from a per-family accept
// goroutine to the shared Accept call
type tcpAccepted struct {
	conn net.Conn
	err  error
}

// tcpListenConfig returns a net.ListenConfig that sets SO_REUSEADDR on
// the socket before bind, so the port doesn't stay retained by the
// kernel after shutdown with connections still pending
func tcpListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd),
					syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}

// tcpIfAddr looks up the first address of the named network interface
// for the given family ("tcp4" or "tcp6"). Returns "" if the interface
// has no address of that family
func tcpIfAddr(ifname, network string) (string, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return "", fmt.Errorf("interface %q: %s", ifname, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("interface %q: %s", ifname, err)
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		ip4 := ipnet.IP.To4()
		switch network {
		case "tcp4":
			if ip4 != nil {
				return ip4.String(), nil
			}
		case "tcp6":
			if ip4 == nil && ipnet.IP.To16() != nil {
				// Link-local addresses need the zone
				s := ipnet.IP.String()
				if ipnet.IP.IsLinkLocalUnicast() {
					s += "%" + ifname
				}
				return s, nil
			}
		}
	}

	return "", nil
}

// tcpListen binds one address family on the chosen interface. A nil
// listener with nil error means the interface has no address of this
// family, which is not fatal as long as the other family binds
func tcpListen(network, ifname string, port int) (net.Listener, error) {
	host, err := tcpIfAddr(ifname, network)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, nil
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	l, err := tcpListenConfig().Listen(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// NewTcpListener binds IPv4 and IPv6 listeners on the named interface.
//
// If onlyDesiredPort is set, it binds exactly desiredPort or fails with
// ErrBindFailed. Otherwise it walks upward from desiredPort until a
// port binds for at least one family; on wrap past 65535 the walk
// restarts from the ephemeral range
func NewTcpListener(ifname string, desiredPort int, onlyDesiredPort bool,
	terminate *int32) (*TcpListener, error) {

	port := desiredPort
	for attempts := 0; ; attempts++ {
		v4, err4 := tcpListen("tcp4", ifname, port)
		v6, err6 := tcpListen("tcp6", ifname, port)

		if v4 != nil || v6 != nil {
			return &TcpListener{
				v4:        v4,
				v6:        v6,
				port:      port,
				terminate: terminate,
			}, nil
		}

		if onlyDesiredPort {
			err := err4
			if err == nil {
				err = err6
			}
			if err == nil {
				err = fmt.Errorf("interface %q has no usable address",
					ifname)
			}
			return nil, fmt.Errorf("%w: %s", ErrBindFailed, err)
		}

		port++
		if port > 65535 || port <= 1 {
			port = tcpPortEphemeral
		}
		if port == desiredPort || attempts > 65535 {
			return nil, ErrBindFailed
		}

		Log.Debug(' ', "TCP: port busy, trying %d", port)
	}
}

// Port returns the actually bound port
func (l *TcpListener) Port() int {
	return l.port
}

// Close closes both listening sockets, waking any Accept in flight
func (l *TcpListener) Close() {
	if l.v4 != nil {
		l.v4.Close()
	}
	if l.v6 != nil {
		l.v6.Close()
	}
}

// Accept waits for a connection on whichever listener becomes ready
// first and returns it wrapped into a TcpConn. The termination flag
// pre-empts the wait: closing the listeners (which the supervisor does
// on termination) makes the blocked Accept return
func (l *TcpListener) Accept() (*TcpConn, error) {
	// Both families race into one channel; the supervisor consumes
	// connections one at a time, so the loser of the race parks its
	// accepted conn in the buffer until the next call
	if l.acceptChan == nil {
		l.acceptChan = make(chan tcpAccepted, 2)
		run := func(nl net.Listener) {
			for {
				c, err := nl.Accept()
				l.acceptChan <- tcpAccepted{c, err}
				if err != nil {
					return
				}
			}
		}
		if l.v4 != nil {
			go run(l.v4)
		}
		if l.v6 != nil {
			go run(l.v6)
		}
	}

	for {
		r := <-l.acceptChan
		if atomic.LoadInt32(l.terminate) != 0 {
			if r.conn != nil {
				r.conn.Close()
			}
			return nil, ErrShutdown
		}
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrShutdown
			}
			return nil, r.err
		}

		tcpconn := r.conn.(*net.TCPConn)
		tcpconn.SetKeepAlive(true)
		tcpconn.SetKeepAlivePeriod(20 * time.Second)

		return &TcpConn{conn: tcpconn, terminate: l.terminate}, nil
	}
}

// TcpConn is one accepted client connection
type TcpConn struct {
	conn      *net.TCPConn
	isClosed  bool
	terminate *int32
}

// IsClosed reports whether the peer has closed the connection or a
// broken pipe was observed while sending
func (conn *TcpConn) IsClosed() bool {
	return conn.isClosed
}

// Recv reads one Packet of msg from the connection, driven by the
// framer's PendingBytes. Each read is bounded by TcpIoTimeout. A
// zero-byte read means the peer closed: with nothing buffered that is
// ErrStreamClosed, with data buffered the partial packet is returned
func (conn *TcpConn) Recv(msg *Message) (*Packet, error) {
	pkt := packetNew(msg)

	want, err := pkt.PendingBytes()
	if err != nil {
		return nil, err
	}
	if want == 0 {
		Log.Add(LogTraceHTTP, '<', "TCP: got %d bytes from spare buffer",
			pkt.filled)
		return pkt, nil
	}

	for want > 0 && !msg.IsCompleted() {
		if atomic.LoadInt32(conn.terminate) != 0 {
			return nil, ErrShutdown
		}

		conn.conn.SetReadDeadline(time.Now().Add(TcpIoTimeout))
		n, rerr := conn.conn.Read(pkt.buffer[pkt.filled : pkt.filled+want])

		if n > 0 {
			pkt.MarkReceived(n)
		}

		if rerr != nil {
			if nerr, ok := rerr.(net.Error); ok && nerr.Timeout() {
				continue
			}

			conn.isClosed = true
			if pkt.filled == 0 {
				return nil, ErrStreamClosed
			}
			msg.markStreamClosed()
			break
		}

		if n == 0 {
			conn.isClosed = true
			if pkt.filled == 0 {
				return nil, ErrStreamClosed
			}
			msg.markStreamClosed()
			break
		}

		want, err = pkt.PendingBytes()
		if err != nil {
			return nil, err
		}
	}

	Log.Add(LogTraceHTTP, '<', "TCP: received %d bytes", pkt.filled)
	return pkt, nil
}

// Send writes all of pkt's filled bytes to the connection. A broken
// pipe marks the connection closed and returns success, so the worker
// can wind down normally; other errors propagate. Go's net stack never
// raises SIGPIPE for socket writes, so no signal suppression is needed
func (conn *TcpConn) Send(pkt *Packet) error {
	buf := pkt.Bytes()
	total := 0

	for total < len(buf) {
		if atomic.LoadInt32(conn.terminate) != 0 {
			return ErrShutdown
		}

		conn.conn.SetWriteDeadline(time.Now().Add(TcpIoTimeout))
		n, err := conn.conn.Write(buf[total:])
		total += n

		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if errors.Is(err, syscall.EPIPE) ||
				errors.Is(err, syscall.ECONNRESET) {
				Log.Debug(' ', "TCP: %s", ErrBrokenPipe)
				conn.isClosed = true
				return nil
			}
			return err
		}
	}

	Log.Add(LogTraceHTTP, '>', "TCP: sent %d bytes", total)
	return nil
}

// Close shuts the connection down in both directions, then closes it
func (conn *TcpConn) Close() {
	conn.conn.CloseWrite()
	conn.conn.CloseRead()
	conn.conn.Close()
}
