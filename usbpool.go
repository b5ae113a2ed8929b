/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * USB interface pool with priority acquisition
 */

package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
)

// UsbPriority selects which pool slot class an acquisition uses
type UsbPriority int

const (
	// UsbPriorityNormal competes for the N-1 low-priority slots
	UsbPriorityNormal UsbPriority = iota

	// UsbPriorityHigh may additionally use the single reserved slot,
	// so it can always proceed while any interface is free
	UsbPriorityHigh
)

// UsbInterface is one IPP-over-USB alternate setting of the open device.
// The gousb claim is taken on acquire and dropped on release; between
// rounds the interface belongs to the kernel again
type UsbInterface struct {
	addr UsbIfAddr        // Interface address within the device
	lock chan struct{}    // Sanity sentinel: holds a token while acquired
	intf *gousb.Interface // Claimed interface, nil while free
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// UsbPool arbitrates access to the device's IPP-over-USB interfaces.
//
// Four separate synchronization objects guard four separate concerns,
// and they must stay separate: collapsing them into one mutex makes
// low-priority waiters block the reserved high-priority slot.
//
//   - manageLock wraps the free-list and the taken/available counters
//   - lowPriority is a counting semaphore of capacity N-1
//   - highPriority is the single reserved slot
//   - staledLock wraps the staleness counter
type UsbPool struct {
	dev    *gousb.Device // Open device, shared by all interfaces
	config *gousb.Config // Claimed configuration

	manageLock sync.Mutex
	freeList   []int // Indices into interfaces, LIFO
	interfaces []*UsbInterface
	numTaken   int

	lowPriority  chan struct{} // Semaphore, capacity N-1
	highPriority chan struct{} // Semaphore, capacity 1

	staledLock sync.Mutex
	numStaled  int

	acquireTimeout time.Duration // Bound on the wait for a free slot
	terminate      *int32        // Process-wide termination flag
}

// NewUsbPool claims the device's IPP-over-USB configuration and builds
// the pool over its interfaces. The terminate flag is consulted by every
// bounded wait inside the pool
func NewUsbPool(dev *gousb.Device, desc UsbDeviceDesc,
	terminate *int32) (*UsbPool, error) {

	if err := dev.SetAutoDetach(true); err != nil {
		Log.Debug(' ', "USB: SetAutoDetach: %s (ignored)", err)
	}

	config, err := dev.Config(desc.Config)
	if err != nil {
		return nil, err
	}

	n := len(desc.IfAddrs)
	pool := &UsbPool{
		dev:            dev,
		config:         config,
		lowPriority:    make(chan struct{}, n-1),
		highPriority:   make(chan struct{}, 1),
		acquireTimeout: UsbPoolAcquireTimeout,
		terminate:      terminate,
	}

	for i, ifaddr := range desc.IfAddrs {
		pool.interfaces = append(pool.interfaces, &UsbInterface{
			addr: ifaddr,
			lock: make(chan struct{}, 1),
		})
		pool.freeList = append(pool.freeList, i)
	}

	return pool, nil
}

// Close releases the claimed configuration and closes the device. All
// UsbConns must have been released first
func (pool *UsbPool) Close() {
	pool.config.Close()
	pool.dev.Reset()
	pool.dev.Close()
}

// Counters returns the pool's (total, available, taken, staled) counts
func (pool *UsbPool) Counters() (total, avail, taken, staled int) {
	pool.manageLock.Lock()
	total = len(pool.interfaces)
	taken = pool.numTaken
	avail = total - taken
	pool.manageLock.Unlock()

	pool.staledLock.Lock()
	staled = pool.numStaled
	pool.staledLock.Unlock()

	return
}

// acquireSlot obtains a slot permit of the appropriate class. A
// high-priority caller first takes the reserved slot, then tries to
// trade it for a low-priority one so the reserve frees up again; if no
// low-priority permit is immediately available it keeps the reserve.
// This way a high-priority caller proceeds whenever any interface is
// free, and low-priority callers can never drain the last one
func (pool *UsbPool) acquireSlot(priority UsbPriority) (isHigh bool, err error) {
	deadline := time.Now().Add(pool.acquireTimeout)

	if priority == UsbPriorityHigh {
		for {
			select {
			case pool.highPriority <- struct{}{}:
				select {
				case pool.lowPriority <- struct{}{}:
					<-pool.highPriority
					return false, nil
				default:
					return true, nil
				}
			case <-time.After(100 * time.Millisecond):
				if atomic.LoadInt32(pool.terminate) != 0 {
					return false, ErrShutdown
				}
				if time.Now().After(deadline) {
					return false, ErrTimeout
				}
			}
		}
	}

	for {
		select {
		case pool.lowPriority <- struct{}{}:
			return false, nil
		case <-time.After(100 * time.Millisecond):
			if atomic.LoadInt32(pool.terminate) != 0 {
				return false, ErrShutdown
			}
			if time.Now().After(deadline) {
				return false, ErrTimeout
			}
		}
	}
}

// releaseSlot returns the slot permit taken by acquireSlot
func (pool *UsbPool) releaseSlot(isHigh bool) {
	if isHigh {
		<-pool.highPriority
	} else {
		<-pool.lowPriority
	}
}

// Acquire obtains one USB interface for exclusive use. It waits up to
// the pool's acquire timeout for a free slot, then returns ErrTimeout;
// the termination flag short-circuits the wait with ErrShutdown
func (pool *UsbPool) Acquire(priority UsbPriority) (*UsbConn, error) {
	isHigh, err := pool.acquireSlot(priority)
	if err != nil {
		return nil, err
	}

	pool.manageLock.Lock()
	defer pool.manageLock.Unlock()

	// A slot permit guarantees a free interface
	idx := pool.freeList[len(pool.freeList)-1]
	pool.freeList = pool.freeList[:len(pool.freeList)-1]
	iface := pool.interfaces[idx]

	select {
	case iface.lock <- struct{}{}:
	default:
		// Bookkeeping corruption; don't make it worse
		pool.freeList = append(pool.freeList, idx)
		pool.releaseSlot(isHigh)
		Log.Error('!', "USB: interface %d already in use", idx)
		return nil, ErrPoolExhausted
	}

	err = pool.claim(iface)
	if err != nil {
		<-iface.lock
		pool.freeList = append(pool.freeList, idx)
		pool.releaseSlot(isHigh)
		return nil, err
	}

	pool.numTaken++

	conn := &UsbConn{
		pool:           pool,
		iface:          iface,
		index:          idx,
		isHighPriority: isHigh,
	}

	prio := "normal"
	if isHigh {
		prio = "high"
	}
	Log.Debug(' ', "USB[%d]: interface acquired (%s priority)", idx, prio)

	return conn, nil
}

// usbClaimRetryMax bounds the claim retry loop. Kernel drivers release
// a just-detached interface asynchronously, so the first claim attempts
// may fail with "busy"; the retry may not spin forever
const usbClaimRetryMax = 50

// claim claims iface with the gousb stack and resolves its endpoints.
// Transient "busy" errors are retried with a short sleep, bounded both
// by usbClaimRetryMax and by the termination flag
func (pool *UsbPool) claim(iface *UsbInterface) error {
	var intf *gousb.Interface
	var err error

	for attempt := 0; ; attempt++ {
		intf, err = pool.config.Interface(iface.addr.Num, iface.addr.Alt)
		if err == nil {
			break
		}
		if usbErrIsNoDevice(err) {
			return ErrNoDevice
		}
		if attempt >= usbClaimRetryMax ||
			atomic.LoadInt32(pool.terminate) != 0 {
			return err
		}

		Log.Debug(' ', "USB: claim interface %d failed (%s), retrying",
			iface.addr.Num, err)
		time.Sleep(100 * time.Millisecond)
	}

	in, err := intf.InEndpoint(iface.addr.In)
	if err != nil {
		intf.Close()
		return err
	}

	out, err := intf.OutEndpoint(iface.addr.Out)
	if err != nil {
		intf.Close()
		return err
	}

	iface.intf = intf
	iface.in = in
	iface.out = out

	return nil
}

// release un-claims the interface, returns it to the free list and
// posts the appropriate semaphore. Called from UsbConn.Release only
func (pool *UsbPool) release(conn *UsbConn) {
	conn.markMoving() // A released conn no longer counts as staled

	pool.manageLock.Lock()

	iface := conn.iface
	if iface.intf != nil {
		iface.intf.Close()
		iface.intf = nil
		iface.in = nil
		iface.out = nil
	}

	pool.numTaken--
	pool.freeList = append(pool.freeList, conn.index)
	<-iface.lock

	pool.manageLock.Unlock()

	pool.releaseSlot(conn.isHighPriority)

	Log.Debug(' ', "USB[%d]: interface released", conn.index)
}

// markStaled accounts conn as staled, once
func (pool *UsbPool) markStaled(conn *UsbConn) {
	if conn.isStaled {
		return
	}

	pool.staledLock.Lock()
	pool.numStaled++
	pool.staledLock.Unlock()

	conn.isStaled = true
}

// markMoving undoes markStaled after a successful read
func (pool *UsbPool) markMoving(conn *UsbConn) {
	if !conn.isStaled {
		return
	}

	pool.staledLock.Lock()
	pool.numStaled--
	pool.staledLock.Unlock()

	conn.isStaled = false
}

// allConnsStaled reports whether every currently held connection is
// staled, i.e. the printer has stopped answering everyone and is
// probably wedged
func (pool *UsbPool) allConnsStaled() bool {
	pool.staledLock.Lock()
	defer pool.staledLock.Unlock()

	pool.manageLock.Lock()
	defer pool.manageLock.Unlock()

	return pool.numTaken > 0 && pool.numStaled == pool.numTaken
}
