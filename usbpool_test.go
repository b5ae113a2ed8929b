/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * USB pool test
 */

package main

import (
	"testing"
	"time"
)

// testPool builds a pool over n synthetic interfaces, without any USB
// device behind it, so the slot arbitration can be exercised alone
func testPool(n int, terminate *int32) *UsbPool {
	pool := &UsbPool{
		lowPriority:    make(chan struct{}, n-1),
		highPriority:   make(chan struct{}, 1),
		acquireTimeout: 50 * time.Millisecond,
		terminate:      terminate,
	}

	for i := 0; i < n; i++ {
		pool.interfaces = append(pool.interfaces, &UsbInterface{
			lock: make(chan struct{}, 1),
		})
		pool.freeList = append(pool.freeList, i)
	}

	return pool
}

func TestPoolNormalSlotsBounded(t *testing.T) {
	var terminate int32
	pool := testPool(2, &terminate)

	// N-1 == 1 normal slot
	isHigh, err := pool.acquireSlot(UsbPriorityNormal)
	if err != nil {
		t.Fatalf("first normal acquire failed: %s", err)
	}
	if isHigh {
		t.Errorf("normal acquire got the high-priority slot")
	}

	// Second normal acquire must time out: the last interface is
	// reserved for high-priority use
	_, err = pool.acquireSlot(UsbPriorityNormal)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	// A high-priority acquire still proceeds, on the reserved slot
	isHigh, err = pool.acquireSlot(UsbPriorityHigh)
	if err != nil {
		t.Fatalf("high acquire failed: %s", err)
	}
	if !isHigh {
		t.Errorf("expected the reserved slot")
	}

	pool.releaseSlot(true)
	pool.releaseSlot(false)
}

func TestPoolHighPrefersNormalSlot(t *testing.T) {
	var terminate int32
	pool := testPool(2, &terminate)

	// With a normal slot free, a high-priority acquire trades the
	// reserved slot for it, keeping the reserve available
	isHigh, err := pool.acquireSlot(UsbPriorityHigh)
	if err != nil {
		t.Fatalf("high acquire failed: %s", err)
	}
	if isHigh {
		t.Errorf("high acquire kept the reserve while a normal slot was free")
	}

	// The reserve is still there for the next high-priority caller
	isHigh, err = pool.acquireSlot(UsbPriorityHigh)
	if err != nil {
		t.Fatalf("second high acquire failed: %s", err)
	}
	if !isHigh {
		t.Errorf("expected the reserved slot")
	}

	// Now everything is held; a third high-priority caller times out
	if _, err = pool.acquireSlot(UsbPriorityHigh); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	pool.releaseSlot(true)
	pool.releaseSlot(false)
}

func TestPoolHighGetsNextRelease(t *testing.T) {
	var terminate int32
	pool := testPool(2, &terminate)
	pool.acquireTimeout = time.Second

	// Both slots held: one normal, one high
	if _, err := pool.acquireSlot(UsbPriorityNormal); err != nil {
		t.Fatalf("normal acquire failed: %s", err)
	}
	if _, err := pool.acquireSlot(UsbPriorityHigh); err != nil {
		t.Fatalf("high acquire failed: %s", err)
	}

	// A high-priority waiter queues up
	got := make(chan error, 1)
	go func() {
		_, err := pool.acquireSlot(UsbPriorityHigh)
		got <- err
	}()

	time.Sleep(50 * time.Millisecond)
	pool.releaseSlot(true)

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("waiter failed: %s", err)
		}
	case <-time.After(time.Second):
		t.Errorf("high-priority waiter did not get the released slot")
	}
}

func TestPoolTerminateShortCircuits(t *testing.T) {
	terminate := int32(1)
	pool := testPool(2, &terminate)
	pool.acquireTimeout = time.Hour

	// Exhaust the normal slot so the next acquire has to wait
	if _, err := pool.acquireSlot(UsbPriorityNormal); err != nil {
		t.Fatalf("normal acquire failed: %s", err)
	}

	start := time.Now()
	_, err := pool.acquireSlot(UsbPriorityNormal)
	if err != ErrShutdown {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("terminate flag did not short-circuit the wait")
	}
}

func TestPoolStalenessAccounting(t *testing.T) {
	var terminate int32
	pool := testPool(2, &terminate)

	conn1 := &UsbConn{pool: pool}
	conn2 := &UsbConn{pool: pool}
	pool.numTaken = 2

	if pool.allConnsStaled() {
		t.Errorf("fresh pool reported all conns staled")
	}

	conn1.markStaled()
	conn1.markStaled() // Idempotent
	if pool.numStaled != 1 {
		t.Errorf("expected numStaled 1, got %d", pool.numStaled)
	}
	if pool.allConnsStaled() {
		t.Errorf("one staled of two reported as all staled")
	}

	conn2.markStaled()
	if !pool.allConnsStaled() {
		t.Errorf("all conns staled not reported")
	}

	conn1.markMoving()
	conn1.markMoving() // Idempotent
	if pool.numStaled != 1 {
		t.Errorf("expected numStaled 1 after unstale, got %d", pool.numStaled)
	}

	conn2.markMoving()
	if pool.numStaled != 0 {
		t.Errorf("expected numStaled 0, got %d", pool.numStaled)
	}
}

func TestPoolCounters(t *testing.T) {
	var terminate int32
	pool := testPool(3, &terminate)

	total, avail, taken, staled := pool.Counters()
	if total != 3 || avail != 3 || taken != 0 || staled != 0 {
		t.Errorf("unexpected counters: %d/%d/%d/%d",
			total, avail, taken, staled)
	}

	pool.numTaken = 2
	_, avail, taken, _ = pool.Counters()
	if avail != 1 || taken != 2 {
		t.Errorf("expected avail 1 taken 2, got %d/%d", avail, taken)
	}
}
