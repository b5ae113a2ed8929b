/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Supervisor: resource setup, signal handling, accept loop, shutdown
 */

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gousb"
)

// Options is the process-wide run configuration, assembled by the CLI
// parser and owned by the Supervisor
type Options struct {
	DesiredPort     int         // Port to bind, or to start the walk from
	OnlyDesiredPort bool        // Bind exactly DesiredPort or fail
	Interface       string      // Network interface name to bind
	Selector        UsbSelector // Device selection filter
	Syslog          bool        // Route logs to syslog
	Verbose         bool        // Verbose tracing
	NoFork          bool        // Stay in foreground
	NoBroadcast     bool        // Skip DNS-SD publication
	NoPrinter       bool        // Debug mode: stub responses, no USB
	Daemonized      bool        // Running as the re-exec'd child
}

// workerGracePeriod is how long the supervisor waits for bridge
// workers to exit by themselves on termination before giving up on
// them. Workers poll the termination flag at every loop iteration, so
// anything longer than the longest single I/O timeout is enough
const workerGracePeriod = 5 * time.Second

// Supervisor owns every process-wide resource: the open USB device and
// pool, the TCP listeners, the mDNS handle, the termination flag. It is
// created and driven by main; signal handlers and the hotplug callback
// only flip the termination flag and close the listeners, leaving the
// orderly teardown to the Run method's exit path
type Supervisor struct {
	opt Options

	terminate int32 // Atomic termination flag, set at most once

	dev      *gousb.Device
	desc     UsbDeviceDesc
	info     UsbDeviceInfo
	deviceID string
	pool     *UsbPool

	listener  *TcpListener
	publisher *DnsSdPublisher

	workers sync.WaitGroup
}

// NewSupervisor creates a Supervisor over parsed options
func NewSupervisor(opt Options) *Supervisor {
	return &Supervisor{opt: opt}
}

// Shutdown flags termination and wakes the accept loop. Safe to call
// from a signal handler goroutine or the hotplug callback path
func (sup *Supervisor) Shutdown() {
	if !atomic.CompareAndSwapInt32(&sup.terminate, 0, 1) {
		return
	}
	if sup.listener != nil {
		sup.listener.Close()
	}
}

// openUsb locates the printer, reads its IEEE-1284 device ID and
// builds the interface pool. Skipped entirely in no-printer mode
func (sup *Supervisor) openUsb() error {
	dev, desc, err := UsbFindDevice(sup.opt.Selector)
	if err != nil {
		if err == ErrConformance {
			Log.Error('!',
				"USB: device %4.4x:%4.4x exposes a single IPP-over-USB "+
					"interface, which the IPP-over-USB specification "+
					"does not allow",
				desc.Vendor, desc.Product)
		}
		return err
	}

	sup.dev = dev
	sup.desc = desc

	Log.Info(' ', "USB: using device %s, %4.4x:%4.4x, %d interfaces",
		desc.UsbAddr, desc.Vendor, desc.Product, len(desc.IfAddrs))

	sup.deviceID, err = UsbGetDeviceID(dev, desc)
	if err != nil {
		Log.Error('!', "USB: %s", err)
		sup.deviceID = ""
	} else {
		Log.Debug(' ', "USB: device ID: %s", sup.deviceID)
	}

	sup.info = sup.deviceInfo()
	if err := sup.info.CheckMissed(); err != nil {
		Log.Info(' ', "USB: %s", err)
	}

	// Once the device is identified, the log moves to its own file
	if sup.opt.Daemonized && !sup.opt.Syslog {
		Log.ToDevFile(sup.info)
	}

	Log.Info(' ', "USB: %s", sup.info.Comment())
	Log.Info(' ', "USB: capabilities: %s", sup.info.BasicCaps)

	sup.pool, err = NewUsbPool(dev, desc, &sup.terminate)
	if err != nil {
		dev.Close()
		sup.dev = nil
		return err
	}

	return nil
}

// deviceInfo assembles the UsbDeviceInfo of the open device. String
// descriptors are best-effort: a device that doesn't answer them is
// still bridged
func (sup *Supervisor) deviceInfo() UsbDeviceInfo {
	info := UsbDeviceInfo{
		Vendor:    sup.desc.Vendor,
		Product:   sup.desc.Product,
		DeviceID:  sup.deviceID,
		BasicCaps: UsbDeviceBasicCaps(sup.dev),
	}

	if s, err := sup.dev.Manufacturer(); err == nil {
		info.Manufacturer = strings.TrimSpace(s)
	}
	if s, err := sup.dev.Product(); err == nil {
		info.ProductName = strings.TrimSpace(s)
	}
	if s, err := sup.dev.SerialNumber(); err == nil {
		info.SerialNumber = strings.TrimSpace(s)
	}

	id := Ieee1284Parse(sup.deviceID)
	if info.Manufacturer == "" {
		info.Manufacturer = id.Mfg
	}
	if info.ProductName == "" {
		info.ProductName = id.Mdl
	}
	if info.SerialNumber == "" {
		info.SerialNumber = id.Sn
	}

	return info
}

// startHotplug registers the device-left callback. The bridge keeps
// running without hotplug support; the printer's disappearance is then
// detected from USB I/O errors alone
func (sup *Supervisor) startHotplug() {
	if err := UsbHotplugStart(); err != nil {
		Log.Debug(' ', "USB: hotplug not available")
		return
	}

	go func() {
		for {
			addr := <-UsbHotPlugChan
			if addr == sup.desc.UsbAddr {
				Log.Info(' ', "USB: %s: %s", addr, ErrUnplugged)
				sup.Shutdown()
				return
			}
		}
	}()
}

// publish advertises the printer over DNS-SD. Failure to publish is
// logged but not fatal: clients that know the port can still print
func (sup *Supervisor) publish() {
	if sup.opt.NoBroadcast || sup.opt.NoPrinter || sup.deviceID == "" {
		return
	}

	id := Ieee1284Parse(sup.deviceID)
	if id.Mdl == "" || id.Cmd == "" {
		Log.Error('!', "DNS-SD: device ID lacks MDL or CMD, not publishing")
		return
	}

	services := DnsSdPrinterServices(id, sup.listener.Port(),
		sup.opt.Interface)

	sup.publisher = NewDnsSdPublisher(services)
	err := sup.publisher.Publish(id.InstanceName(), sup.opt.Interface,
		&sup.terminate)
	if err != nil {
		Log.Error('!', "DNS-SD: %s", err)
		sup.publisher = nil
	}
}

// Run executes the full bridge lifecycle and returns the process exit
// code. The caller has already parsed options and daemonized
func (sup *Supervisor) Run() int {
	// Open USB first: there is no point in binding a port for a
	// printer that isn't there
	if !sup.opt.NoPrinter {
		if err := sup.openUsb(); err != nil {
			InitLog.Error(0, "%s", err)
			return 1
		}
	}

	listener, err := NewTcpListener(sup.opt.Interface, sup.opt.DesiredPort,
		sup.opt.OnlyDesiredPort, &sup.terminate)
	if err != nil {
		InitLog.Error(0, "%s", err)
		if sup.pool != nil {
			sup.pool.Close()
		}
		return 1
	}
	sup.listener = listener

	// Consumers parse "<port>|" from stdout
	fmt.Printf("%d|", listener.Port())
	os.Stdout.Sync()

	// Once the port is out, a daemonized child lets go of the
	// inherited stdio so the parent's relay loop can finish
	if sup.opt.Daemonized {
		if err := CloseStdInOutErr(); err != nil {
			Log.Error('!', "%s", err)
		}
	}

	Log.Info(' ', "TCP: listening on port %d, interface %q",
		listener.Port(), sup.opt.Interface)

	// Signal handlers only flip the flag and close the listeners;
	// the orderly teardown happens below, on the main flow
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		Log.Info(' ', "Received signal %s, shutting down", sig)
		sup.Shutdown()
	}()

	if !sup.opt.NoPrinter {
		sup.startHotplug()
	}

	sup.publish()

	// Accept loop
	session := 0
	for atomic.LoadInt32(&sup.terminate) == 0 {
		conn, err := listener.Accept()
		if err != nil {
			if err == ErrShutdown {
				break
			}
			Log.Error('!', "TCP: accept: %s", err)
			break
		}

		session++
		worker := NewBridgeWorker(conn, sup.pool, session,
			&sup.terminate)

		sup.workers.Add(1)
		go func() {
			defer sup.workers.Done()
			worker.Run()
		}()
	}

	sup.Shutdown()

	// Ordered teardown: stop advertising first, then close the
	// listeners, wait out the workers, and reset the device last
	if sup.publisher != nil {
		sup.publisher.Unpublish()
	}

	sup.listener.Close()

	if !sup.waitWorkers() {
		Log.Error('!', "Some workers did not exit in time")
	}

	if sup.pool != nil {
		sup.pool.Close()
	}

	Log.Info(' ', "Shutdown complete")
	return 0
}

// waitWorkers waits for all bridge workers to finish, up to the grace
// period. Workers poll the termination flag, so normally they all exit
// well within it; a stuck worker is abandoned (the process is about to
// exit anyway, which is the asynchronous cancel of last resort)
func (sup *Supervisor) waitWorkers() bool {
	done := make(chan struct{})
	go func() {
		sup.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(workerGracePeriod):
		return false
	}
}
