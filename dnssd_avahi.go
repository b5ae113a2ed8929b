//go:build linux

/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD, Avahi-based system-dependent part
 */

package main

import (
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

// dnssdSysdep is the Avahi-backed side of the DNS-SD publisher. It
// owns the D-Bus connection, the Avahi server proxy and the entry
// group holding our records, and runs a watcher goroutine that reacts
// to entry-group state changes (collision, failure, daemon restart)
type dnssdSysdep struct {
	instance  string
	ifname    string
	services  DnsSdServices
	terminate *int32

	conn   *dbus.Conn
	server *avahi.Server
	egroup *avahi.EntryGroup

	done chan struct{} // Closed to stop the watcher
}

// newDnssdSysdep connects to the Avahi daemon over D-Bus and registers
// all services under the given instance name
func newDnssdSysdep(instance, ifname string, services DnsSdServices,
	terminate *int32) (*dnssdSysdep, error) {

	sd := &dnssdSysdep{
		instance:  instance,
		ifname:    ifname,
		services:  services,
		terminate: terminate,
		done:      make(chan struct{}),
	}

	err := sd.connect()
	if err != nil {
		sd.Close()
		return nil, err
	}

	err = sd.register()
	if err != nil {
		sd.Close()
		return nil, err
	}

	go sd.watch()

	return sd, nil
}

// connect establishes the D-Bus connection and the Avahi server proxy
func (sd *dnssdSysdep) connect() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return err
	}

	sd.conn = conn
	sd.server = server
	return nil
}

// avahiIface resolves the interface the services are advertised on
func (sd *dnssdSysdep) avahiIface() int32 {
	idx, err := InetInterface(sd.ifname)
	if err != nil {
		return avahi.InterfaceUnspec
	}
	return int32(idx)
}

// register creates a fresh entry group, populates it with all services
// and their subtypes, and commits it
func (sd *dnssdSysdep) register() error {
	egroup, err := sd.server.EntryGroupNew()
	if err != nil {
		return err
	}

	iface := sd.avahiIface()

	for _, svc := range sd.services {
		err = egroup.AddService(
			iface,
			avahi.ProtoUnspec,
			0,
			sd.instance,
			svc.Type,
			"", // Domain
			"", // Host
			uint16(svc.Port),
			svc.Txt.export(),
		)
		if err != nil {
			sd.server.EntryGroupFree(egroup)
			return err
		}

		if svc.SubType == "" {
			continue
		}

		err = egroup.AddServiceSubtype(
			iface,
			avahi.ProtoUnspec,
			0,
			sd.instance,
			svc.Type,
			"",
			svc.SubType,
		)
		if err != nil {
			sd.server.EntryGroupFree(egroup)
			return err
		}
	}

	err = egroup.Commit()
	if err != nil {
		sd.server.EntryGroupFree(egroup)
		return err
	}

	sd.egroup = egroup

	Log.Info(' ', "DNS-SD: %q registered on interface %q",
		sd.instance, sd.ifname)
	return nil
}

// unregister frees the current entry group, if any
func (sd *dnssdSysdep) unregister() {
	if sd.egroup != nil {
		sd.server.EntryGroupFree(sd.egroup)
		sd.egroup = nil
	}
}

// watch polls the entry group state and drives re-registration.
//
// On name collision it asks the daemon for an alternative instance
// name and re-registers under it. On a lost daemon connection it tears
// the client down, then tries to reconnect and re-register once per
// DNSSdRetryInterval until that succeeds. On entry group failure it
// flags process termination and stops watching
func (sd *dnssdSysdep) watch() {
	for {
		select {
		case <-sd.done:
			return
		case <-time.After(DNSSdRetryInterval):
		}

		if atomic.LoadInt32(sd.terminate) != 0 {
			return
		}

		if sd.egroup == nil {
			// Previous recovery attempt is still pending
			if err := sd.recover(); err != nil {
				Log.Error('!', "DNS-SD: recovery failed: %s", err)
			}
			continue
		}

		state, err := sd.egroup.GetState()
		if err != nil {
			// Avahi daemon connection is gone
			Log.Error('!', "DNS-SD: lost connection to avahi daemon")
			sd.teardown()
			continue
		}

		switch state {
		case avahi.EntryGroupStateCollision:
			Log.Info(' ', "DNS-SD: instance name collision for %q",
				sd.instance)

			alt, err := sd.server.GetAlternativeServiceName(sd.instance)
			if err != nil || alt == "" {
				alt = sd.instance + " (2)"
			}
			sd.instance = alt

			sd.unregister()
			if err := sd.register(); err != nil {
				Log.Error('!', "DNS-SD: re-register: %s", err)
			}

		case avahi.EntryGroupStateFailure:
			Log.Error('!', "DNS-SD: entry group failure")
			atomic.StoreInt32(sd.terminate, 1)
			return
		}
	}
}

// teardown drops the failed client state so the next watch iteration
// attempts a full reconnect
func (sd *dnssdSysdep) teardown() {
	sd.egroup = nil
	if sd.server != nil {
		sd.server.Close()
		sd.server = nil
	}
	if sd.conn != nil {
		sd.conn.Close()
		sd.conn = nil
	}
}

// recover re-establishes the client connection and re-registers all
// services after a daemon restart
func (sd *dnssdSysdep) recover() error {
	if sd.server == nil {
		if err := sd.connect(); err != nil {
			return err
		}
	}
	return sd.register()
}

// Close unregisters everything and drops the daemon connection
func (sd *dnssdSysdep) Close() {
	select {
	case <-sd.done:
	default:
		close(sd.done)
	}

	sd.unregister()

	if sd.server != nil {
		sd.server.Close()
		sd.server = nil
	}
	if sd.conn != nil {
		sd.conn.Close()
		sd.conn = nil
	}
}
