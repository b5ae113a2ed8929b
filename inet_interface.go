//go:build linux || freebsd

/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * INET interface index discovery
 */

package main

import (
	"errors"
	"fmt"
	"net"
)

// AvahiIfUnspec is avahi's AVAHI_IF_UNSPEC sentinel (the same value as
// avahi.InterfaceUnspec), used to tell the Avahi daemon to advertise on
// all interfaces
const AvahiIfUnspec = -1

// InetInterface returns index of named interface
func InetInterface(name string) (int, error) {
	switch name {
	case "all":
		return AvahiIfUnspec, nil
	case "lo", "loopback":
		return Loopback()
	}

	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Name == name {
				return iface.Index, nil
			}
		}
		err = errors.New("not found")
	}

	return 0, fmt.Errorf("Inet interface discovery: %s", err)
}
