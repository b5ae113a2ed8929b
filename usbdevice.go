/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * USB device discovery and the IEEE-1284 device ID
 */

package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"
)

// usbCtx is the single gousb.Context shared by the whole process: device
// enumeration, opening, and bulk/control I/O all go through it
var usbCtx = gousb.NewContext()

// UsbAddr represents a USB device address
type UsbAddr struct {
	Bus     int // The bus on which the device was detected
	Address int // The address of the device on the bus
}

// String returns a human-readable representation of UsbAddr
func (addr UsbAddr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", addr.Bus, addr.Address)
}

// Less returns true, if addr is "less" than addr2, for sorting
func (addr UsbAddr) Less(addr2 UsbAddr) bool {
	return addr.Bus < addr2.Bus ||
		(addr.Bus == addr2.Bus && addr.Address < addr2.Address)
}

// UsbIfAddr is the full "address" of one IPP-over-USB interface
type UsbIfAddr struct {
	UsbAddr     // Device address
	Config  int // Configuration value
	Num     int // Interface number within the configuration
	Alt     int // Alternate setting number
	In, Out int // Bulk IN/OUT endpoint numbers
}

// String returns a human readable representation of UsbIfAddr
func (ifaddr UsbIfAddr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d Interface %d Alt %d",
		ifaddr.Bus, ifaddr.Address, ifaddr.Num, ifaddr.Alt)
}

// UsbIfAddrList is a list of UsbIfAddr
type UsbIfAddrList []UsbIfAddr

// Add a UsbIfAddr to a UsbIfAddrList, preserving interface-number order
func (list *UsbIfAddrList) Add(ifaddr UsbIfAddr) {
	i := sort.Search(len(*list), func(n int) bool {
		return (*list)[n].Num >= ifaddr.Num
	})

	*list = append(*list, UsbIfAddr{})
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = ifaddr
}

// UsbIfDesc describes one interface/alt-setting combination, IPP-over-USB
// or not, as seen while walking the device's configuration descriptor
type UsbIfDesc struct {
	Vendor   gousb.ID // USB Vendor ID
	Product  gousb.ID // USB Product ID
	Config   int      // Configuration value
	IfNum    int      // Interface number
	Alt      int      // Alternate setting
	Class    int      // Interface class
	SubClass int      // Interface subclass
	Proto    int      // Interface protocol
}

// IsIppOverUsb reports whether the interface is an IPP-over-USB interface
func (ifdesc UsbIfDesc) IsIppOverUsb() bool {
	switch {
	// The classical combination, 7/1/4
	case ifdesc.Class == 7 && ifdesc.SubClass == 1 && ifdesc.Proto == 4:
		return true

	// Some HP devices use the non-standard combination 255/9/1:
	//   HP LaserJet MFP M426fdn
	//   HP ColorLaserJet MFP M278-M281
	case ifdesc.Vendor == 0x03f0 &&
		ifdesc.Class == 255 && ifdesc.SubClass == 9 && ifdesc.Proto == 1:
		return true
	}

	return false
}

// UsbDeviceDesc is a discovered IPP-over-USB device, before it is opened
type UsbDeviceDesc struct {
	UsbAddr               // Device address
	Vendor  gousb.ID      // USB Vendor ID
	Product gousb.ID      // USB Product ID
	Config  int           // Chosen configuration value
	IfAddrs UsbIfAddrList // IPP-over-USB interfaces within Config
	IfDescs []UsbIfDesc   // All interfaces seen, for logging
}

// UsbSelector filters candidate devices by vendor/product id, serial
// number, or bus/device pair. A zero field means "don't filter on this"
type UsbSelector struct {
	Vendor, Product gousb.ID
	Serial          string
	Bus, Device     int
}

// matches reports whether desc satisfies the selector's bus/device/vid/pid
// constraints; serial number is checked separately, once the device is open
func (sel UsbSelector) matches(desc *gousb.DeviceDesc) bool {
	if sel.Vendor != 0 && desc.Vendor != sel.Vendor {
		return false
	}
	if sel.Product != 0 && desc.Product != sel.Product {
		return false
	}
	if sel.Bus != 0 && desc.Bus != sel.Bus {
		return false
	}
	if sel.Device != 0 && desc.Address != sel.Device {
		return false
	}
	return true
}

// UsbFindDevice enumerates attached USB devices, selects the one matching
// sel, and picks the first configuration that exposes at least two
// IPP-over-USB interfaces. It returns ErrNoIppInterfaces if the candidate
// exposes none, and ErrConformance if it exposes exactly one (a standard
// violation the bridge refuses to bridge around).
func UsbFindDevice(sel UsbSelector) (*gousb.Device, UsbDeviceDesc, error) {
	var found *gousb.Device
	var desc UsbDeviceDesc

	devs, err := usbCtx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return found == nil && sel.matches(d)
	})

	for _, d := range devs {
		if found != nil || !sel.matches(d.Desc) {
			d.Close()
			continue
		}

		if sel.Serial != "" {
			serial, serr := d.SerialNumber()
			if serr != nil || serial != sel.Serial {
				d.Close()
				continue
			}
		}

		found = d
	}

	if found == nil {
		if err != nil {
			return nil, desc, fmt.Errorf("%w: %s", ErrDeviceNotFound, err)
		}
		return nil, desc, ErrDeviceNotFound
	}

	desc.Bus = found.Desc.Bus
	desc.Address = found.Desc.Address
	desc.Vendor = found.Desc.Vendor
	desc.Product = found.Desc.Product
	desc.Config = -1

	for cfgNum, cfgDesc := range found.Desc.Configs {
		count := 0
		var ifaddrs UsbIfAddrList
		var ifdescs []UsbIfDesc

		for _, ifDesc := range cfgDesc.Interfaces {
			ifNum := ifDesc.Number
			for _, alt := range ifDesc.AltSettings {
				ifdesc := UsbIfDesc{
					Vendor:   desc.Vendor,
					Product:  desc.Product,
					Config:   cfgNum,
					IfNum:    ifNum,
					Alt:      alt.Alternate,
					Class:    int(alt.Class),
					SubClass: int(alt.SubClass),
					Proto:    int(alt.Protocol),
				}
				ifdescs = append(ifdescs, ifdesc)

				if !ifdesc.IsIppOverUsb() {
					continue
				}

				in, out := -1, -1
				for _, ep := range alt.Endpoints {
					if ep.Direction == gousb.EndpointDirectionIn && in == -1 {
						in = int(ep.Number)
					}
					if ep.Direction == gousb.EndpointDirectionOut && out == -1 {
						out = int(ep.Number)
					}
				}

				if in >= 0 && out >= 0 {
					count++
					ifaddrs.Add(UsbIfAddr{
						UsbAddr: desc.UsbAddr,
						Config:  cfgNum,
						Num:     ifNum,
						Alt:     alt.Alternate,
						In:      in,
						Out:     out,
					})
				}
			}
		}

		if count >= 2 {
			desc.Config = cfgNum
			desc.IfAddrs = ifaddrs
			desc.IfDescs = ifdescs
			break
		}

		if count == 1 && desc.Config < 0 {
			found.Close()
			return nil, desc, ErrConformance
		}
	}

	if desc.Config < 0 {
		found.Close()
		return nil, desc, ErrNoIppInterfaces
	}

	return found, desc, nil
}

// UsbDeviceInfo holds the device information the DnssdPublisher and log
// headers need: strings decoded from the device, plus its basic IPP-USB
// capability bits
type UsbDeviceInfo struct {
	Vendor       gousb.ID        // Vendor ID
	Product      gousb.ID        // Product ID
	SerialNumber string          // Device serial number
	Manufacturer string          // Manufacturer name
	ProductName  string          // Product name
	DeviceID     string          // Raw IEEE-1284 device ID string
	BasicCaps    UsbIppBasicCaps // Device basic capabilities
}

// UsbIppBasicCaps represents the device basic capability bits, per the
// IPP-USB specification, section 4.3
type UsbIppBasicCaps int

// Basic capability bits, see IPP-USB specification, section 4.3
const (
	UsbIppBasicCapsPrint UsbIppBasicCaps = 1 << iota
	UsbIppBasicCapsScan
	UsbIppBasicCapsFax
	UsbIppBasicCapsOther
	UsbIppBasicCapsAnyHTTP
)

// String returns a human-readable representation of UsbIppBasicCaps
func (caps UsbIppBasicCaps) String() string {
	s := []string{}

	if caps&UsbIppBasicCapsPrint != 0 {
		s = append(s, "print")
	}
	if caps&UsbIppBasicCapsScan != 0 {
		s = append(s, "scan")
	}
	if caps&UsbIppBasicCapsFax != 0 {
		s = append(s, "fax")
	}
	if caps&UsbIppBasicCapsAnyHTTP != 0 {
		s = append(s, "http")
	}

	return strings.Join(s, ",")
}

// CheckMissed returns an error if UsbDeviceInfo misses an essential
// identification field: Manufacturer, ProductName, or SerialNumber
func (info UsbDeviceInfo) CheckMissed() error {
	switch {
	case info.Manufacturer == "":
		return errors.New("missed Manufacturer string")
	case info.ProductName == "":
		return errors.New("missed ProductName string")
	case info.SerialNumber == "":
		return errors.New("missed SerialNumber string")
	}

	return nil
}

// MakeAndModel returns the device's Make and Model as a single string
func (info UsbDeviceInfo) MakeAndModel() string {
	mfg := strings.TrimSpace(info.Manufacturer)
	prod := strings.TrimSpace(info.ProductName)

	makeModel := prod
	if mfg != "" && !strings.HasPrefix(prod, mfg) {
		makeModel = mfg + " " + prod
	}

	return makeModel
}

// Ident returns a device identification string, suitable as a persistent
// state identifier (used for the per-device log file name)
func (info UsbDeviceInfo) Ident() string {
	id := fmt.Sprintf("%4.4x-%4.4x", info.Vendor, info.Product)

	if info.SerialNumber != "" {
		id += "-" + info.SerialNumber
	}

	if model := info.MakeAndModel(); model != "" {
		id += "-" + model
	}

	id = strings.Map(func(c rune) rune {
		switch {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case c == '-' || c == '_':
		default:
			c = '-'
		}
		return c
	}, id)
	return id
}

// Comment returns a short comment describing the device, for log headers
func (info UsbDeviceInfo) Comment() string {
	return info.MakeAndModel() + " serial=" + info.SerialNumber
}

// usbDeviceIDLen is the buffer size used for the IEEE-1284 device ID
// control transfer
const usbDeviceIDLen = 2048

// UsbGetDeviceID fetches the IEEE-1284 device ID string via a control
// transfer (class request, recipient = interface; wValue = config,
// wIndex = (iface<<8)|altset, length = 2048), trying each IPP-over-USB
// interface/alt-setting combination until one answers
func UsbGetDeviceID(dev *gousb.Device, desc UsbDeviceDesc) (string, error) {
	buf := make([]byte, usbDeviceIDLen)

	for _, ifaddr := range desc.IfAddrs {
		n, err := dev.Control(
			gousb.ControlClass|gousb.ControlIn|gousb.ControlInterface,
			0,
			uint16(ifaddr.Config),
			uint16(ifaddr.Num)<<8|uint16(ifaddr.Alt),
			buf,
		)
		if err != nil || n < 2 {
			continue
		}

		// Length is stored MSB-first per the IEEE-1284 spec; some
		// vendors implement it backwards, so fall back to LSB-first
		// if the MSB-first reading is out of range
		length := int(buf[0])<<8 | int(buf[1])
		if length > n || length < 14 {
			length = int(buf[1])<<8 | int(buf[0])
		}
		if length > n || length < 14 {
			continue
		}

		return string(buf[2:length]), nil
	}

	return "", errors.New("USB: failed to retrieve IEEE-1284 device ID")
}

// UsbDeviceBasicCaps reads and decodes the printer's class-specific
// Device Info Descriptor, see IPP-USB specification, section 4.3. It
// never fails: on any error it falls back to a permissive default
func UsbDeviceBasicCaps(dev *gousb.Device) UsbIppBasicCaps {
	caps := UsbIppBasicCapsPrint | UsbIppBasicCapsScan |
		UsbIppBasicCapsFax | UsbIppBasicCapsAnyHTTP

	buf := make([]byte, 256)
	n, err := dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		0x06, // GET_DESCRIPTOR
		0x2100,
		0,
		buf,
	)
	if err != nil || n < 10 {
		return caps
	}

	bits := int(buf[6]) | int(buf[7])<<8
	if bits == 0 {
		return caps
	}

	return UsbIppBasicCaps(bits)
}
