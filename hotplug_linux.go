//go:build linux

/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Handling USB hotplug events
 */

package main

// gousb.Context doesn't expose its underlying libusb_context, so hotplug
// registration needs its own raw libusb handle, independent of usbCtx in
// usbdevice.go. It exists only to notice our own device's removal and is
// never used for enumeration or I/O.

// #cgo pkg-config: libusb-1.0
// #include <libusb.h>
//
// void usbHotplugCallback(int bus, int addr, libusb_hotplug_event event);
//
// static int
// usb_hotplug_callback(libusb_context *ctx, libusb_device *device,
//         libusb_hotplug_event event, void *user_data)
// {
//     int bus = libusb_get_bus_number(device);
//     int addr = libusb_get_device_address(device);
//     usbHotplugCallback(bus, addr, event);
//     return 0;
// }
//
// static libusb_context *usb_hotplug_ctx;
// static libusb_hotplug_callback_handle usb_hotplug_handle;
//
// static int
// usb_hotplug_init(void)
// {
//     int rc = libusb_init(&usb_hotplug_ctx);
//     if (rc != 0) {
//         return rc;
//     }
//
//     return libusb_hotplug_register_callback(
//         usb_hotplug_ctx,
//         LIBUSB_HOTPLUG_EVENT_DEVICE_LEFT,
//         LIBUSB_HOTPLUG_NO_FLAGS,
//         LIBUSB_HOTPLUG_MATCH_ANY,
//         LIBUSB_HOTPLUG_MATCH_ANY,
//         LIBUSB_HOTPLUG_MATCH_ANY,
//         usb_hotplug_callback,
//         NULL,
//         &usb_hotplug_handle);
// }
//
// static void
// usb_hotplug_pump(void)
// {
//     struct timeval tv = {1, 0};
//     libusb_handle_events_timeout(usb_hotplug_ctx, &tv);
// }
import "C"

// UsbHotPlugChan is signalled with the (bus, address) of any USB device
// that disappears while the bridge is running
var UsbHotPlugChan = make(chan UsbAddr, 1)

//export usbHotplugCallback
func usbHotplugCallback(bus, addr C.int, event C.libusb_hotplug_event) {
	if event != C.LIBUSB_HOTPLUG_EVENT_DEVICE_LEFT {
		return
	}

	a := UsbAddr{Bus: int(bus), Address: int(addr)}
	select {
	case UsbHotPlugChan <- a:
	default:
	}
}

// UsbHotplugStart registers the hotplug callback and starts the event
// pump goroutine. It's a no-op (returns an error) if the platform's
// libusb has no hotplug support, in which case the caller falls back to
// detecting the printer's disappearance from USB I/O errors alone.
func UsbHotplugStart() error {
	if C.libusb_has_capability(C.LIBUSB_CAP_HAS_HOTPLUG) == 0 {
		return ErrNoDevice
	}

	rc := C.usb_hotplug_init()
	if rc != 0 {
		return ErrNoDevice
	}

	go func() {
		for {
			C.usb_hotplug_pump()
		}
	}()

	return nil
}
