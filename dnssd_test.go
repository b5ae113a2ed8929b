/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD publisher test, system-independent part
 */

package main

import (
	"reflect"
	"testing"
)

func TestIeee1284Parse(t *testing.T) {
	tests := []struct {
		devID    string
		expected Ieee1284DeviceID
	}{
		{
			"MFG:ACME;MDL:LaserWriter 9000;CMD:PDF,URF;SN:X123;",
			Ieee1284DeviceID{
				Mfg: "ACME",
				Mdl: "LaserWriter 9000",
				Cmd: "PDF,URF",
				Sn:  "X123",
			},
		},
		{
			// Long key forms
			"MANUFACTURER:ACME;MODEL:LW;COMMAND SET:PCLM;SERIALNUMBER:1;",
			Ieee1284DeviceID{Mfg: "ACME", Mdl: "LW", Cmd: "PCLM", Sn: "1"},
		},
		{
			// Mixed case keys, SERN variant, no trailing semicolon
			"mfg:a;mdl:b;sern:c;cmd:d",
			Ieee1284DeviceID{Mfg: "a", Mdl: "b", Sn: "c", Cmd: "d"},
		},
		{
			// Missing fields stay empty
			"MFG:OnlyMake;",
			Ieee1284DeviceID{Mfg: "OnlyMake"},
		},
	}

	for _, test := range tests {
		id := Ieee1284Parse(test.devID)
		if !reflect.DeepEqual(id, test.expected) {
			t.Errorf("%q: expected %#v, got %#v",
				test.devID, test.expected, id)
		}
	}
}

func TestPDLs(t *testing.T) {
	tests := []struct {
		cmd         string
		pdl         string
		appleRaster bool
		pwgRaster   bool
	}{
		{
			"PDF,PWGRaster,AppleRaster,PCLM,JPEG",
			"application/pdf,image/pwg-raster,image/urf," +
				"application/PCLm,image/jpeg",
			true, true,
		},
		{"URF", "image/urf", true, false},
		{"PWGRaster", "image/pwg-raster", false, true},
		{"PDF", "application/pdf", false, false},
		{"JPG", "image/jpeg", false, false},
		{"", "", false, false},
	}

	for _, test := range tests {
		id := Ieee1284DeviceID{Cmd: test.cmd}
		pdl, appleRaster, pwgRaster := id.PDLs()
		if pdl != test.pdl {
			t.Errorf("CMD %q: expected pdl %q, got %q",
				test.cmd, test.pdl, pdl)
		}
		if appleRaster != test.appleRaster || pwgRaster != test.pwgRaster {
			t.Errorf("CMD %q: expected apple=%v pwg=%v, got %v/%v",
				test.cmd, test.appleRaster, test.pwgRaster,
				appleRaster, pwgRaster)
		}
	}
}

func TestInstanceName(t *testing.T) {
	id := Ieee1284DeviceID{Mdl: "LaserWriter", Sn: "X1"}
	if name := id.InstanceName(); name != "LaserWriter [X1]" {
		t.Errorf("expected %q, got %q", "LaserWriter [X1]", name)
	}

	id.Sn = ""
	if name := id.InstanceName(); name != "LaserWriter" {
		t.Errorf("expected %q, got %q", "LaserWriter", name)
	}
}

// txtValue finds a TXT key in a record, "" if absent
func txtValue(txt DnsDsTxtRecord, key string) string {
	for _, item := range txt {
		if item.Key == key {
			return item.Value
		}
	}
	return ""
}

func TestPrinterServices(t *testing.T) {
	id := Ieee1284DeviceID{
		Mfg: "ACME",
		Mdl: "LaserWriter",
		Sn:  "X1",
		Cmd: "PDF,URF",
	}

	services := DnsSdPrinterServices(id, 60000, "lo")
	if len(services) != 3 {
		t.Fatalf("expected 3 services, got %d", len(services))
	}

	printer, ipp, http := services[0], services[1], services[2]

	if printer.Type != "_printer._tcp" || printer.Port != 0 {
		t.Errorf("name-reservation service wrong: %+v", printer)
	}

	if ipp.Type != "_ipp._tcp" || ipp.Port != 60000 {
		t.Errorf("ipp service wrong: %+v", ipp)
	}

	// apple-raster without pwg-raster selects the universal subtype
	if ipp.SubType != "_universal._sub._ipp._tcp" {
		t.Errorf("expected universal subtype, got %q", ipp.SubType)
	}

	if http.Type != "_http._tcp" || http.Port != 60000 ||
		http.SubType != "_printer._sub._http._tcp" {
		t.Errorf("http service wrong: %+v", http)
	}

	for key, expected := range map[string]string{
		"rp":       "ipp/print",
		"ty":       "ACME LaserWriter",
		"product":  "(LaserWriter)",
		"pdl":      "application/pdf,image/urf",
		"Color":    "U",
		"Duplex":   "U",
		"usb_MFG":  "ACME",
		"usb_MDL":  "LaserWriter",
		"priority": "60",
		"txtvers":  "1",
		"qtotal":   "1",
		"adminurl": "http://localhost:60000/",
	} {
		if got := txtValue(ipp.Txt, key); got != expected {
			t.Errorf("TXT %s: expected %q, got %q", key, expected, got)
		}
	}

	if txtValue(ipp.Txt, "URF") == "" {
		t.Errorf("URF TXT key missing for an apple-raster device")
	}

	// Off-loopback advertisement must not carry adminurl
	services = DnsSdPrinterServices(id, 60000, "eth0")
	if txtValue(services[1].Txt, "adminurl") != "" {
		t.Errorf("adminurl advertised on a non-loopback interface")
	}

	// pwg+apple selects the plain print subtype
	id.Cmd = "PWGRaster,URF"
	services = DnsSdPrinterServices(id, 60000, "lo")
	if services[1].SubType != "_print._sub._ipp._tcp" {
		t.Errorf("expected print subtype, got %q", services[1].SubType)
	}
}
