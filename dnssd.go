/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD publisher: system-independent stuff
 */

package main

import (
	"fmt"
	"strings"
)

// Ieee1284DeviceID is the parsed IEEE-1284 device ID string, reduced
// to the fields the DNS-SD advertisement needs
type Ieee1284DeviceID struct {
	Mfg string // Manufacturer (MFG: or MANUFACTURER:)
	Mdl string // Model (MDL: or MODEL:)
	Sn  string // Serial number (SN:, SERN: or SERIALNUMBER:)
	Cmd string // Command set (CMD: or COMMAND SET:)
}

// Ieee1284Parse parses a raw IEEE-1284 device ID string. The string is
// a sequence of semicolon-delimited KEY:value pairs; both the short and
// the long key forms are accepted, case-insensitively
func Ieee1284Parse(devID string) Ieee1284DeviceID {
	var id Ieee1284DeviceID

	for _, field := range strings.Split(devID, ";") {
		colon := strings.IndexByte(field, ':')
		if colon < 0 {
			continue
		}

		key := strings.ToUpper(strings.TrimSpace(field[:colon]))
		value := strings.TrimSpace(field[colon+1:])

		switch key {
		case "MFG", "MANUFACTURER":
			id.Mfg = value
		case "MDL", "MODEL":
			id.Mdl = value
		case "SN", "SERN", "SERIALNUMBER":
			id.Sn = value
		case "CMD", "COMMAND SET":
			id.Cmd = value
		}
	}

	return id
}

// PDLs derives the supported page description languages from the CMD
// field, as MIME types joined into a single pdl TXT value. The second
// return values report apple-raster and pwg-raster support, which
// decide the advertised IPP subtype
func (id Ieee1284DeviceID) PDLs() (pdl string, appleRaster, pwgRaster bool) {
	cmd := strings.ToLower(id.Cmd)

	contains := func(s string) bool { return strings.Contains(cmd, s) }

	pwgRaster = contains("pwg") && contains("raster")
	appleRaster = (contains("apple") && contains("raster")) ||
		contains("urf")

	var formats []string
	if contains("pdf") {
		formats = append(formats, "application/pdf")
	}
	if pwgRaster {
		formats = append(formats, "image/pwg-raster")
	}
	if appleRaster {
		formats = append(formats, "image/urf")
	}
	if contains("pclm") {
		formats = append(formats, "application/PCLm")
	}
	if contains("jpeg") || contains("jpg") {
		formats = append(formats, "image/jpeg")
	}

	return strings.Join(formats, ","), appleRaster, pwgRaster
}

// InstanceName builds the DNS-SD service instance name,
// "<MDL> [<SN>]" when a serial number is known, bare "<MDL>" otherwise
func (id Ieee1284DeviceID) InstanceName() string {
	if id.Sn != "" {
		return fmt.Sprintf("%s [%s]", id.Mdl, id.Sn)
	}
	return id.Mdl
}

// DnsSdTxtItem represents a single TXT record item
type DnsSdTxtItem struct {
	Key, Value string
}

// DnsDsTxtRecord represents a TXT record
type DnsDsTxtRecord []DnsSdTxtItem

// Add adds item to DnsDsTxtRecord
func (txt *DnsDsTxtRecord) Add(key, value string) {
	*txt = append(*txt, DnsSdTxtItem{key, value})
}

// export DnsDsTxtRecord into Avahi format
func (txt DnsDsTxtRecord) export() [][]byte {
	var exported [][]byte

	// Note, for a some strange reason, Avahi published
	// TXT record in reverse order, so compensate it here
	for i := len(txt) - 1; i >= 0; i-- {
		item := txt[i]
		exported = append(exported, []byte(item.Key+"="+item.Value))
	}

	return exported
}

// DnsSdSvcInfo represents a DNS-SD service information
type DnsSdSvcInfo struct {
	Type    string         // Service type, i.e. "_ipp._tcp"
	SubType string         // Subtype, i.e. "_print._sub._ipp._tcp", or ""
	Port    int            // TCP port
	Txt     DnsDsTxtRecord // TXT record
}

// DnsSdServices represents a collection of DNS-SD services
type DnsSdServices []DnsSdSvcInfo

// Add DnsSdSvcInfo to DnsSdServices
func (services *DnsSdServices) Add(srv DnsSdSvcInfo) {
	*services = append(*services, srv)
}

// urfTxtValue is the capability string advertised in the URF TXT key
// when the device supports apple raster
const urfTxtValue = "CP1,IS1-5-7,MT1-2-3-4-5-6-8-9-10-11-12-13," +
	"RS300,SRGB24,V1.4,W8,DM1"

// DnsSdPrinterServices builds the three service advertisements for the
// bridged printer: _printer._tcp with port 0 (name reservation only),
// _ipp._tcp with the full TXT record, and _http._tcp for the device's
// embedded web UI. The adminurl key is emitted only for the loopback
// interface, where "localhost" is a valid way to reach the bridge
func DnsSdPrinterServices(id Ieee1284DeviceID, port int,
	ifname string) DnsSdServices {

	pdl, appleRaster, pwgRaster := id.PDLs()

	var txt DnsDsTxtRecord
	txt.Add("rp", "ipp/print")
	txt.Add("ty", id.Mfg+" "+id.Mdl)
	if strings.EqualFold(ifname, "lo") {
		txt.Add("adminurl", fmt.Sprintf("http://localhost:%d/", port))
	}
	txt.Add("product", "("+id.Mdl+")")
	txt.Add("pdl", pdl)
	txt.Add("Color", "U")
	txt.Add("Duplex", "U")
	txt.Add("usb_MFG", id.Mfg)
	txt.Add("usb_MDL", id.Mdl)
	if appleRaster {
		txt.Add("URF", urfTxtValue)
	}
	txt.Add("priority", "60")
	txt.Add("txtvers", "1")
	txt.Add("qtotal", "1")

	ippSubType := "_print._sub._ipp._tcp"
	if appleRaster && !pwgRaster {
		ippSubType = "_universal._sub._ipp._tcp"
	}

	var services DnsSdServices
	services.Add(DnsSdSvcInfo{Type: "_printer._tcp", Port: 0})
	services.Add(DnsSdSvcInfo{
		Type:    "_ipp._tcp",
		SubType: ippSubType,
		Port:    port,
		Txt:     txt,
	})
	services.Add(DnsSdSvcInfo{
		Type:    "_http._tcp",
		SubType: "_printer._sub._http._tcp",
		Port:    port,
	})

	return services
}

// DnsSdPublisher represents a DNS-SD service publisher
// One publisher may publish multiple services unser the
// same Service Instance Name
type DnsSdPublisher struct {
	Instance string        // Service Instance Name
	Services DnsSdServices // Registered services
	sysdep   *dnssdSysdep  // System-dependent stuff
}

// NewDnsSdPublisher creates new DnsSdPublisher
func NewDnsSdPublisher(services DnsSdServices) *DnsSdPublisher {
	return &DnsSdPublisher{
		Services: services,
	}
}

// Unpublish everything
func (publisher *DnsSdPublisher) Unpublish() {
	if publisher.sysdep != nil {
		publisher.sysdep.Close()
		publisher.sysdep = nil
	}
}

// Publish all services on the named network interface
func (publisher *DnsSdPublisher) Publish(instance, ifname string,
	terminate *int32) error {

	var err error

	publisher.Instance = instance
	publisher.sysdep, err = newDnssdSysdep(instance, ifname,
		publisher.Services, terminate)

	return err
}
