package fcp

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// LinesPerDevice is the number of lines describing one FCP device in the
// inventory output returned by the hypervisor.
const LinesPerDevice = 5

// Device status values as reported by the inventory query
const (
	StatusFree   = "free"
	StatusActive = "active"
)

// Device is one FCP device as seen in the live inventory. It is rebuilt on
// every inventory refresh and never modified afterwards.
type Device struct {
	DevNo        string `json:"dev_no"`        // lowercase, e.g. 1a00
	Status       string `json:"status"`        // free, active, ...
	NPIVPort     string `json:"npiv_port"`     // empty when NONE
	CHPID        string `json:"chpid"`         // uppercase
	PhysicalPort string `json:"physical_port"` // empty when NONE
}

// ParseDevice builds a Device from a block of exactly LinesPerDevice lines:
//
//	opnstk1: FCP device number: B83D
//	opnstk1:   Status: Free
//	opnstk1:   NPIV world wide port number: NONE
//	opnstk1:   Channel path ID: 59
//	opnstk1:   Physical world wide port number: 20076D8500005181
//
// It returns false when the block does not have the expected shape.
func ParseDevice(lines []string) (*Device, bool) {
	if len(lines) != LinesPerDevice {
		return nil, false
	}

	dev := &Device{
		DevNo:        strings.ToLower(lastField(lines[0])),
		Status:       strings.ToLower(lastField(lines[1])),
		NPIVPort:     wwpnFromLine(lines[2]),
		CHPID:        strings.ToUpper(lastField(lines[3])),
		PhysicalPort: wwpnFromLine(lines[4]),
	}
	if dev.DevNo == "" {
		return nil, false
	}
	return dev, true
}

// ParseInventory splits the inventory output into device blocks and parses
// each one. Malformed blocks and a trailing partial block are logged and skipped.
func ParseInventory(lines []string) []*Device {
	var devices []*Device

	n := len(lines) / LinesPerDevice
	if rem := len(lines) % LinesPerDevice; rem != 0 {
		log.WithField("lines", rem).Warn("ignoring trailing partial FCP device record")
	}

	for i := 0; i < n; i++ {
		block := lines[i*LinesPerDevice : (i+1)*LinesPerDevice]
		dev, ok := ParseDevice(block)
		if !ok {
			log.WithField("record", strings.Join(block, " | ")).Warn("skipping malformed FCP device record")
			continue
		}
		devices = append(devices, dev)
	}
	return devices
}

// WWPN returns the port a host connector should advertise for the device:
// the NPIV port when present, otherwise the physical one. Empty means the
// device has no usable WWPN.
func (d *Device) WWPN() string {
	if d.NPIVPort != "" {
		return d.NPIVPort
	}
	return d.PhysicalPort
}

func lastField(line string) string {
	idx := strings.LastIndex(line, ":")
	return strings.TrimSpace(line[idx+1:])
}

func wwpnFromLine(line string) string {
	wwpn := strings.ToLower(lastField(line))
	if strings.EqualFold(wwpn, "none") {
		return ""
	}
	return wwpn
}
