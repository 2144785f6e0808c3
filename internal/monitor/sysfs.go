package monitor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PortInfo describes a USB device currently attached
type PortInfo struct {
	PortID       string `json:"port_id"`
	DevicePath   string `json:"device_path"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	Serial       string `json:"serial,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Fingerprint is vendor:product[:serial]; informational only
func (p PortInfo) Fingerprint() string {
	if p.VendorID == "" {
		return ""
	}
	fp := p.VendorID + ":" + p.ProductID
	if p.Serial != "" {
		fp += ":" + p.Serial
	}
	return fp
}

// ListPorts enumerates attached USB devices under <sysfsRoot>/bus/usb/devices,
// skipping root hubs and interfaces
func ListPorts(sysfsRoot string) ([]PortInfo, error) {
	dir := filepath.Join(sysfsRoot, "bus", "usb", "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ports []PortInfo
	for _, entry := range entries {
		portID := PortIDFromDevPath(entry.Name())
		if portID == "" {
			continue
		}
		devDir := filepath.Join(dir, entry.Name())
		// devices/ holds symlinks into the real device tree
		devicePath := devDir
		if resolved, err := filepath.EvalSymlinks(devDir); err == nil {
			devicePath = strings.TrimPrefix(resolved, filepath.Clean(sysfsRoot))
		}
		ports = append(ports, PortInfo{
			PortID:       portID,
			DevicePath:   devicePath,
			VendorID:     readAttr(devDir, "idVendor"),
			ProductID:    readAttr(devDir, "idProduct"),
			Serial:       readAttr(devDir, "serial"),
			Manufacturer: readAttr(devDir, "manufacturer"),
			Product:      readAttr(devDir, "product"),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].PortID < ports[j].PortID })
	return ports, nil
}

// deviceSerial reads the serial attribute of a device by its DEVPATH
func deviceSerial(sysfsRoot, devPath string) string {
	if sysfsRoot == "" {
		return ""
	}
	return readAttr(filepath.Join(sysfsRoot, devPath), "serial")
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
