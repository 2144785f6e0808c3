package monitor

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Uevent is one parsed kernel kobject uevent
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	DevType   string
	Product   string
	Seqnum    string
	Env       map[string]string
}

// ParseUevent parses the kernel wire format:
//
//	add@/devices/...\x00ACTION=add\x00DEVPATH=/devices/...\x00SUBSYSTEM=usb\x00...
func ParseUevent(msg []byte) (*Uevent, error) {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 || !bytes.Contains(fields[0], []byte("@")) {
		return nil, fmt.Errorf("not a kernel uevent")
	}

	ev := &Uevent{Env: make(map[string]string, len(fields))}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		ev.Env[key] = value
	}

	ev.Action = ev.Env["ACTION"]
	ev.DevPath = ev.Env["DEVPATH"]
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevType = ev.Env["DEVTYPE"]
	ev.Product = ev.Env["PRODUCT"]
	ev.Seqnum = ev.Env["SEQNUM"]

	if ev.Action == "" || ev.DevPath == "" {
		return nil, fmt.Errorf("uevent missing ACTION or DEVPATH")
	}
	return ev, nil
}

// IsUSBDevice reports whether the uevent is a whole-device add or remove
func (u *Uevent) IsUSBDevice() bool {
	if u.Subsystem != "usb" || u.DevType != "usb_device" {
		return false
	}
	return u.Action == "add" || u.Action == "remove"
}

var rootHub = regexp.MustCompile(`^usb[0-9]+$`)

// PortIDFromDevPath returns the last DEVPATH component, e.g. "1-1" or
// "3-2.4". Root hubs and interfaces are not ports and yield "".
func PortIDFromDevPath(devPath string) string {
	id := path.Base(strings.TrimRight(devPath, "/"))
	if id == "." || id == "/" || rootHub.MatchString(id) || strings.Contains(id, ":") {
		return ""
	}
	return id
}

// fingerprintFromProduct turns PRODUCT=46d/c52b/1211 into "046d:c52b"
func fingerprintFromProduct(product string) string {
	parts := strings.Split(product, "/")
	if len(parts) < 2 {
		return ""
	}
	return padHex(parts[0]) + ":" + padHex(parts[1])
}

func padHex(s string) string {
	s = strings.ToLower(s)
	if len(s) >= 4 {
		return s
	}
	return strings.Repeat("0", 4-len(s)) + s
}
