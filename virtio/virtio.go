// Package virtio discovers modern virtio-pci devices and drives them through
// the status handshake up to DRIVER_OK.
package virtio

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel/klog"
)

var virtioLog = klog.New("virtio")

// SetLogger sets the logger used by the virtio package.
func SetLogger(logger *logrus.Entry) {
	virtioLog = logger
}

// PCI identity of virtio devices.
const (
	VendorID = 0x1AF4

	// Modern devices are 0x1040 + device type.
	DeviceIDModern    = 0x1040
	DeviceIDModernEnd = 0x107F

	// Transitional devices, driven through the same modern interface.
	DeviceIDTransitional    = 0x1000
	DeviceIDTransitionalEnd = 0x103F
)

// Feature bits.
const (
	FeatureIndirectDesc   uint64 = 1 << 28
	FeatureEventIdx       uint64 = 1 << 29
	FeatureVersion1       uint64 = 1 << 32
	FeatureAccessPlatform uint64 = 1 << 33
	FeatureRingPacked     uint64 = 1 << 34
)

// Status is the device_status register.
type Status uint8

// Device status bits.
const (
	StatusAcknowledge Status = 1
	StatusDriver      Status = 2
	StatusDriverOK    Status = 4
	StatusFeaturesOK  Status = 8
	StatusNeedsReset  Status = 0x40
	StatusFailed      Status = 0x80
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusFeaturesOK, "FEATURES_OK"},
	{StatusDriverOK, "DRIVER_OK"},
	{StatusNeedsReset, "NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

func (s Status) String() string {
	if s == 0 {
		return "RESET"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := s &^ (StatusAcknowledge | StatusDriver | StatusDriverOK | StatusFeaturesOK |
		StatusNeedsReset | StatusFailed); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Device types.
const (
	TypeNet     = 1
	TypeBlock   = 2
	TypeConsole = 3
	TypeEntropy = 4
	TypeBalloon = 5
	TypeSCSI    = 8
	Type9P      = 9
	TypeGPU     = 16
	TypeInput   = 18
	TypeVsock   = 19
	TypeCrypto  = 20
	TypeSound   = 25
	TypeFS      = 26
)

var typeNames = map[uint16]string{
	TypeNet:     "net",
	TypeBlock:   "block",
	TypeConsole: "console",
	TypeEntropy: "entropy",
	TypeBalloon: "balloon",
	TypeSCSI:    "scsi",
	Type9P:      "9p",
	TypeGPU:     "gpu",
	TypeInput:   "input",
	TypeVsock:   "vsock",
	TypeCrypto:  "crypto",
	TypeSound:   "sound",
	TypeFS:      "fs",
}

// DeviceType returns the virtio device type for a PCI device id, and false
// if the id is not a virtio device.
func DeviceType(deviceID uint16) (uint16, bool) {
	switch {
	case deviceID >= DeviceIDModern && deviceID <= DeviceIDModernEnd:
		return deviceID - DeviceIDModern, true
	case deviceID >= DeviceIDTransitional && deviceID <= DeviceIDTransitionalEnd:
		// Transitional ids encode the subsystem id as the type; the common
		// ones map as below.
		switch deviceID {
		case 0x1000:
			return TypeNet, true
		case 0x1001:
			return TypeBlock, true
		case 0x1002:
			return TypeBalloon, true
		case 0x1003:
			return TypeConsole, true
		case 0x1004:
			return TypeSCSI, true
		case 0x1005:
			return TypeEntropy, true
		case 0x1009:
			return Type9P, true
		}
		return 0, false
	}
	return 0, false
}

// TypeName returns a short name for a device type.
func TypeName(t uint16) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type-%d", t)
}

// IsVirtio reports whether vendor and device ids name a virtio function.
func IsVirtio(vendor, device uint16) bool {
	if vendor != VendorID {
		return false
	}
	_, ok := DeviceType(device)
	return ok
}
