package virtio

import (
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/pci"
)

// Configuration structure types of virtio vendor capabilities.
const (
	CfgCommon       uint8 = 1
	CfgNotify       uint8 = 2
	CfgISR          uint8 = 3
	CfgDevice       uint8 = 4
	CfgPCI          uint8 = 5
	CfgSharedMemory uint8 = 8
	CfgVendor       uint8 = 9
)

// Offsets inside struct virtio_pci_cap.
const (
	capLen        = 2
	capCfgType    = 3
	capBar        = 4
	capID         = 5
	capOffset     = 8
	capLength     = 12
	capMultiplier = 16
)

// Capability is a decoded virtio vendor capability: a structure of CfgType
// found at Offset inside BAR Bar.
type Capability struct {
	CfgType uint8
	Bar     uint8
	ID      uint8
	Offset  uint32
	Length  uint32

	// CapOffset is where the record sits in configuration space.
	CapOffset uint8
	CapLen    uint8
}

func readCapability(f *pci.Function, c pci.Capability) Capability {
	off := uint16(c.Offset)
	return Capability{
		CfgType:   f.Read8(off + capCfgType),
		Bar:       f.Read8(off + capBar),
		ID:        f.Read8(off + capID),
		Offset:    f.Read32(off + capOffset),
		Length:    f.Read32(off + capLength),
		CapOffset: c.Offset,
		CapLen:    f.Read8(off + capLen),
	}
}

// DecodeCapability reads the virtio record behind vendor capability c.
func DecodeCapability(f *pci.Function, c pci.Capability) Capability {
	return readCapability(f, c)
}

// Capabilities returns every virtio vendor capability of f in chain order.
// Records naming a reserved BAR are skipped.
func Capabilities(f *pci.Function) ([]Capability, error) {
	var caps []Capability
	err := f.WalkCapabilities(func(c pci.Capability) bool {
		if c.ID != pci.CapVendorSpecific {
			return true
		}
		vc := readCapability(f, c)
		if vc.Bar < pci.MaxBARs {
			caps = append(caps, vc)
		}
		return true
	})
	return caps, err
}

// FindCapability returns the first vendor capability of cfgType.
func FindCapability(f *pci.Function, cfgType uint8) (Capability, bool, error) {
	var (
		found Capability
		ok    bool
	)
	err := f.WalkCapabilities(func(c pci.Capability) bool {
		if c.ID != pci.CapVendorSpecific {
			return true
		}
		vc := readCapability(f, c)
		if vc.CfgType != cfgType || vc.Bar >= pci.MaxBARs {
			return true
		}
		found, ok = vc, true
		return false
	})
	if err != nil {
		return Capability{}, false, err
	}
	return found, ok, nil
}

// FindCommonConfig locates the common configuration structure. ok is false
// when no vendor capability has cfg_type 1. A common configuration record
// that only names a reserved BAR is UnsupportedLayout.
func FindCommonConfig(f *pci.Function) (bar uint8, offset uint32, ok bool, err error) {
	c, ok, err := commonRecord(f)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	return c.Bar, c.Offset, true, nil
}

// commonRecord returns the first cfg_type 1 record with a usable BAR.
func commonRecord(f *pci.Function) (Capability, bool, error) {
	var (
		found    Capability
		ok       bool
		reserved bool
	)
	err := f.WalkCapabilities(func(c pci.Capability) bool {
		if c.ID != pci.CapVendorSpecific {
			return true
		}
		vc := readCapability(f, c)
		if vc.CfgType != CfgCommon {
			return true
		}
		if vc.Bar >= pci.MaxBARs {
			reserved = true
			return true
		}
		found, ok = vc, true
		return false
	})
	switch {
	case err != nil:
		return Capability{}, false, err
	case !ok && reserved:
		return Capability{}, false, kernel.New("virtio", kernel.KindUnsupportedLayout,
			f.Addr.String()+": common configuration in a reserved BAR")
	}
	return found, ok, nil
}

// NotifyMultiplier reads notify_off_multiplier, which follows the notify
// capability.
func NotifyMultiplier(f *pci.Function, c Capability) uint32 {
	return f.Read32(uint16(c.CapOffset) + capMultiplier)
}
