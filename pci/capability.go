package pci

import (
	"fmt"

	"github.com/algebnaly/tos/kernel"
)

// Standard capability ids.
const (
	CapPowerManagement uint8 = 0x01
	CapMSI             uint8 = 0x05
	CapVendorSpecific  uint8 = 0x09
	CapPCIExpress      uint8 = 0x10
	CapMSIX            uint8 = 0x11
)

const (
	// Capabilities live after the 64 byte header, dword aligned.
	capFirst = 0x40
	capLast  = 0xFC

	// maxCapabilities is the most distinct records that fit.
	maxCapabilities = (capLast-capFirst)/4 + 1
)

// Capability is one record of a function's capability chain.
type Capability struct {
	ID     uint8
	Offset uint8
	Next   uint8
}

// CapabilityName returns a short name for a capability id.
func CapabilityName(id uint8) string {
	switch id {
	case CapPowerManagement:
		return "power-management"
	case 0x03:
		return "vpd"
	case CapMSI:
		return "msi"
	case CapVendorSpecific:
		return "vendor"
	case CapPCIExpress:
		return "pcie"
	case CapMSIX:
		return "msi-x"
	case 0x12:
		return "sata"
	case 0x13:
		return "advanced-features"
	}
	return fmt.Sprintf("cap-%#02x", id)
}

// WalkCapabilities calls visit for each record of the chain in link order
// until the chain ends or visit returns false. Records are read lazily.
// Offsets come from the device: a pointer into the header or past the end of
// configuration space, a revisited offset, or a chain longer than can fit all
// report a malformed chain instead of looping.
func (f *Function) WalkCapabilities(visit func(Capability) bool) error {
	if !f.Status().HasCapabilities() {
		return nil
	}

	var seen [256 / 4]bool
	ptr := f.Read8(OffCapabilities) &^ 3
	for hops := 0; ptr != 0; hops++ {
		switch {
		case ptr < capFirst || ptr > capLast:
			return f.malformed("pointer %#02x outside capability space", ptr)
		case seen[ptr/4]:
			return f.malformed("offset %#02x revisited after %d records", ptr, hops)
		case hops >= maxCapabilities:
			return f.malformed("more than %d records", maxCapabilities)
		}
		seen[ptr/4] = true

		c := Capability{
			ID:     f.Read8(uint16(ptr)),
			Offset: ptr,
			Next:   f.Read8(uint16(ptr)+1) &^ 3,
		}
		if !visit(c) {
			return nil
		}
		ptr = c.Next
	}
	return nil
}

func (f *Function) malformed(format string, args ...interface{}) error {
	return kernel.New("pci", kernel.KindMalformedCapabilityChain,
		f.Addr.String()+": "+fmt.Sprintf(format, args...))
}

// Capabilities returns the whole chain.
func (f *Function) Capabilities() ([]Capability, error) {
	var caps []Capability
	err := f.WalkCapabilities(func(c Capability) bool {
		caps = append(caps, c)
		return true
	})
	return caps, err
}

// FindCapability returns the first record with the id.
func (f *Function) FindCapability(id uint8) (Capability, bool, error) {
	var (
		found Capability
		ok    bool
	)
	err := f.WalkCapabilities(func(c Capability) bool {
		if c.ID == id {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok, err
}
