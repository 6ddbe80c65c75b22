package pci

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/bitfield"
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
)

// Offsets inside the MSI-X capability.
const (
	msixControl = 2
	msixTable   = 4
	msixPBA     = 8
)

// MSIXEntrySize is the size of one table entry.
const MSIXEntrySize = 16

// Offsets inside a table entry.
const (
	msixEntryAddrLo  = 0
	msixEntryAddrHi  = 4
	msixEntryData    = 8
	msixEntryControl = 12
)

// MSIXControl is the message control register.
type MSIXControl struct {
	TableSize    uint16 `bitfield:",11"` // entries - 1
	Reserved     uint8  `bitfield:",3"`
	FunctionMask bool   `bitfield:",1"`
	Enable       bool   `bitfield:",1"`
}

// msixLocation is the table or PBA locator: BAR indicator in the low bits,
// QWORD aligned offset above.
type msixLocation struct {
	BIR    uint8  `bitfield:",3"`
	Offset uint32 `bitfield:",29"`
}

func (l msixLocation) offset() uint32 { return l.Offset << 3 }

// Message is what a device writes to raise an interrupt.
type Message struct {
	Address uint64
	Data    uint32
}

// MSIX describes a function's MSI-X structures.
type MSIX struct {
	Capability  uint8
	TableSize   int
	TableBAR    int
	TableOffset uint32
	PBABAR      int
	PBAOffset   uint32

	// Physical addresses, set once the BAR is placed.
	TablePhys uint64
	PBAPhys   uint64
}

// ReadMSIX decodes the MSI-X capability of f.
func ReadMSIX(f *Function) (MSIX, bool, error) {
	c, ok, err := f.FindCapability(CapMSIX)
	if err != nil || !ok {
		return MSIX{}, false, err
	}

	var (
		ctrl       MSIXControl
		table, pba msixLocation
		off        = uint16(c.Offset)
	)
	if err := bitfield.Unpack(uint64(f.Read16(off+msixControl)), &ctrl, nil); err != nil {
		return MSIX{}, false, err
	}
	if err := bitfield.Unpack(uint64(f.Read32(off+msixTable)), &table, nil); err != nil {
		return MSIX{}, false, err
	}
	if err := bitfield.Unpack(uint64(f.Read32(off+msixPBA)), &pba, nil); err != nil {
		return MSIX{}, false, err
	}

	return MSIX{
		Capability:  c.Offset,
		TableSize:   int(ctrl.TableSize) + 1,
		TableBAR:    int(table.BIR),
		TableOffset: table.offset(),
		PBABAR:      int(pba.BIR),
		PBAOffset:   pba.offset(),
	}, true, nil
}

// EnableMSIX programs every table entry of f with msg and then sets the
// MSI-X enable bit. The BAR holding the table is placed through w and the
// table is mapped through m. A table and PBA in different BARs is rejected
// before anything is written.
func EnableMSIX(f *Function, w *Windows, m mmio.Mapper, msg Message) (*MSIX, error) {
	x, ok, err := ReadMSIX(f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernel.New("pci", kernel.KindDeviceAbsent, f.Addr.String()+": no MSI-X capability")
	}
	if x.TableBAR != x.PBABAR {
		return nil, kernel.New("pci", kernel.KindUnsupportedLayout,
			fmt.Sprintf("%s: MSI-X table in BAR%d, PBA in BAR%d", f.Addr, x.TableBAR, x.PBABAR))
	}
	if msg.Address&0x3 != 0 {
		return nil, kernel.New("pci", kernel.KindUnsupportedLayout,
			fmt.Sprintf("%s: message address %#x not dword aligned", f.Addr, msg.Address))
	}

	base, err := w.Place(f, x.TableBAR)
	if err != nil {
		return nil, wrapf(err, f, "place MSI-X BAR%d", x.TableBAR)
	}
	x.TablePhys = base + uint64(x.TableOffset)
	x.PBAPhys = base + uint64(x.PBAOffset)
	f.Enable(CommandMemory)

	table, err := m.Map(x.TablePhys, uint64(x.TableSize)*MSIXEntrySize)
	if err != nil {
		return nil, wrapf(err, f, "map MSI-X table at %#x", x.TablePhys)
	}
	for i := 0; i < x.TableSize; i++ {
		e := uint64(i) * MSIXEntrySize
		table.Write32(e+msixEntryAddrLo, uint32(msg.Address))
		table.Write32(e+msixEntryAddrHi, uint32(msg.Address>>32))
		table.Write32(e+msixEntryData, msg.Data)
		table.Write32(e+msixEntryControl, 0) // unmasked
	}

	off := uint16(x.Capability) + msixControl
	var ctrl MSIXControl
	if err := bitfield.Unpack(uint64(f.Read16(off)), &ctrl, nil); err != nil {
		return nil, err
	}
	ctrl.Enable = true
	ctrl.FunctionMask = false
	packed, err := bitfield.Pack(ctrl, &bitfield.Config{NumBits: 16})
	if err != nil {
		return nil, err
	}
	f.Write16(off, uint16(packed))

	pciLog.WithFields(logrus.Fields{
		"bdf":     f.Addr.String(),
		"entries": x.TableSize,
		"table":   fmt.Sprintf("%#x", x.TablePhys),
		"pba":     fmt.Sprintf("%#x", x.PBAPhys),
	}).Info("MSI-X enabled")
	return &x, nil
}
