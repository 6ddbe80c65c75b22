// Package pci enumerates bus 0 of a PCI Express ECAM window, walks capability
// chains, moves BARs into kernel-chosen windows and programs MSI-X tables.
package pci

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/mmio"
)

var pciLog = klog.New("pci")

// SetLogger sets the logger used by the pci package.
func SetLogger(logger *logrus.Entry) {
	pciLog = logger
}

// Configuration space offsets of a type 0 header.
const (
	OffVendorID          = 0x00
	OffDeviceID          = 0x02
	OffCommand           = 0x04
	OffStatus            = 0x06
	OffRevision          = 0x08
	OffProgIF            = 0x09
	OffSubclass          = 0x0A
	OffClass             = 0x0B
	OffHeaderType        = 0x0E
	OffBAR0              = 0x10
	OffSubsystemVendorID = 0x2C
	OffSubsystemID       = 0x2E
	OffCapabilities      = 0x34
	OffInterruptLine     = 0x3C
	OffInterruptPin      = 0x3D
)

const (
	// Devices per bus and functions per device.
	MaxDevices   = 32
	MaxFunctions = 8

	// FunctionSize is the ECAM window of one function.
	FunctionSize = 4096

	// VendorNone reads back from an absent function.
	VendorNone = 0xFFFF

	headerMultiFunction = 0x80
	headerTypeMask      = 0x7F
)

// Address locates a function on bus 0.
type Address struct {
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("00:%02x.%d", a.Device, a.Function)
}

// ecamOffset is the function's offset from the ECAM base.
func (a Address) ecamOffset() uint64 {
	return uint64(a.Device)<<15 | uint64(a.Function)<<12
}

// Header is the decoded common part of a function's configuration space.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Command           Command
	Status            Status
	Revision          uint8
	Class             uint8
	Subclass          uint8
	ProgIF            uint8
	HeaderType        uint8
	MultiFunction     bool
	SubsystemVendorID uint16
	SubsystemID       uint16
	CapabilityPointer uint8
	InterruptLine     uint8
	InterruptPin      uint8
}

// Bus is bus 0 of an ECAM window.
type Bus struct {
	ecam mmio.Region
}

// NewBus returns the bus whose configuration space is mapped at ecam.
func NewBus(ecam mmio.Region) *Bus {
	return &Bus{ecam: ecam}
}

// Function returns the accessor for addr. It does not check the function is
// present.
func (b *Bus) Function(addr Address) *Function {
	return &Function{Addr: addr, cfg: mmio.Sub(b.ecam, addr.ecamOffset())}
}

// Probe returns the function at addr if its vendor id is not 0xFFFF.
func (b *Bus) Probe(addr Address) (*Function, bool) {
	f := b.Function(addr)
	if f.VendorID() == VendorNone {
		return nil, false
	}
	f.Header = f.ReadHeader()
	return f, true
}

// Enumerate returns every present function of bus 0 in device, function
// order. Absent functions are skipped without reading further fields.
func (b *Bus) Enumerate() []*Function {
	var found []*Function
	for dev := uint8(0); dev < MaxDevices; dev++ {
		for fn := uint8(0); fn < MaxFunctions; fn++ {
			f, ok := b.Probe(Address{Device: dev, Function: fn})
			if !ok {
				continue
			}
			pciLog.WithFields(logrus.Fields{
				"bdf":    f.Addr.String(),
				"vendor": fmt.Sprintf("%#04x", f.Header.VendorID),
				"device": fmt.Sprintf("%#04x", f.Header.DeviceID),
				"class":  fmt.Sprintf("%02x%02x", f.Header.Class, f.Header.Subclass),
			}).Debug("function present")
			found = append(found, f)
		}
	}
	return found
}

// Find returns the first function with the vendor and device ids.
func (b *Bus) Find(vendor, device uint16) (*Function, error) {
	for dev := uint8(0); dev < MaxDevices; dev++ {
		for fn := uint8(0); fn < MaxFunctions; fn++ {
			f, ok := b.Probe(Address{Device: dev, Function: fn})
			if ok && f.Header.VendorID == vendor && f.Header.DeviceID == device {
				return f, nil
			}
		}
	}
	return nil, kernel.New("pci", kernel.KindDeviceAbsent,
		fmt.Sprintf("no function %04x:%04x on bus 0", vendor, device))
}

// Function is the configuration space accessor of one function.
type Function struct {
	Addr   Address
	Header Header

	cfg mmio.Region
}

// NewFunction wraps a region holding one function's configuration space.
func NewFunction(addr Address, cfg mmio.Region) *Function {
	f := &Function{Addr: addr, cfg: cfg}
	f.Header = f.ReadHeader()
	return f
}

func (f *Function) Read8(off uint16) uint8       { return f.cfg.Read8(uint64(off)) }
func (f *Function) Read16(off uint16) uint16     { return f.cfg.Read16(uint64(off)) }
func (f *Function) Read32(off uint16) uint32     { return f.cfg.Read32(uint64(off)) }
func (f *Function) Write8(off uint16, v uint8)   { f.cfg.Write8(uint64(off), v) }
func (f *Function) Write16(off uint16, v uint16) { f.cfg.Write16(uint64(off), v) }
func (f *Function) Write32(off uint16, v uint32) { f.cfg.Write32(uint64(off), v) }
func (f *Function) VendorID() uint16             { return f.Read16(OffVendorID) }
func (f *Function) DeviceID() uint16             { return f.Read16(OffDeviceID) }
func (f *Function) Status() Status               { return Status(f.Read16(OffStatus)) }
func (f *Function) Command() Command             { return Command(f.Read16(OffCommand)) }
func (f *Function) SetCommand(c Command)         { f.Write16(OffCommand, uint16(c)) }
func (f *Function) String() string               { return f.Addr.String() }

// ReadHeader decodes the header registers.
func (f *Function) ReadHeader() Header {
	ht := f.Read8(OffHeaderType)
	return Header{
		VendorID:          f.VendorID(),
		DeviceID:          f.DeviceID(),
		Command:           f.Command(),
		Status:            f.Status(),
		Revision:          f.Read8(OffRevision),
		Class:             f.Read8(OffClass),
		Subclass:          f.Read8(OffSubclass),
		ProgIF:            f.Read8(OffProgIF),
		HeaderType:        ht & headerTypeMask,
		MultiFunction:     ht&headerMultiFunction != 0,
		SubsystemVendorID: f.Read16(OffSubsystemVendorID),
		SubsystemID:       f.Read16(OffSubsystemID),
		CapabilityPointer: f.Read8(OffCapabilities) &^ 3,
		InterruptLine:     f.Read8(OffInterruptLine),
		InterruptPin:      f.Read8(OffInterruptPin),
	}
}

// Enable sets bits in the command register.
func (f *Function) Enable(bits Command) {
	c := f.Command()
	if c&bits == bits {
		return
	}
	f.SetCommand(c | bits)
	pciLog.WithField("bdf", f.Addr.String()).Debugf("command %#04x", uint16(c|bits))
}

// EnableDevice turns on memory decoding and bus mastering.
func (f *Function) EnableDevice() {
	f.Enable(CommandMemory | CommandBusMaster)
}

// Command is the command register.
type Command uint16

const (
	CommandIO               Command = 1 << 0
	CommandMemory           Command = 1 << 1
	CommandBusMaster        Command = 1 << 2
	CommandParityResponse   Command = 1 << 6
	CommandSERR             Command = 1 << 8
	CommandInterruptDisable Command = 1 << 10
)

// Status is the status register.
type Status uint16

const (
	StatusInterrupt           Status = 1 << 3
	StatusCapabilitiesList    Status = 1 << 4
	StatusMasterDataParity    Status = 1 << 8
	StatusSignaledTargetAbort Status = 1 << 11
	StatusReceivedTargetAbort Status = 1 << 12
	StatusReceivedMasterAbort Status = 1 << 13
	StatusSignaledSystemError Status = 1 << 14
	StatusDetectedParityError Status = 1 << 15
)

func (s Status) HasCapabilities() bool     { return s&StatusCapabilitiesList != 0 }
func (s Status) InterruptPending() bool    { return s&StatusInterrupt != 0 }
func (s Status) ReceivedMasterAbort() bool { return s&StatusReceivedMasterAbort != 0 }
func (s Status) ReceivedTargetAbort() bool { return s&StatusReceivedTargetAbort != 0 }
func (s Status) ParityError() bool         { return s&StatusDetectedParityError != 0 }

// Errors reports whether any error bit is latched.
func (s Status) Errors() bool {
	return s&(StatusMasterDataParity|StatusSignaledTargetAbort|StatusReceivedTargetAbort|
		StatusReceivedMasterAbort|StatusSignaledSystemError|StatusDetectedParityError) != 0
}

func wrapf(err error, f *Function, format string, args ...interface{}) error {
	return errors.Wrapf(err, "%s: "+format, append([]interface{}{f.Addr}, args...)...)
}
