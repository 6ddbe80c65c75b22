// Package fwcfg talks to QEMU's firmware configuration device over its MMIO
// interface: a selector, a byte-wide data port and a DMA address register.
package fwcfg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/mmio"
)

var fwLog = klog.New("fwcfg")

// SetLogger sets the logger used by the fwcfg package.
func SetLogger(logger *logrus.Entry) {
	fwLog = logger
}

// Register offsets.
const (
	RegData     = 0x00
	RegSelector = 0x08
	RegDMA      = 0x10

	// RegionSize covers the three registers.
	RegionSize = 0x18
)

// Well known items.
const (
	KeySignature = 0x0000
	KeyID        = 0x0001
	KeyFileDir   = 0x0019
	KeyFileFirst = 0x0020
)

// Bits of the ID item. QEMU sets bit 0 on every fw_cfg; only bit 1 means the
// DMA register exists, so a device reporting bit 0 alone gets no DMA.
const (
	FeatureTraditional = 1 << 0
	FeatureDMA         = 1 << 1
)

// Signature is what the signature item reads on QEMU.
const Signature = "QEMU"

const (
	// DirEntrySize is the size of one directory entry.
	DirEntrySize = 64

	// MaxNameLen is the longest file name, excluding the NUL.
	MaxNameLen = 55

	// DefaultMaxFiles bounds the directory count.
	DefaultMaxFiles = 4096

	defaultBounce = 4096
)

// File is a directory entry.
type File struct {
	Size   uint32
	Select uint16
	Name   string
}

func (f File) String() string {
	return fmt.Sprintf("%#06x %8d %s", f.Select, f.Size, f.Name)
}

// Options tune a Device. Zero values pick the defaults.
type Options struct {
	// PollBudget bounds the wait for a DMA transfer to complete.
	PollBudget int

	// MaxFiles is the largest directory count accepted.
	MaxFiles int

	// BounceSize is the DMA bounce buffer size. Larger transfers are split.
	BounceSize int
}

// Device owns the fw_cfg registers. The selector is shared state, so every
// selection and transfer holds mu.
type Device struct {
	mu    sync.Mutex
	r     mmio.Region
	alloc mmio.Allocator
	opts  Options

	desc   *mmio.Buffer
	bounce *mmio.Buffer

	features uint32
	probed   bool
}

// New returns a Device over the mapped register block. alloc provides DMA
// memory and may be nil when only the data port is used.
func New(r mmio.Region, alloc mmio.Allocator, opts Options) *Device {
	if opts.PollBudget <= 0 {
		opts.PollBudget = mmio.DefaultPollBudget
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.BounceSize <= 0 {
		opts.BounceSize = defaultBounce
	}
	return &Device{r: r, alloc: alloc, opts: opts}
}

// Probe checks the signature and reads the feature bits. A device that does
// not answer "QEMU" is reported as absent.
func (d *Device) Probe() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sig [4]byte
	d.selectKey(KeySignature)
	d.read(sig[:])
	if string(sig[:]) != Signature {
		return kernel.New("fwcfg", kernel.KindDeviceAbsent, fmt.Sprintf("bad signature %q", sig[:]))
	}

	var id [4]byte
	d.selectKey(KeyID)
	d.read(id[:])
	d.features = binary.LittleEndian.Uint32(id[:])
	d.probed = true

	fwLog.WithField("features", fmt.Sprintf("%#x", d.features)).Debug("fw_cfg present")
	return nil
}

// Features returns the ID item read by Probe.
func (d *Device) Features() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// SupportsDMA reports whether Probe saw the DMA feature bit.
func (d *Device) SupportsDMA() bool {
	return d.Features()&FeatureDMA != 0
}

// Select makes key the current item and rewinds it.
func (d *Device) Select(key uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectKey(key)
}

// Read streams len(p) bytes of the current item from the data port. Reads
// past the end of the item return zeros.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.read(p)
	return len(p), nil
}

// ReadKey selects key and reads len(p) bytes of it through the data port.
func (d *Device) ReadKey(key uint16, p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectKey(key)
	d.read(p)
}

func (d *Device) selectKey(key uint16) {
	mmio.WriteBE16(d.r, RegSelector, key)
}

func (d *Device) read(p []byte) {
	for i := range p {
		p[i] = d.r.Read8(RegData)
	}
}

// readCount selects the directory and reads its entry count.
func (d *Device) readCount() (uint32, error) {
	var b [4]byte
	d.selectKey(KeyFileDir)
	d.read(b[:])
	count := binary.BigEndian.Uint32(b[:])
	if count > uint32(d.opts.MaxFiles) {
		return 0, kernel.New("fwcfg", kernel.KindMalformedDirectory,
			fmt.Sprintf("directory claims %d files (limit %d)", count, d.opts.MaxFiles))
	}
	return count, nil
}

// readEntry reads the next directory entry from the data port.
func (d *Device) readEntry() File {
	var e [DirEntrySize]byte
	d.read(e[:])
	name := e[8:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return File{
		Size:   binary.BigEndian.Uint32(e[0:]),
		Select: binary.BigEndian.Uint16(e[4:]),
		Name:   string(name),
	}
}

// FindFile scans the directory for name and stops at the first match. A
// missing file is not an error: ok is false.
func (d *Device) FindFile(name string) (f File, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	count, err := d.readCount()
	if err != nil {
		return File{}, false, err
	}
	for i := uint32(0); i < count; i++ {
		if e := d.readEntry(); e.Name == name {
			return e, true, nil
		}
	}
	return File{}, false, nil
}

// Files lists the whole directory.
func (d *Device) Files() ([]File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	count, err := d.readCount()
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, count)
	for i := uint32(0); i < count; i++ {
		files = append(files, d.readEntry())
	}
	return files, nil
}
