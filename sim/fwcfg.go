package sim

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FWCfgSize is the size of the fw_cfg MMIO register block.
const FWCfgSize = 0x18

// fw_cfg register offsets and items.
const (
	fwData     = 0x00
	fwSelector = 0x08
	fwDMA      = 0x10

	fwSignature = 0x0000
	fwID        = 0x0001
	fwFileDir   = 0x0019
	fwFileFirst = 0x0020

	fwIDTraditional = 1 << 0
	fwIDDMA         = 1 << 1

	fwDMAError  = 1 << 0
	fwDMARead   = 1 << 1
	fwDMASkip   = 1 << 2
	fwDMASelect = 1 << 3
	fwDMAWrite  = 1 << 4
)

type fwFile struct {
	name     string
	selector uint16
	data     []byte
	writable bool
	onWrite  func(data []byte) error
}

// FWCfg is the fw_cfg device with the MMIO interface and DMA.
type FWCfg struct {
	mu sync.Mutex
	m  *Machine

	selector  uint16
	offset    uint32
	bytesRead int
	dmaHigh   uint32

	signature []byte
	dma       bool
	stall     bool
	dirCount  *uint32
	dmaCount  int

	files map[uint16]*fwFile
	next  uint16
}

// NewFWCfg returns a fw_cfg device doing DMA against m's RAM.
func NewFWCfg(m *Machine) *FWCfg {
	return &FWCfg{
		m:         m,
		signature: []byte("QEMU"),
		dma:       true,
		files:     make(map[uint16]*fwFile),
		next:      fwFileFirst,
	}
}

// AddFile adds a read-only file and returns its selector.
func (f *FWCfg) AddFile(name string, data []byte) uint16 {
	return f.add(&fwFile{name: name, data: data})
}

// AddWritableFile adds a file the driver may write through DMA. onWrite, if
// set, sees the whole file after every write; an error fails the transfer.
func (f *FWCfg) AddWritableFile(name string, data []byte, onWrite func(data []byte) error) uint16 {
	return f.add(&fwFile{name: name, data: data, writable: true, onWrite: onWrite})
}

func (f *FWCfg) add(file *fwFile) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	file.selector = f.next
	f.next++
	f.files[file.selector] = file
	return file.selector
}

// SetSignature replaces the signature item.
func (f *FWCfg) SetSignature(sig string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signature = []byte(sig)
}

// SetDMA turns the DMA interface on or off.
func (f *FWCfg) SetDMA(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dma = on
}

// StallDMA makes the device accept DMA requests without completing them.
func (f *FWCfg) StallDMA(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = on
}

// OverrideDirectoryCount makes the directory claim n entries.
func (f *FWCfg) OverrideDirectoryCount(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirCount = &n
}

// BytesRead returns how many bytes were read through the data register since
// the last selection.
func (f *FWCfg) BytesRead() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesRead
}

// DMACount returns the number of DMA requests the device has seen.
func (f *FWCfg) DMACount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dmaCount
}

// File returns a copy of the named file's contents.
func (f *FWCfg) File(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files {
		if file.name == name {
			return append([]byte(nil), file.data...), true
		}
	}
	return nil, false
}

// directory must be called with mu held.
func (f *FWCfg) directory() []byte {
	sels := make([]int, 0, len(f.files))
	for sel := range f.files {
		sels = append(sels, int(sel))
	}
	sort.Ints(sels)

	dir := make([]byte, 4+64*len(sels))
	count := uint32(len(sels))
	if f.dirCount != nil {
		count = *f.dirCount
	}
	binary.BigEndian.PutUint32(dir, count)
	for i, sel := range sels {
		file := f.files[uint16(sel)]
		e := dir[4+64*i:]
		binary.BigEndian.PutUint32(e[0:], uint32(len(file.data)))
		binary.BigEndian.PutUint16(e[4:], file.selector)
		name := file.name
		if len(name) > 55 {
			name = name[:55]
		}
		copy(e[8:64], name)
	}
	return dir
}

// item must be called with mu held.
func (f *FWCfg) item() []byte {
	switch f.selector {
	case fwSignature:
		return f.signature
	case fwID:
		id := uint32(fwIDTraditional)
		if f.dma {
			id |= fwIDDMA
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], id)
		return b[:]
	case fwFileDir:
		return f.directory()
	}
	if file, ok := f.files[f.selector]; ok {
		return file.data
	}
	return nil
}

// ReadMMIO implements Device.
func (f *FWCfg) ReadMMIO(off uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case off == fwData:
		item := f.item()
		for i := range data {
			if int(f.offset) < len(item) {
				data[i] = item[f.offset]
				f.offset++
			} else {
				data[i] = 0
			}
			f.bytesRead++
		}
	default:
		for i := range data {
			data[i] = 0
		}
	}
}

// WriteMMIO implements Device.
func (f *FWCfg) WriteMMIO(off uint64, data []byte) {
	switch {
	case off == fwSelector && len(data) == 2:
		f.mu.Lock()
		f.selector = binary.BigEndian.Uint16(data)
		f.offset = 0
		f.bytesRead = 0
		f.mu.Unlock()
	case off == fwDMA && len(data) == 8:
		f.handleDMA(binary.BigEndian.Uint64(data))
	case off == fwDMA && len(data) == 4:
		f.mu.Lock()
		f.dmaHigh = binary.BigEndian.Uint32(data)
		f.mu.Unlock()
	case off == fwDMA+4 && len(data) == 4:
		f.mu.Lock()
		high := f.dmaHigh
		f.mu.Unlock()
		f.handleDMA(uint64(high)<<32 | uint64(binary.BigEndian.Uint32(data)))
	}
}

func (f *FWCfg) handleDMA(addr uint64) {
	f.mu.Lock()
	f.dmaCount++
	if !f.dma || f.stall {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	var desc [16]byte
	if !f.m.ReadPhys(addr, desc[:]) {
		simLog.WithField("addr", addr).Warn("fw_cfg DMA descriptor outside RAM")
		return
	}
	control := binary.BigEndian.Uint32(desc[0:])
	length := binary.BigEndian.Uint32(desc[4:])
	target := binary.BigEndian.Uint64(desc[8:])

	result := uint32(0)
	if err := f.transfer(control, length, target); err != nil {
		simLog.WithError(err).WithFields(logrus.Fields{
			"control": control,
			"length":  length,
		}).Debug("fw_cfg DMA failed")
		result = fwDMAError
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], result)
	f.m.WritePhys(addr, out[:])
}

func (f *FWCfg) transfer(control, length uint32, target uint64) error {
	f.mu.Lock()
	if control&fwDMASelect != 0 {
		f.selector = uint16(control >> 16)
		f.offset = 0
		f.bytesRead = 0
	}
	sel := f.selector

	switch {
	case control&fwDMARead != 0:
		item := f.item()
		buf := make([]byte, length)
		if int(f.offset) < len(item) {
			n := copy(buf, item[f.offset:])
			f.offset += uint32(n)
		}
		f.mu.Unlock()
		if !f.m.WritePhys(target, buf) {
			return errors.Errorf("read target %#x outside RAM", target)
		}
		return nil

	case control&fwDMAWrite != 0:
		file, ok := f.files[sel]
		if !ok {
			f.mu.Unlock()
			return errors.Errorf("write to item %#x", sel)
		}
		if uint64(f.offset)+uint64(length) > uint64(len(file.data)) {
			f.mu.Unlock()
			return errors.Errorf("write of %d bytes past end of %s", length, file.name)
		}
		if !file.writable {
			f.mu.Unlock()
			return errors.Errorf("%s is read-only", file.name)
		}
		buf := make([]byte, length)
		if !f.m.ReadPhys(target, buf) {
			f.mu.Unlock()
			return errors.Errorf("write source %#x outside RAM", target)
		}
		copy(file.data[f.offset:], buf)
		f.offset += length
		data := append([]byte(nil), file.data...)
		cb := file.onWrite
		f.mu.Unlock()
		if cb != nil {
			return cb(data)
		}
		return nil

	case control&fwDMASkip != 0:
		f.offset += length
	}
	f.mu.Unlock()
	return nil
}
