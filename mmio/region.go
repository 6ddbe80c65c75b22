// Package mmio provides register access to physical windows. A Region is
// little-endian, the native order of RISC-V; the BE helpers convert for
// devices that speak big-endian, such as fw_cfg.
package mmio

import "math/bits"

// Region is a window of device registers addressed by byte offset.
type Region interface {
	Read8(off uint64) uint8
	Read16(off uint64) uint16
	Read32(off uint64) uint32
	Read64(off uint64) uint64
	Write8(off uint64, v uint8)
	Write16(off uint64, v uint16)
	Write32(off uint64, v uint32)
	Write64(off uint64, v uint64)
}

// ReadBE16 reads a big-endian 16-bit register.
func ReadBE16(r Region, off uint64) uint16 { return bits.ReverseBytes16(r.Read16(off)) }

// ReadBE32 reads a big-endian 32-bit register.
func ReadBE32(r Region, off uint64) uint32 { return bits.ReverseBytes32(r.Read32(off)) }

// ReadBE64 reads a big-endian 64-bit register.
func ReadBE64(r Region, off uint64) uint64 { return bits.ReverseBytes64(r.Read64(off)) }

// WriteBE16 writes v to a big-endian 16-bit register.
func WriteBE16(r Region, off uint64, v uint16) { r.Write16(off, bits.ReverseBytes16(v)) }

// WriteBE32 writes v to a big-endian 32-bit register.
func WriteBE32(r Region, off uint64, v uint32) { r.Write32(off, bits.ReverseBytes32(v)) }

// WriteBE64 writes v to a big-endian 64-bit register.
func WriteBE64(r Region, off uint64, v uint64) { r.Write64(off, bits.ReverseBytes64(v)) }

// Sub returns a view of r starting at off.
func Sub(r Region, off uint64) Region {
	if s, ok := r.(sub); ok {
		return sub{r: s.r, base: s.base + off}
	}
	return sub{r: r, base: off}
}

type sub struct {
	r    Region
	base uint64
}

func (s sub) Read8(off uint64) uint8       { return s.r.Read8(s.base + off) }
func (s sub) Read16(off uint64) uint16     { return s.r.Read16(s.base + off) }
func (s sub) Read32(off uint64) uint32     { return s.r.Read32(s.base + off) }
func (s sub) Read64(off uint64) uint64     { return s.r.Read64(s.base + off) }
func (s sub) Write8(off uint64, v uint8)   { s.r.Write8(s.base+off, v) }
func (s sub) Write16(off uint64, v uint16) { s.r.Write16(s.base+off, v) }
func (s sub) Write32(off uint64, v uint32) { s.r.Write32(s.base+off, v) }
func (s sub) Write64(off uint64, v uint64) { s.r.Write64(s.base+off, v) }
