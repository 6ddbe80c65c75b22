// Package ramfb sets up QEMU's RAM framebuffer: a linear buffer in guest
// memory whose location and mode are handed to the display through the
// etc/ramfb fw_cfg file.
package ramfb

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/fwcfg"
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/kernel/klog"
)

var fbLog = klog.New("ramfb")

// SetLogger sets the logger used by the ramfb package.
func SetLogger(logger *logrus.Entry) {
	fbLog = logger
}

// FileName is the fw_cfg file the descriptor is written to.
const FileName = "etc/ramfb"

// DRM fourcc codes.
const (
	FourCCARGB8888 uint32 = 'A' | 'R'<<8 | '2'<<16 | '4'<<24 // AR24
	FourCCXRGB8888 uint32 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24 // XR24
)

// The mode the kernel always uses.
const (
	Width         = 1280
	Height        = 720
	BytesPerPixel = 4
	Stride        = Width * BytesPerPixel
)

// ConfigSize is the size of the descriptor on the wire.
const ConfigSize = 28

// Config is the etc/ramfb descriptor. It travels big-endian.
type Config struct {
	Addr   uint64
	FourCC uint32
	Flags  uint32
	Width  uint32
	Height uint32
	Stride uint32
}

// MarshalBinary encodes the descriptor.
func (c Config) MarshalBinary() ([]byte, error) {
	b := make([]byte, ConfigSize)
	binary.BigEndian.PutUint64(b[0:], c.Addr)
	binary.BigEndian.PutUint32(b[8:], c.FourCC)
	binary.BigEndian.PutUint32(b[12:], c.Flags)
	binary.BigEndian.PutUint32(b[16:], c.Width)
	binary.BigEndian.PutUint32(b[20:], c.Height)
	binary.BigEndian.PutUint32(b[24:], c.Stride)
	return b, nil
}

// UnmarshalBinary decodes a descriptor.
func (c *Config) UnmarshalBinary(b []byte) error {
	if len(b) < ConfigSize {
		return errors.Errorf("ramfb: descriptor is %d bytes, want %d", len(b), ConfigSize)
	}
	*c = Config{
		Addr:   binary.BigEndian.Uint64(b[0:]),
		FourCC: binary.BigEndian.Uint32(b[8:]),
		Flags:  binary.BigEndian.Uint32(b[12:]),
		Width:  binary.BigEndian.Uint32(b[16:]),
		Height: binary.BigEndian.Uint32(b[20:]),
		Stride: binary.BigEndian.Uint32(b[24:]),
	}
	return nil
}

// Transport is the part of the fw_cfg client Setup needs.
type Transport interface {
	FindFile(name string) (fwcfg.File, bool, error)
	WriteItem(key uint16, data []byte) error
}

var ready atomic.Bool

// Ready reports whether a framebuffer was handed to the display.
func Ready() bool {
	return ready.Load()
}

// Setup points the display at s. On any failure the framebuffer stays
// unavailable; there is no retry.
func Setup(t Transport, s *Surface) error {
	f, ok, err := t.FindFile(FileName)
	if err != nil {
		return errors.Wrap(err, "ramfb: look up "+FileName)
	}
	if !ok {
		return kernel.New("ramfb", kernel.KindDeviceAbsent, FileName+" not present")
	}
	if f.Size < ConfigSize {
		return kernel.New("ramfb", kernel.KindUnsupportedLayout,
			fmt.Sprintf("%s is %d bytes, want %d", FileName, f.Size, ConfigSize))
	}

	c := s.Config()
	b, _ := c.MarshalBinary()
	if err := t.WriteItem(f.Select, b); err != nil {
		return errors.Wrap(err, "ramfb: write descriptor")
	}
	ready.Store(true)

	fbLog.WithFields(logrus.Fields{
		"addr":   fmt.Sprintf("%#x", c.Addr),
		"width":  c.Width,
		"height": c.Height,
		"stride": c.Stride,
	}).Info("framebuffer ready")
	return nil
}
