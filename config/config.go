// Package config describes the physical layout the kernel brings up against.
// The defaults match QEMU's riscv64 virt machine; a TOML file can override any
// field for other boards or for the simulator.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Layout is the complete bring-up configuration.
type Layout struct {
	PCI     PCI     `toml:"pci"`
	FWCfg   FWCfg   `toml:"fw_cfg"`
	MSIX    MSIX    `toml:"msix"`
	Virtio  Virtio  `toml:"virtio"`
	Display Display `toml:"display"`
	Console Console `toml:"console"`
}

// PCI places the ECAM window and the carve-out BARs are moved into.
type PCI struct {
	ECAMBase uint64 `toml:"ecam_base"`

	// ECAMSize covers bus 0 only: 32 devices * 8 functions * 4 KiB.
	ECAMSize uint64 `toml:"ecam_size"`

	// BARs are placed sequentially inside [WindowBase, WindowBase+WindowSize).
	WindowBase uint64 `toml:"window_base"`
	WindowSize uint64 `toml:"window_size"`
}

// FWCfg locates the fw_cfg MMIO register block.
type FWCfg struct {
	Base uint64 `toml:"base"`

	// PollBudget bounds the DMA completion poll.
	PollBudget int `toml:"poll_budget"`

	// MaxFiles rejects directories claiming more entries.
	MaxFiles uint32 `toml:"max_files"`
}

// MSIX is the message every table entry is programmed with.
type MSIX struct {
	Address uint64 `toml:"address"`
	Data    uint32 `toml:"data"`
}

// Virtio is the driver side of feature negotiation.
type Virtio struct {
	// Features is the mask of device features the driver accepts.
	Features uint64 `toml:"features"`

	// ResetBudget bounds the wait for device_status to read back zero.
	ResetBudget int `toml:"reset_budget"`
}

// Display controls RAMFB bring-up.
type Display struct {
	Enabled    bool   `toml:"enabled"`
	ClearColor uint32 `toml:"clear_color"`
	Splash     bool   `toml:"splash"`
}

// Console is where the kernel log goes.
type Console struct {
	UARTBase uint64 `toml:"uart_base"`
	LogLevel string `toml:"log_level"`
}

// Default returns the layout of QEMU riscv64 virt.
func Default() Layout {
	return Layout{
		PCI: PCI{
			ECAMBase:   0x3000_0000,
			ECAMSize:   32 * 8 * 4096,
			WindowBase: 0x4000_0000,
			WindowSize: 0x4000_0000,
		},
		FWCfg: FWCfg{
			Base:       0x1010_0000,
			PollBudget: 50000,
			MaxFiles:   4096,
		},
		MSIX: MSIX{
			// S-mode IMSIC of hart 0.
			Address: 0x2800_0000,
			Data:    1,
		},
		Virtio: Virtio{
			Features:    1 << 32, // VIRTIO_F_VERSION_1
			ResetBudget: 1000,
		},
		Display: Display{
			Enabled:    true,
			ClearColor: 0xf0ffff00,
			Splash:     true,
		},
		Console: Console{
			UARTBase: 0x1000_0000,
			LogLevel: "info",
		},
	}
}

// Decode parses a TOML document on top of the defaults.
func Decode(data string) (Layout, error) {
	l := Default()
	md, err := toml.Decode(data, &l)
	if err != nil {
		return Layout{}, errors.Wrap(err, "config: decode")
	}
	if err := undecoded(md); err != nil {
		return Layout{}, err
	}
	return l, l.Validate()
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (Layout, error) {
	l := Default()
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return Layout{}, errors.Wrapf(err, "config: load %s", path)
	}
	if err := undecoded(md); err != nil {
		return Layout{}, errors.Wrapf(err, "config: load %s", path)
	}
	return l, l.Validate()
}

func undecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return errors.Errorf("config: unknown keys %s", strings.Join(names, ", "))
}

// Validate checks the layout is usable.
func (l Layout) Validate() error {
	switch {
	case l.PCI.ECAMSize < 4096:
		return errors.Errorf("config: ecam_size %#x smaller than one function", l.PCI.ECAMSize)
	case l.PCI.ECAMBase&0xfff != 0:
		return errors.Errorf("config: ecam_base %#x not page aligned", l.PCI.ECAMBase)
	case l.PCI.WindowBase&0xfff != 0:
		return errors.Errorf("config: window_base %#x not page aligned", l.PCI.WindowBase)
	case l.PCI.WindowSize == 0:
		return errors.New("config: empty BAR window")
	case l.PCI.WindowBase+l.PCI.WindowSize < l.PCI.WindowBase:
		return errors.New("config: BAR window wraps")
	case l.FWCfg.Base == 0:
		return errors.New("config: fw_cfg base not set")
	case l.MSIX.Address&0x3 != 0:
		return errors.Errorf("config: msix address %#x not dword aligned", l.MSIX.Address)
	}
	if _, err := logrus.ParseLevel(l.Console.LogLevel); err != nil {
		return errors.Wrap(err, "config: console")
	}
	return nil
}
