package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	assert := assert.New(t)
	l := Default()

	assert.NoError(l.Validate())
	assert.Equal(uint64(0x3000_0000), l.PCI.ECAMBase)
	assert.Equal(uint64(0x1010_0000), l.FWCfg.Base)
	assert.Equal(uint64(1<<32), l.Virtio.Features)
	assert.True(l.Display.Enabled)
	assert.Equal(uint64(0x1000_0000), l.Console.UARTBase)
	assert.Equal("info", l.Console.LogLevel)
}

func TestDecode(t *testing.T) {
	l, err := Decode(`
[pci]
window_base = 0x4001_0000

[fw_cfg]
base = 0x0902_0000

[display]
splash = false
`)
	require.NoError(t, err)

	assert := assert.New(t)
	assert.Equal(uint64(0x4001_0000), l.PCI.WindowBase)
	assert.Equal(uint64(0x0902_0000), l.FWCfg.Base)
	assert.False(l.Display.Splash)
	// Untouched fields keep their defaults.
	assert.Equal(uint32(0xf0ffff00), l.Display.ClearColor)
	assert.Equal(50000, l.FWCfg.PollBudget)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "[pci\n"},
		{"unknown key", "[pci]\nbus_count = 4\n"},
		{"unaligned ecam", "[pci]\necam_base = 0x3000_0010\n"},
		{"empty window", "[pci]\nwindow_size = 0\n"},
		{"missing fw_cfg", "[fw_cfg]\nbase = 0\n"},
		{"log level", "[console]\nlog_level = \"loud\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virt.toml")
	require.NoError(t, os.WriteFile(path, []byte("[msix]\ndata = 7\n"), 0o644))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), l.MSIX.Data)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
