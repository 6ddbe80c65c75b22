package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algebnaly/tos/config"
	"github.com/algebnaly/tos/sim"
)

const testMachine = `
ram_size = 0x2000000

[[device]]
slot = 3
type = "console"
features = 0x100000000
queues = 2
vectors = 3

[[device]]
slot = 4
type = "net"
features = 0x100000000
queues = 2
reject_features = true
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{name}, args...))
	return out.String(), err
}

func TestDecodeMachine(t *testing.T) {
	mf, err := decodeMachine(testMachine)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000000), mf.RAMSize)
	require.Len(t, mf.Devices, 2)

	s, err := mf.Devices[0].slot()
	require.NoError(t, err)
	assert.Equal(t, uint8(3), s.Device)
	assert.Equal(t, uint16(sim.VirtioConsole), s.Virtio.Type)
	assert.Equal(t, 3, s.Virtio.MSIXVectors)
	assert.True(t, mf.Devices[1].RejectFeatures)

	_, err = decodeMachine("[[device]]\nslot = 1\ncolour = 2\n")
	assert.Error(t, err)

	_, err = machineDevice{Slot: 1, Type: "toaster"}.slot()
	assert.Error(t, err)
}

func TestNewMachine(t *testing.T) {
	v, err := newMachine(config.Default(), nil)
	require.NoError(t, err)
	assert.Len(t, v.Devices, 2)

	mf, err := decodeMachine(testMachine)
	require.NoError(t, err)
	v, err = newMachine(config.Default(), &mf)
	require.NoError(t, err)
	assert.Len(t, v.Devices, 2)
	assert.Equal(t, uint64(0x2000000), v.Config().RAMSize)
}

func TestRunCommand(t *testing.T) {
	png := filepath.Join(t.TempDir(), "fb.png")
	out, err := run(t, "run", "--png", png)
	require.NoError(t, err)

	assert.Contains(t, out, "00:01.0  entropy")
	assert.Contains(t, out, "00:02.0  sound")
	assert.Contains(t, out, "display: true")

	info, err := os.Stat(png)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestRunConsole(t *testing.T) {
	out, err := run(t, "run", "--console")
	require.NoError(t, err)

	assert.Contains(t, out, "virtio device ready")
	assert.Contains(t, out, "\r\n")
	assert.Contains(t, out, "display: true")
}

func TestRunCommandFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	require.NoError(t, os.WriteFile(path, []byte(testMachine), 0o644))

	out, err := run(t, "--machine", path, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "00:04.0")
	assert.Contains(t, out, "console")
	assert.NotContains(t, out, "net")
}

func TestLspciCommand(t *testing.T) {
	out, err := run(t, "lspci")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "00:00.0 0600: 1b36:0008", lines[0])
	assert.Contains(t, out, "00:01.0 ff00: 1af4:1044 virtio-entropy")
	assert.Contains(t, out, "msi-x")
	assert.Contains(t, out, "cfg_type=1 bar=4 offset=0x0 length=0x1000")
}

func TestFWCfgCommand(t *testing.T) {
	out, err := run(t, "fwcfg")
	require.NoError(t, err)
	assert.Contains(t, out, "dma: true")
	assert.Contains(t, out, "etc/ramfb")
	assert.Contains(t, out, "etc/boot-fail-wait")
}

func TestConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.toml")
	require.NoError(t, os.WriteFile(path, []byte("[display]\nenabled = false\n"), 0o644))

	out, err := run(t, "--config", path, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "display: false")

	require.NoError(t, os.WriteFile(path, []byte("[display]\nbogus = 1\n"), 0o644))
	_, err = run(t, "--config", path, "run")
	assert.Error(t, err)
}
