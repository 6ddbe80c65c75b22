package kernel

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKernelError(t *testing.T) {
	assert := assert.New(t)

	err := New("pci", KindMalformedCapabilityChain, "offset 0x3c revisited")
	assert.Equal("pci: malformed capability chain: offset 0x3c revisited", err.Error())
	assert.Equal("timeout", ErrTimeout.Error())
	assert.Equal("fwcfg: device absent", New("fwcfg", KindDeviceAbsent, "").Error())
}

func TestKernelErrorIs(t *testing.T) {
	assert := assert.New(t)

	err := errors.Wrapf(New("virtio", KindDeviceInitFailed, "FEATURES_OK cleared"), "device 00:03.0")
	assert.True(errors.Is(err, ErrDeviceInitFailed))
	assert.False(errors.Is(err, ErrTimeout))
	assert.Equal(KindDeviceInitFailed, KindOf(err))
	assert.Equal(KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(KindUnknown, KindOf(nil))

	// A timeout is never reported as a DMA error.
	assert.False(errors.Is(New("fwcfg", KindTimeout, ""), ErrDMATransfer))
}
