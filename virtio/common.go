package virtio

import "github.com/algebnaly/tos/mmio"

// Common configuration register offsets.
const (
	regDeviceFeatureSelect = 0x00
	regDeviceFeature       = 0x04
	regDriverFeatureSelect = 0x08
	regDriverFeature       = 0x0C
	regConfigMSIXVector    = 0x10
	regNumQueues           = 0x12
	regDeviceStatus        = 0x14
	regConfigGeneration    = 0x15
	regQueueSelect         = 0x16
	regQueueSize           = 0x18
	regQueueMSIXVector     = 0x1A
	regQueueEnable         = 0x1C
	regQueueNotifyOff      = 0x1E
	regQueueDesc           = 0x20
	regQueueDriver         = 0x28
	regQueueDevice         = 0x30

	// CommonConfigSize is the length of the structure up to queue_device.
	CommonConfigSize = 0x38
)

// NoVector disables an MSI-X vector.
const NoVector = 0xFFFF

// CommonConfig is a live view of a device's common configuration structure.
// It is only valid while the BAR it lives in stays where it was mapped.
type CommonConfig struct {
	r mmio.Region
}

// NewCommonConfig wraps the mapped structure.
func NewCommonConfig(r mmio.Region) *CommonConfig {
	return &CommonConfig{r: r}
}

// DeviceFeatures reads all 64 feature bits offered by the device.
func (c *CommonConfig) DeviceFeatures() uint64 {
	c.r.Write32(regDeviceFeatureSelect, 0)
	lo := c.r.Read32(regDeviceFeature)
	c.r.Write32(regDeviceFeatureSelect, 1)
	hi := c.r.Read32(regDeviceFeature)
	return uint64(hi)<<32 | uint64(lo)
}

// SetDriverFeatures writes the accepted feature bits.
func (c *CommonConfig) SetDriverFeatures(f uint64) {
	c.r.Write32(regDriverFeatureSelect, 0)
	c.r.Write32(regDriverFeature, uint32(f))
	c.r.Write32(regDriverFeatureSelect, 1)
	c.r.Write32(regDriverFeature, uint32(f>>32))
}

func (c *CommonConfig) Status() Status          { return Status(c.r.Read8(regDeviceStatus)) }
func (c *CommonConfig) SetStatus(s Status)      { c.r.Write8(regDeviceStatus, uint8(s)) }
func (c *CommonConfig) NumQueues() uint16       { return c.r.Read16(regNumQueues) }
func (c *CommonConfig) ConfigGeneration() uint8 { return c.r.Read8(regConfigGeneration) }

// AddStatus ORs bits into device_status and returns what the device reports
// afterwards.
func (c *CommonConfig) AddStatus(bits Status) Status {
	c.SetStatus(c.Status() | bits)
	return c.Status()
}

// SetConfigMSIXVector sets the vector used for configuration changes.
func (c *CommonConfig) SetConfigMSIXVector(v uint16) { c.r.Write16(regConfigMSIXVector, v) }

// ConfigMSIXVector reads back the configuration change vector.
func (c *CommonConfig) ConfigMSIXVector() uint16 { return c.r.Read16(regConfigMSIXVector) }

// SelectQueue makes queue i the target of the queue registers.
func (c *CommonConfig) SelectQueue(i uint16) { c.r.Write16(regQueueSelect, i) }

func (c *CommonConfig) QueueSize() uint16           { return c.r.Read16(regQueueSize) }
func (c *CommonConfig) SetQueueSize(n uint16)       { c.r.Write16(regQueueSize, n) }
func (c *CommonConfig) SetQueueMSIXVector(v uint16) { c.r.Write16(regQueueMSIXVector, v) }
func (c *CommonConfig) QueueNotifyOff() uint16      { return c.r.Read16(regQueueNotifyOff) }
func (c *CommonConfig) EnableQueue()                { c.r.Write16(regQueueEnable, 1) }
func (c *CommonConfig) QueueEnabled() bool          { return c.r.Read16(regQueueEnable) == 1 }

// SetQueueRings programs the descriptor table, driver and device ring
// addresses of the selected queue.
func (c *CommonConfig) SetQueueRings(r Rings) {
	c.write64(regQueueDesc, r.Desc)
	c.write64(regQueueDriver, r.Driver)
	c.write64(regQueueDevice, r.Device)
}

// 64-bit fields are accessed as two 32-bit halves, low first.
func (c *CommonConfig) write64(off uint64, v uint64) {
	c.r.Write32(off, uint32(v))
	c.r.Write32(off+4, uint32(v>>32))
}

// Rings are the physical addresses of a split virtqueue.
type Rings struct {
	Desc   uint64
	Driver uint64
	Device uint64
}
