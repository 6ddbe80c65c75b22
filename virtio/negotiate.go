package virtio

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
)

// DefaultResetBudget bounds the wait for a reset to read back as zero.
const DefaultResetBudget = 1000

// Policy is what the driver is willing to do with a device.
type Policy struct {
	// Features is the set of feature bits the driver accepts. The device's
	// offer is masked with it.
	Features uint64

	// ResetBudget bounds the reset poll; zero means DefaultResetBudget.
	ResetBudget int

	// MSIX routes the configuration and queue interrupts to vector 0. When
	// false the vectors are written as NoVector.
	MSIX bool

	// Rings, when set, supplies ring addresses for queue index with the
	// given size. Queues it declines are enabled without rings.
	Rings func(index, size uint16) (Rings, bool)
}

func (p Policy) resetBudget() int {
	if p.ResetBudget <= 0 {
		return DefaultResetBudget
	}
	return p.ResetBudget
}

func (p Policy) vector() uint16 {
	if p.MSIX {
		return 0
	}
	return NoVector
}

func initFailed(format string, args ...interface{}) error {
	return kernel.New("virtio", kernel.KindDeviceInitFailed, fmt.Sprintf(format, args...))
}

// checkStatus turns a FAILED or NEEDS_RESET device status into an error.
func checkStatus(s Status, step string) error {
	if s&(StatusFailed|StatusNeedsReset) != 0 {
		return initFailed("device status %s after %s", s, step)
	}
	return nil
}

// Reset writes 0 to device_status and waits for the device to report it.
func Reset(cc *CommonConfig, p Policy) error {
	cc.SetStatus(0)
	return mmio.Poll(p.resetBudget(), "virtio", "device reset", func() bool {
		return cc.Status() == 0
	})
}

// NegotiateFeatures acknowledges the device, writes the accepted subset of
// its features and checks that FEATURES_OK sticks. It returns the
// negotiated features. A rejected feature set leaves the device FAILED.
func NegotiateFeatures(cc *CommonConfig, p Policy) (uint64, error) {
	if err := checkStatus(cc.AddStatus(StatusAcknowledge), "ACKNOWLEDGE"); err != nil {
		return 0, err
	}
	if err := checkStatus(cc.AddStatus(StatusDriver), "DRIVER"); err != nil {
		return 0, err
	}

	offered := cc.DeviceFeatures()
	accepted := offered & p.Features
	cc.SetDriverFeatures(accepted)

	s := cc.AddStatus(StatusFeaturesOK)
	if err := checkStatus(s, "FEATURES_OK"); err != nil {
		return 0, err
	}
	if s&StatusFeaturesOK == 0 {
		cc.AddStatus(StatusFailed)
		return 0, initFailed("device rejected features %#x (offered %#x)", accepted, offered)
	}

	virtioLog.WithFields(logrus.Fields{
		"offered":  fmt.Sprintf("%#x", offered),
		"accepted": fmt.Sprintf("%#x", accepted),
	}).Debug("features negotiated")
	return accepted, nil
}

// EnableQueues sets up queues 0..num_queues-1 in order: select, route the
// vectors, program rings when the policy has them, enable. Queues the
// device reports with size 0 do not exist and are skipped. It returns the
// number of queues enabled.
func EnableQueues(cc *CommonConfig, p Policy) (int, error) {
	vec := p.vector()
	cc.SetConfigMSIXVector(vec)

	n := cc.NumQueues()
	enabled := 0
	for i := uint16(0); i < n; i++ {
		cc.SelectQueue(i)
		size := cc.QueueSize()
		if size == 0 {
			continue
		}
		cc.SetQueueMSIXVector(vec)
		if p.Rings != nil {
			if r, ok := p.Rings(i, size); ok {
				cc.SetQueueRings(r)
			}
		}
		cc.EnableQueue()
		enabled++
	}
	if err := checkStatus(cc.Status(), "queue setup"); err != nil {
		return enabled, err
	}
	return enabled, nil
}

// DriverOK marks the driver live.
func DriverOK(cc *CommonConfig) error {
	s := cc.AddStatus(StatusDriverOK)
	if err := checkStatus(s, "DRIVER_OK"); err != nil {
		return err
	}
	if s&StatusDriverOK == 0 {
		return initFailed("device did not accept DRIVER_OK (status %s)", s)
	}
	return nil
}

// Negotiate runs the whole handshake on a common configuration block:
// reset, features, queues, DRIVER_OK.
func Negotiate(cc *CommonConfig, p Policy) (features uint64, queues int, err error) {
	if err := Reset(cc, p); err != nil {
		return 0, 0, err
	}
	if features, err = NegotiateFeatures(cc, p); err != nil {
		return 0, 0, err
	}
	if queues, err = EnableQueues(cc, p); err != nil {
		return features, queues, err
	}
	return features, queues, DriverOK(cc)
}
