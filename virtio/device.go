package virtio

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/mmio"
	"github.com/algebnaly/tos/pci"
)

// Device is a virtio function that reached DRIVER_OK.
type Device struct {
	Function *pci.Function
	Type     uint16
	Features uint64
	Queues   int

	// MSIX is nil when the function has no MSI-X capability.
	MSIX *pci.MSIX

	// Rings holds the queue memory when Init was given an allocator.
	Rings []*Queue

	Common Capability
	Notify Capability
	ISR    Capability
	Config Capability

	notifyBase uint64
	notifyMult uint32
	mapper     mmio.Mapper
	windows    *pci.Windows
}

func (d *Device) String() string {
	return fmt.Sprintf("%s virtio-%s", d.Function.Addr, TypeName(d.Type))
}

// CommonConfig maps the common configuration structure at its current
// window. Callers must not keep the result across a BAR placement.
func (d *Device) CommonConfig() (*CommonConfig, error) {
	return mapStructure(d.Function, d.windows, d.mapper, d.Common)
}

// NotifyAddress returns the physical doorbell address of queue q.
func (d *Device) NotifyAddress(q uint16) (uint64, error) {
	if d.notifyBase == 0 {
		return 0, kernel.New("virtio", kernel.KindDeviceAbsent, d.Function.Addr.String()+": no notify capability")
	}
	cc, err := d.CommonConfig()
	if err != nil {
		return 0, err
	}
	cc.SelectQueue(q)
	return d.notifyBase + uint64(cc.QueueNotifyOff())*uint64(d.notifyMult), nil
}

// mapStructure places the BAR holding c and maps the structure.
func mapStructure(f *pci.Function, w *pci.Windows, m mmio.Mapper, c Capability) (*CommonConfig, error) {
	base, err := w.Place(f, int(c.Bar))
	if err != nil {
		return nil, err
	}
	length := uint64(c.Length)
	if length < CommonConfigSize {
		length = CommonConfigSize
	}
	r, err := m.Map(base+uint64(c.Offset), length)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: map common config", f.Addr)
	}
	return NewCommonConfig(r), nil
}

// InitPolicy is a Policy plus the interrupt message to program.
type InitPolicy struct {
	Policy

	// Message is installed in every MSI-X entry. Nil skips MSI-X.
	Message *pci.Message

	// Alloc, when set and Policy.Rings is not, backs every queue with
	// rings allocated from it.
	Alloc mmio.Allocator
}

// Init brings one virtio function to DRIVER_OK: enable decoding and bus
// mastering, resolve the vendor capabilities, place and map the common
// configuration, negotiate features, program MSI-X, enable the queues.
//
// A function without a common configuration capability is reported as
// DeviceAbsent. Once the handshake has started any failure sets FAILED.
func Init(f *pci.Function, w *pci.Windows, m mmio.Mapper, p InitPolicy) (*Device, error) {
	typ, ok := DeviceType(f.DeviceID())
	if f.VendorID() != VendorID || !ok {
		return nil, kernel.New("virtio", kernel.KindDeviceAbsent,
			fmt.Sprintf("%s: %04x:%04x is not a virtio device", f.Addr, f.VendorID(), f.DeviceID()))
	}
	log := virtioLog.WithFields(logrus.Fields{"bdf": f.Addr.String(), "type": TypeName(typ)})

	f.EnableDevice()

	caps, err := Capabilities(f)
	if err != nil {
		return nil, err
	}
	d := &Device{Function: f, Type: typ, mapper: m, windows: w}
	var haveCommon bool
	for _, c := range caps {
		switch c.CfgType {
		case CfgCommon:
			if !haveCommon {
				d.Common, haveCommon = c, true
			}
		case CfgNotify:
			if d.Notify.CfgType == 0 {
				d.Notify = c
			}
		case CfgISR:
			if d.ISR.CfgType == 0 {
				d.ISR = c
			}
		case CfgDevice:
			if d.Config.CfgType == 0 {
				d.Config = c
			}
		}
	}
	if !haveCommon {
		if _, _, err := commonRecord(f); err != nil {
			return nil, err
		}
		return nil, kernel.New("virtio", kernel.KindDeviceAbsent, f.Addr.String()+": no common configuration")
	}

	cc, err := mapStructure(f, w, m, d.Common)
	if err != nil {
		return nil, err
	}
	if err := Reset(cc, p.Policy); err != nil {
		return nil, err
	}
	if d.Features, err = NegotiateFeatures(cc, p.Policy); err != nil {
		return nil, err
	}

	fail := func(err error) (*Device, error) {
		cc.AddStatus(StatusFailed)
		log.WithError(err).Warn("device failed")
		return nil, err
	}

	if p.Message != nil {
		x, err := pci.EnableMSIX(f, w, m, *p.Message)
		switch {
		case err == nil:
			d.MSIX = x
		case kernel.KindOf(err) == kernel.KindDeviceAbsent:
			log.Debug("no MSI-X")
		default:
			return fail(err)
		}
	}

	// MSI-X may have placed another BAR; derive the view again.
	view, err := d.CommonConfig()
	if err != nil {
		return fail(err)
	}
	cc = view

	if d.Notify.CfgType != 0 {
		base, err := w.Place(f, int(d.Notify.Bar))
		if err != nil {
			return fail(err)
		}
		d.notifyBase = base + uint64(d.Notify.Offset)
		d.notifyMult = NotifyMultiplier(f, d.Notify)
	}

	policy := p.Policy
	policy.MSIX = d.MSIX != nil
	var ringErr error
	if p.Alloc != nil && policy.Rings == nil {
		policy.Rings = func(i, size uint16) (Rings, bool) {
			if ringErr != nil {
				return Rings{}, false
			}
			q, err := AllocQueue(p.Alloc, i, size)
			if err != nil {
				ringErr = err
				return Rings{}, false
			}
			d.Rings = append(d.Rings, q)
			return q.Rings(), true
		}
	}
	if d.Queues, err = EnableQueues(cc, policy); err != nil {
		return fail(err)
	}
	if ringErr != nil {
		return fail(errors.Wrapf(ringErr, "%s: queue memory", f.Addr))
	}
	if err := DriverOK(cc); err != nil {
		return fail(err)
	}

	log.WithFields(logrus.Fields{
		"features": fmt.Sprintf("%#x", d.Features),
		"queues":   d.Queues,
		"msix":     d.MSIX != nil,
	}).Info("virtio device ready")
	return d, nil
}
