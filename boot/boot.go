// Package boot runs the hardware bring-up sequence: the display first, so
// progress is visible, then every virtio function on PCI bus 0.
package boot

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/algebnaly/tos/config"
	"github.com/algebnaly/tos/fwcfg"
	"github.com/algebnaly/tos/kernel"
	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/mmio"
	"github.com/algebnaly/tos/pci"
	"github.com/algebnaly/tos/ramfb"
	"github.com/algebnaly/tos/virtio"
)

var bootLog = klog.New("boot")

// SetLogger sets the logger used by the boot package.
func SetLogger(logger *logrus.Entry) {
	bootLog = logger
}

// Options are the parts of bring-up that are not layout.
type Options struct {
	// Surface is the framebuffer to hand to the display. Nil allocates one
	// of the standard mode from the allocator, or takes the statically
	// reserved one when the allocator cannot hold it.
	Surface *ramfb.Surface

	// Logo is an image blob drawn in the middle of the splash.
	Logo []byte

	// Scheme colors the splash; the zero value means ramfb.DefaultScheme.
	Scheme ramfb.Scheme
}

// System is what bring-up found and started.
type System struct {
	FWCfg *fwcfg.Device

	// Surface is nil when the display is disabled or could not be set up.
	Surface *ramfb.Surface

	Bus       *pci.Bus
	Windows   *pci.Windows
	Functions []*pci.Function
	Devices   []*virtio.Device

	scheme ramfb.Scheme
	logo   []byte
}

// Hardware access of Kernel. Tests point these at a simulated machine.
var kernelMapper mmio.Mapper = mmio.Identity{}

var kernelArena = func() mmio.Allocator { return mmio.StaticArena() }

// Kernel is the bring-up entry of the kernel proper. Devices are reached
// through the identity map, DMA memory comes from the static arena and the
// display gets the statically reserved framebuffer. Logging moves to the
// UART before anything else is touched.
func Kernel(l config.Layout, logo []byte) (*System, error) {
	uart, err := kernelMapper.Map(l.Console.UARTBase, klog.UARTSize)
	if err != nil {
		return nil, errors.Wrap(err, "boot: map UART")
	}
	if err := klog.Init(klog.NewUART(uart, 0), l.Console.LogLevel); err != nil {
		return nil, err
	}
	return Run(l, kernelMapper, kernelArena(), Options{Surface: ramfb.StaticSurface(), Logo: logo})
}

// Run brings the machine up. Missing hardware is logged and skipped; any
// other failure is collected and returned once everything else has been
// tried, alongside the partially populated System.
func Run(l config.Layout, m mmio.Mapper, a mmio.Allocator, opts Options) (*System, error) {
	var result *multierror.Error

	sys := &System{scheme: opts.Scheme, logo: opts.Logo}
	if sys.scheme == (ramfb.Scheme{}) {
		sys.scheme = ramfb.DefaultScheme
	}

	if err := sys.startFWCfg(l, m, a); err != nil {
		result = multierror.Append(result, err)
	}
	if l.Display.Enabled && sys.FWCfg != nil {
		if err := sys.startDisplay(l, a, opts.Surface); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := sys.startPCI(l, m, a); err != nil {
		result = multierror.Append(result, err)
	}
	sys.report(l)

	return sys, result.ErrorOrNil()
}

func absent(err error) bool {
	return kernel.KindOf(err) == kernel.KindDeviceAbsent
}

func (sys *System) startFWCfg(l config.Layout, m mmio.Mapper, a mmio.Allocator) error {
	r, err := m.Map(l.FWCfg.Base, fwcfg.RegionSize)
	if err != nil {
		return errors.Wrap(err, "boot: map fw_cfg")
	}
	dev := fwcfg.New(r, a, fwcfg.Options{
		PollBudget: l.FWCfg.PollBudget,
		MaxFiles:   int(l.FWCfg.MaxFiles),
	})
	if err := dev.Probe(); err != nil {
		if absent(err) {
			bootLog.WithError(err).Warn("no fw_cfg, display unavailable")
			return nil
		}
		return err
	}
	sys.FWCfg = dev
	return nil
}

func (sys *System) startDisplay(l config.Layout, a mmio.Allocator, s *ramfb.Surface) error {
	if s == nil {
		buf, err := a.Alloc(ramfb.Stride*ramfb.Height, 4096)
		switch {
		case err != nil:
			bootLog.WithError(err).Info("using the static framebuffer")
			s = ramfb.StaticSurface()
		default:
			if s, err = ramfb.NewSurface(buf, ramfb.Width, ramfb.Height); err != nil {
				return err
			}
		}
	}

	s.Clear(l.Display.ClearColor)
	if err := ramfb.Setup(sys.FWCfg, s); err != nil {
		if absent(err) {
			bootLog.WithError(err).Warn("display unavailable")
			return nil
		}
		return err
	}
	sys.Surface = s
	return nil
}

func (sys *System) startPCI(l config.Layout, m mmio.Mapper, a mmio.Allocator) error {
	ecam, err := m.Map(l.PCI.ECAMBase, l.PCI.ECAMSize)
	if err != nil {
		return errors.Wrap(err, "boot: map ECAM")
	}
	sys.Bus = pci.NewBus(ecam)
	sys.Windows = pci.NewWindows(l.PCI.WindowBase, l.PCI.WindowSize)
	sys.Functions = sys.Bus.Enumerate()

	policy := virtio.InitPolicy{
		Policy: virtio.Policy{
			Features:    l.Virtio.Features,
			ResetBudget: l.Virtio.ResetBudget,
		},
		Message: &pci.Message{Address: l.MSIX.Address, Data: l.MSIX.Data},
		Alloc:   a,
	}

	var result *multierror.Error
	for _, f := range sys.Functions {
		if !virtio.IsVirtio(f.Header.VendorID, f.Header.DeviceID) {
			continue
		}
		d, err := virtio.Init(f, sys.Windows, m, policy)
		switch {
		case err == nil:
			sys.Devices = append(sys.Devices, d)
		case absent(err):
			bootLog.WithError(err).WithField("bdf", f.Addr.String()).Info("skipping function")
		default:
			bootLog.WithError(err).WithField("bdf", f.Addr.String()).Error("virtio bring-up failed")
			result = multierror.Append(result, errors.Wrapf(err, "boot: %s", f.Addr))
		}
	}
	return result.ErrorOrNil()
}

// Lines describes the system for the splash screen.
func (sys *System) Lines() []ramfb.Line {
	lines := []ramfb.Line{{Text: "tos: hardware bring-up"}}
	lines = append(lines, ramfb.Line{
		Text:  fmt.Sprintf("pci: %d functions on bus 0", len(sys.Functions)),
		Color: sys.scheme.Dimmed,
	})
	for _, d := range sys.Devices {
		msix := "no MSI-X"
		if d.MSIX != nil {
			msix = fmt.Sprintf("%d MSI-X vectors", d.MSIX.TableSize)
		}
		lines = append(lines, ramfb.Line{
			Text: fmt.Sprintf("  %s: %d queues, features %#x, %s", d, d.Queues, d.Features, msix),
		})
	}
	return lines
}

func (sys *System) report(l config.Layout) {
	if sys.Surface != nil && l.Display.Splash {
		sys.Surface.Splash(sys.scheme, sys.Lines())
		if len(sys.logo) > 0 {
			im, err := ramfb.DecodeImage(sys.logo)
			if err != nil {
				bootLog.WithError(err).Warn("bad logo")
			} else {
				sys.Surface.DrawImageCentered(im)
			}
		}
	}
	bootLog.WithFields(logrus.Fields{
		"functions": len(sys.Functions),
		"virtio":    len(sys.Devices),
		"display":   sys.Surface != nil,
	}).Info("bring-up complete")
}
