package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/algebnaly/tos/boot"
	"github.com/algebnaly/tos/config"
	"github.com/algebnaly/tos/fwcfg"
	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/pci"
	"github.com/algebnaly/tos/sim"
	"github.com/algebnaly/tos/virtio"
)

var runCLICommand = cli.Command{
	Name:  "run",
	Usage: "run the bring-up sequence and report what came up",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "png",
			Usage: "write the framebuffer to this PNG file",
		},
		cli.StringFlag{
			Name:  "logo",
			Usage: "image blob (see imageconvert) drawn on the splash",
		},
		cli.BoolFlag{
			Name:  "console",
			Usage: "log through the machine's UART and print its transcript",
		},
	},
	Action: func(c *cli.Context) error {
		l, v, err := machine(c)
		if err != nil {
			return err
		}

		var opts boot.Options
		if path := c.String("logo"); path != "" {
			if opts.Logo, err = os.ReadFile(path); err != nil {
				return errors.Wrap(err, "logo")
			}
		}

		var uart *sim.UART
		if c.Bool("console") {
			if uart, err = attachConsole(c, l, v); err != nil {
				return err
			}
		}

		sys, runErr := boot.Run(l, v, v, opts)
		if uart != nil {
			if err := klog.Init(c.App.ErrWriter, c.GlobalString("log-level")); err != nil {
				return err
			}
			fmt.Fprint(c.App.Writer, uart.Output())
		}
		printSystem(c.App.Writer, sys)
		if runErr != nil {
			bootsimLog.WithError(runErr).Warn("bring-up finished with errors")
		}

		if path := c.String("png"); path != "" {
			im, ok := v.RAMFB.Image()
			if !ok {
				return errors.New("display was not configured, no PNG written")
			}
			if err := gg.SavePNG(path, im); err != nil {
				return errors.Wrap(err, "write PNG")
			}
			bootsimLog.WithField("file", path).Info("framebuffer saved")
		}
		return runErr
	},
}

// attachConsole puts a UART at the configured base and routes the kernel
// log through it.
func attachConsole(c *cli.Context, l config.Layout, v *sim.Virt) (*sim.UART, error) {
	uart := sim.AttachUART(v.Machine, l.Console.UARTBase)
	r, err := v.Map(l.Console.UARTBase, klog.UARTSize)
	if err != nil {
		return nil, errors.Wrap(err, "console")
	}
	if err := klog.Init(klog.NewUART(r, 0), l.Console.LogLevel); err != nil {
		return nil, err
	}
	return uart, nil
}

func printSystem(w io.Writer, sys *boot.System) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "BDF\tTYPE\tFEATURES\tQUEUES\tMSI-X")
	for _, d := range sys.Devices {
		vectors := "-"
		if d.MSIX != nil {
			vectors = fmt.Sprint(d.MSIX.TableSize)
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x\t%d\t%s\n", d.Function.Addr, virtio.TypeName(d.Type), d.Features, d.Queues, vectors)
	}
	tw.Flush()
	fmt.Fprintf(w, "display: %v\n", sys.Surface != nil)
}

var lspciCLICommand = cli.Command{
	Name:  "lspci",
	Usage: "list the functions on bus 0 and their capabilities",
	Action: func(c *cli.Context) error {
		l, v, err := machine(c)
		if err != nil {
			return err
		}
		ecam, err := v.Map(l.PCI.ECAMBase, l.PCI.ECAMSize)
		if err != nil {
			return err
		}
		return lspci(c.App.Writer, pci.NewBus(ecam))
	},
}

func lspci(w io.Writer, bus *pci.Bus) error {
	for _, f := range bus.Enumerate() {
		h := f.Header
		fmt.Fprintf(w, "%s %02x%02x: %04x:%04x", f.Addr, h.Class, h.Subclass, h.VendorID, h.DeviceID)
		if typ, ok := virtio.DeviceType(h.DeviceID); ok && h.VendorID == virtio.VendorID {
			fmt.Fprintf(w, " virtio-%s", virtio.TypeName(typ))
		}
		fmt.Fprintln(w)

		caps, err := f.Capabilities()
		if err != nil {
			return errors.Wrap(err, f.Addr.String())
		}
		for _, c := range caps {
			fmt.Fprintf(w, "\t[%02x] %s", c.Offset, pci.CapabilityName(c.ID))
			if c.ID == pci.CapVendorSpecific {
				vc := virtio.DecodeCapability(f, c)
				fmt.Fprintf(w, " cfg_type=%d bar=%d offset=%#x length=%#x", vc.CfgType, vc.Bar, vc.Offset, vc.Length)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

var fwcfgCLICommand = cli.Command{
	Name:  "fwcfg",
	Usage: "list the fw_cfg file directory",
	Action: func(c *cli.Context) error {
		l, v, err := machine(c)
		if err != nil {
			return err
		}
		r, err := v.Map(l.FWCfg.Base, fwcfg.RegionSize)
		if err != nil {
			return err
		}
		dev := fwcfg.New(r, v, fwcfg.Options{PollBudget: l.FWCfg.PollBudget, MaxFiles: int(l.FWCfg.MaxFiles)})
		if err := dev.Probe(); err != nil {
			return err
		}
		files, err := dev.Files()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "dma: %v\n", dev.SupportsDMA())
		for _, f := range files {
			fmt.Fprintln(c.App.Writer, f)
		}
		return nil
	},
}
