// bootsim runs the hardware bring-up sequence against a simulated QEMU virt
// machine.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/algebnaly/tos/config"
	"github.com/algebnaly/tos/kernel/klog"
)

const name = "bootsim"

var bootsimLog = klog.New(name)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "bring up a simulated QEMU virt machine"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "kernel log level (debug, info, warn, error)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML layout file overriding the QEMU virt defaults",
		},
		cli.StringFlag{
			Name:  "machine, m",
			Usage: "TOML machine file describing the devices to plug in",
		},
	}
	app.Before = func(c *cli.Context) error {
		return klog.Init(c.App.ErrWriter, c.GlobalString("log-level"))
	}
	app.Commands = []cli.Command{
		runCLICommand,
		lspciCLICommand,
		fwcfgCLICommand,
	}
	return app
}

// layout returns the layout selected on the command line.
func layout(c *cli.Context) (config.Layout, error) {
	if path := c.GlobalString("config"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}
