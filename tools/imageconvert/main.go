// imageconvert turns a PNG or JPEG into the image blob the kernel draws on
// the boot screen.
package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/image/draw"

	"github.com/algebnaly/tos/kernel/klog"
	"github.com/algebnaly/tos/ramfb"
)

const name = "imageconvert"

var convertLog = klog.New(name)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "convert an image to a boot screen blob"
	app.ArgsUsage = `<input-image> <output-blob>

   The blob is a little-endian uint32 width and height followed by
   width*height ARGB8888 pixels, little-endian, row-major.`
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "max-width",
			Value: ramfb.Width,
			Usage: "scale the image down to at most this width",
		},
		cli.IntFlag{
			Name:  "max-height",
			Value: ramfb.Height,
			Usage: "scale the image down to at most this height",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
		},
	}
	app.Before = func(c *cli.Context) error {
		return klog.Init(c.App.ErrWriter, c.String("log-level"))
	}
	app.Action = func(c *cli.Context) error {
		if c.NArg() != 2 {
			return errors.New("need an input image and an output file")
		}
		return convert(c.Args().Get(0), c.Args().Get(1), c.Int("max-width"), c.Int("max-height"))
	}
	return app
}

func convert(in, out string, maxW, maxH int) error {
	f, err := os.Open(in)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer f.Close()

	im, format, err := image.Decode(f)
	if err != nil {
		return errors.Wrapf(err, "decode %s", in)
	}
	b := im.Bounds()
	convertLog.WithFields(logrus.Fields{
		"format": format,
		"width":  b.Dx(),
		"height": b.Dy(),
	}).Info("image decoded")

	im = fit(im, maxW, maxH)
	blob := ramfb.EncodeImage(im)
	if err := os.WriteFile(out, blob, 0o644); err != nil {
		return errors.Wrap(err, "write blob")
	}
	convertLog.WithFields(logrus.Fields{
		"file":  out,
		"bytes": len(blob),
	}).Info("blob written")
	return nil
}

// fit scales im down, keeping its aspect ratio, until it is at most
// maxW x maxH. Images that already fit are returned unchanged.
func fit(im image.Image, maxW, maxH int) image.Image {
	b := im.Bounds()
	w, h := b.Dx(), b.Dy()
	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return im
	}
	nw, nh := w, h
	if maxW > 0 && nw > maxW {
		nh = nh * maxW / nw
		nw = maxW
	}
	if maxH > 0 && nh > maxH {
		nw = nw * maxH / nh
		nh = maxH
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), im, b, draw.Src, nil)
	return dst
}
