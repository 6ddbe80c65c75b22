package main

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/algebnaly/tos/config"
	"github.com/algebnaly/tos/sim"
)

// machineFile is the TOML description of a simulated machine:
//
//	ram_size = 0x1000000
//
//	[[device]]
//	slot = 1
//	type = "entropy"
//	features = 0x100000000
//	queues = 1
//	vectors = 2
type machineFile struct {
	RAMSize uint64          `toml:"ram_size"`
	Devices []machineDevice `toml:"device"`
}

type machineDevice struct {
	Slot     uint8  `toml:"slot"`
	Function uint8  `toml:"function"`
	Type     string `toml:"type"`
	Features uint64 `toml:"features"`
	Queues   uint16 `toml:"queues"`
	Size     uint16 `toml:"queue_size"`
	Vectors  int    `toml:"vectors"`

	// Fault injection.
	RejectFeatures bool `toml:"reject_features"`
	SplitPBA       bool `toml:"split_pba"`
	OmitCommon     bool `toml:"omit_common"`
}

var deviceTypes = map[string]uint16{
	"net":     sim.VirtioNet,
	"block":   sim.VirtioBlock,
	"console": sim.VirtioConsole,
	"entropy": sim.VirtioEntropy,
	"gpu":     sim.VirtioGPU,
	"input":   sim.VirtioInput,
	"sound":   sim.VirtioSound,
}

func (d machineDevice) slot() (sim.Slot, error) {
	typ, ok := deviceTypes[strings.ToLower(d.Type)]
	if !ok {
		return sim.Slot{}, errors.Errorf("device in slot %d: unknown type %q", d.Slot, d.Type)
	}
	return sim.Slot{
		Device:   d.Slot,
		Function: d.Function,
		Virtio: sim.VirtioConfig{
			Type:           typ,
			Features:       d.Features,
			NumQueues:      d.Queues,
			QueueSize:      d.Size,
			MSIXVectors:    d.Vectors,
			RejectFeatures: d.RejectFeatures,
			SplitPBA:       d.SplitPBA,
			OmitCommon:     d.OmitCommon,
		},
	}, nil
}

func decodeMachine(data string) (machineFile, error) {
	var mf machineFile
	md, err := toml.Decode(data, &mf)
	if err != nil {
		return machineFile{}, errors.Wrap(err, "machine file")
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return machineFile{}, errors.Errorf("machine file: unknown key %s", keys[0])
	}
	return mf, nil
}

// newMachine builds the simulated machine for layout l.
func newMachine(l config.Layout, mf *machineFile) (*sim.Virt, error) {
	cfg := sim.DefaultConfig()
	cfg.ECAMBase = l.PCI.ECAMBase
	cfg.FWCfgBase = l.FWCfg.Base

	slots := sim.DefaultSlots()
	if mf != nil {
		if mf.RAMSize != 0 {
			cfg.RAMSize = mf.RAMSize
		}
		slots = nil
		for _, d := range mf.Devices {
			s, err := d.slot()
			if err != nil {
				return nil, err
			}
			slots = append(slots, s)
		}
	}
	return sim.NewVirt(cfg, slots)
}

// machine builds the machine selected on the command line.
func machine(c *cli.Context) (config.Layout, *sim.Virt, error) {
	l, err := layout(c)
	if err != nil {
		return config.Layout{}, nil, err
	}
	var mf *machineFile
	if path := c.GlobalString("machine"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config.Layout{}, nil, errors.Wrap(err, "machine file")
		}
		file, err := decodeMachine(string(data))
		if err != nil {
			return config.Layout{}, nil, errors.Wrap(err, path)
		}
		mf = &file
	}
	v, err := newMachine(l, mf)
	return l, v, err
}
