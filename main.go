//go:build !test

package main

import (
	"log"
	"os"

	"github.com/cyberus-vmm/iomcore/flag"
	"github.com/cyberus-vmm/iomcore/vmm"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run reads os.Args, dispatches on the boot/probe subcommand, and runs
// the corresponding action. boot brings up a VMM end to end; probe only
// reports whether /dev/kvm exists and is usable, since this tree's probe
// support never grew past that.
func run() error {
	bootArgs, probeArgs, err := flag.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	if probeArgs != nil {
		return runProbe()
	}

	return runBoot(bootArgs)
}

func runProbe() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	return f.Close()
}

func runBoot(c *flag.Config) error {
	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}
