// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fadc-tdaq starts a TDAQ server driving a digitizer card.
//
// Usage: fadc-tdaq [tdaq flags] name [devnode [settings.json]]
package main // import "github.com/go-lpc/fadc/cmd/fadc-tdaq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/fadc/spcm"
)

func main() {
	cmd := flags.New()

	var (
		name     = cmd.Args[0]
		devnode  = "/dev/spcm0"
		settings spcm.Settings
	)
	if len(cmd.Args) > 1 {
		devnode = cmd.Args[1]
	}
	if len(cmd.Args) > 2 {
		f, err := os.Open(cmd.Args[2])
		if err != nil {
			log.Fatalf("could not open settings file: %+v", err)
		}
		settings, err = spcm.ParseSettings(f)
		f.Close()
		if err != nil {
			log.Fatalf("could not parse settings file: %+v", err)
		}
	}
	settings.Device = devnode

	dev := spcm.NewServer(name, devnode, settings)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/trace", dev.Trace)

	srv.RunHandle(dev.Run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
