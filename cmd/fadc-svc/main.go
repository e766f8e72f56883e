// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fadc-svc exposes a digitizer card as a TCP/JSON service,
// one controller at a time.
package main

import (
	"flag"
	"log"

	"github.com/go-lpc/fadc/spcm"
)

func main() {
	var (
		addr = flag.String("addr", ":8872", "fadc-svc [addr]:port")
		dev  = flag.String("dev", "/dev/spcm0", "digitizer device node")
		odir = flag.String("o", ".", "directory for run bookkeeping files")
		db   = flag.String("rundb", "", "data source name of the run database (optional)")
	)

	log.SetPrefix("fadc-svc: ")
	log.SetFlags(0)

	flag.Parse()

	err := spcm.Serve(*addr, *dev, *odir, *db)
	if err != nil {
		log.Fatalf("could not create fadc-svc service: %+v", err)
	}
}
