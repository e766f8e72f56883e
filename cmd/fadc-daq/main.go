// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fadc-daq drives a digitizer acquisition in stand-alone mode.
package main // import "github.com/go-lpc/fadc/cmd/fadc-daq"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/fadc/rundb"
	"github.com/go-lpc/fadc/spcm"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func main() {
	var (
		dev     = flag.String("dev", "/dev/spcm0", "digitizer device node")
		fname   = flag.String("settings", "", "JSON settings file")
		oname   = flag.String("o", "trace.txt", "path to output trace file")
		timeout = flag.Duration("timeout", 0, "acquisition timeout (0: run until interrupted)")
		sweeps  = flag.Uint64("sweeps", 0, "sweep target (0: no target)")
		dbname  = flag.String("db", "", "run bookkeeping database (none if empty)")
	)

	log.SetPrefix("fadc-daq: ")
	log.SetFlags(0)

	flag.Parse()

	log.Printf("dev=%q timeout=%v sweeps=%d", *dev, *timeout, *sweeps)

	err := run(*dev, *fname, *oname, *dbname, *timeout, *sweeps)
	if err != nil {
		log.Fatalf("could not run fadc-daq: %+v", err)
	}
}

func run(dev, fname, oname, dbname string, timeout time.Duration, sweeps uint64) error {
	var (
		settings spcm.Settings
		err      error
	)
	if fname != "" {
		f, err := os.Open(fname)
		if err != nil {
			return fmt.Errorf("could not open settings file: %w", err)
		}
		settings, err = spcm.ParseSettings(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("could not parse settings file: %w", err)
		}
	}
	settings.Device = dev

	cfg, err := spcm.Resolve(settings)
	if err != nil {
		return fmt.Errorf("could not resolve settings: %w", err)
	}

	var (
		db  *rundb.DB
		nbr int64
	)
	if dbname != "" {
		db, err = rundb.Open(dbname)
		if err != nil {
			return fmt.Errorf("could not open run database: %w", err)
		}
		defer db.Close()

		nbr, err = db.NewRun(
			context.Background(),
			dev, cfg.Mode.String(), cfg.BinWidth.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("could not record run start: %w", err)
		}
		log.Printf("run=%d", nbr)
	}

	trace, err := spcm.RunStandalone(settings, timeout, sweeps)
	if err != nil {
		if db != nil {
			_ = db.CloseRun(context.Background(), nbr, 0, "error")
		}
		return fmt.Errorf("could not acquire trace: %w", err)
	}

	if db != nil {
		err = db.CloseRun(context.Background(), nbr, trace.Sweeps, "done")
		if err != nil {
			return fmt.Errorf("could not record run stop: %w", err)
		}
	}

	summarize(trace)

	err = write(oname, cfg, trace)
	if err != nil {
		return fmt.Errorf("could not write trace: %w", err)
	}
	log.Printf("wrote %d samples to %q", len(trace.Data), oname)
	return nil
}

func summarize(t spcm.Trace) {
	if len(t.Data) == 0 || t.Sweeps == 0 {
		log.Printf("no sweeps acquired")
		return
	}
	mean, std := stat.MeanStdDev(t.Data, nil)
	log.Printf("sweeps=%d elapsed=%v", t.Sweeps, t.Elapsed)
	log.Printf("trace: n=%d min=%g max=%g mean=%g std=%g",
		len(t.Data), floats.Min(t.Data), floats.Max(t.Data), mean, std,
	)
}

func write(oname string, cfg spcm.Config, t spcm.Trace) error {
	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create %q: %w", oname, err)
	}

	fmt.Fprintf(f, "# mode=%v binwidth=%v sweeps=%d elapsed=%v\n",
		cfg.Mode, cfg.BinWidth, t.Sweeps, t.Elapsed,
	)
	bw := cfg.BinWidth.Seconds()
	for i, v := range t.Data {
		_, err = fmt.Fprintf(f, "%g %g\n", float64(i)*bw, v)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("could not write sample %d: %w", i, err)
		}
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close %q: %w", oname, err)
	}
	return nil
}
