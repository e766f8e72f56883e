// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fadc-sh provides an interactive shell to drive a digitizer
// service and inspect the run bookkeeping database.
package main // import "github.com/go-lpc/fadc/cmd/fadc-sh"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/fadc/rundb"
	"github.com/go-lpc/fadc/spcm"
	"github.com/peterh/liner"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func main() {
	var (
		addr   = flag.String("addr", "localhost:8872", "address of the fadc-svc service")
		dbname = flag.String("rundb", "", "run bookkeeping database (optional)")
	)

	log.SetPrefix("fadc-sh: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*addr, *dbname)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addr, dbname string) error {
	sh, err := newShell(addr, dbname)
	if err != nil {
		return err
	}
	defer sh.close()

	return sh.loop()
}

var cmdNames = []string{
	"configure", "constraints", "continue", "force-trigger", "help",
	"pause", "quit", "reset", "runs", "start", "status", "stop", "trace",
}

type shell struct {
	cli  *spcm.Client
	db   *rundb.DB // nil when no bookkeeping database was given
	term *liner.State
	hist string
}

func newShell(addr, dbname string) (*shell, error) {
	cli, err := spcm.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial fadc-svc service: %w", err)
	}

	sh := &shell{
		cli:  cli,
		term: liner.NewLiner(),
		hist: historyFile(),
	}

	if dbname != "" {
		db, err := rundb.Open(dbname)
		if err != nil {
			_ = cli.Close()
			sh.term.Close()
			return nil, fmt.Errorf("could not open run database %q: %w", dbname, err)
		}
		sh.db = db
	}

	sh.term.SetCtrlCAborts(true)
	sh.term.SetCompleter(func(line string) []string {
		var o []string
		for _, cmd := range cmdNames {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				o = append(o, cmd)
			}
		}
		return o
	})

	if f, err := os.Open(sh.hist); err == nil {
		_, _ = sh.term.ReadHistory(f)
		f.Close()
	}

	return sh, nil
}

func historyFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".fadc-sh.history")
}

func (sh *shell) close() {
	if f, err := os.Create(sh.hist); err == nil {
		_, _ = sh.term.WriteHistory(f)
		f.Close()
	}
	sh.term.Close()
	if sh.db != nil {
		_ = sh.db.Close()
	}
	_ = sh.cli.Close()
}

func (sh *shell) loop() error {
	for {
		raw, err := sh.term.Prompt("fadc> ")
		switch err {
		case nil:
			// ok
		case liner.ErrPromptAborted:
			continue
		case io.EOF:
			fmt.Println()
			return nil
		default:
			return fmt.Errorf("could not read prompt: %w", err)
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sh.term.AppendHistory(raw)

		args := strings.Fields(raw)
		quit, err := sh.dispatch(args[0], args[1:])
		if err != nil {
			fmt.Printf("**error** %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) dispatch(name string, args []string) (quit bool, err error) {
	switch strings.ToLower(name) {
	case "help", "?":
		sh.cmdHelp()
	case "configure":
		err = sh.cmdConfigure(args)
	case "start":
		err = sh.cli.Start()
	case "stop":
		err = sh.cli.Stop()
	case "pause":
		err = sh.cli.Pause()
	case "continue":
		err = sh.cli.Continue()
	case "reset":
		err = sh.cli.Reset()
	case "force-trigger", "trigger":
		err = sh.cli.ForceTrigger()
	case "status":
		err = sh.cmdStatus()
	case "trace":
		err = sh.cmdTrace(args)
	case "constraints":
		err = sh.cmdConstraints()
	case "runs":
		err = sh.cmdRuns(args)
	case "quit", "exit":
		quit = true
	default:
		err = fmt.Errorf("unknown command %q (try \"help\")", name)
	}
	return quit, err
}

func (sh *shell) cmdHelp() {
	fmt.Print(`commands:
  configure <file>   program the digitizer with the JSON settings file
  start              start the acquisition
  stop               stop the acquisition
  pause              pause the acquisition, keeping the average
  continue           resume a paused acquisition
  reset              reset the digitizer to its power-on state
  force-trigger      inject one software trigger
  status             display the acquisition status
  trace [file]       display the current average, optionally saving it
  constraints        display the achievable bin widths
  runs [n]           display the n most recent runs (default 10)
  quit               release the digitizer and exit
`)
}

func (sh *shell) cmdConfigure(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: configure <file>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("could not open settings file: %w", err)
	}
	settings, err := spcm.ParseSettings(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("could not parse settings file: %w", err)
	}

	cfg, err := sh.cli.Configure(settings)
	if err != nil {
		return fmt.Errorf("could not configure digitizer: %w", err)
	}

	fmt.Printf("mode:       %s\n", cfg.Mode)
	fmt.Printf("bin width:  %v\n", time.Duration(cfg.BinW*float64(time.Second)))
	fmt.Printf("rate:       %d Hz\n", cfg.SampleRate)
	fmt.Printf("segment:    %d samples (pre-trigger %d)\n", cfg.SegSize, cfg.PreTrig)
	fmt.Printf("repetition: %d samples\n", cfg.SeqSize)
	fmt.Printf("ring:       %d repetitions (backlog threshold %d)\n", cfg.Reps, cfg.Threshold)
	if cfg.Gated {
		fmt.Printf("gated:      true\n")
	}
	return nil
}

func (sh *shell) cmdStatus() error {
	st, err := sh.cli.Status()
	if err != nil {
		return fmt.Errorf("could not fetch status: %w", err)
	}

	fmt.Printf("state:    %v\n", st.State)
	fmt.Printf("sweeps:   %d\n", st.Sweeps)
	fmt.Printf("triggers: %d (backlog %d, trigger on: %v)\n",
		st.Triggers, st.Backlog, st.TriggerOn,
	)
	fmt.Printf("elapsed:  %v\n", st.Elapsed)
	if st.Error != "" {
		fmt.Printf("error:    %s\n", st.Error)
	}
	return nil
}

func (sh *shell) cmdTrace(args []string) error {
	trace, err := sh.cli.Trace()
	if err != nil {
		return fmt.Errorf("could not fetch trace: %w", err)
	}

	if len(trace.Data) == 0 {
		fmt.Printf("no sweeps acquired\n")
		return nil
	}

	mean, std := stat.MeanStdDev(trace.Data, nil)
	fmt.Printf("sweeps:  %d (elapsed %v)\n", trace.Sweeps, trace.Elapsed)
	fmt.Printf("samples: %d\n", len(trace.Data))
	fmt.Printf("min/max: %g / %g\n", floats.Min(trace.Data), floats.Max(trace.Data))
	fmt.Printf("mean:    %g (std %g)\n", mean, std)

	if len(args) == 0 {
		return nil
	}

	oname := args[0]
	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create %q: %w", oname, err)
	}
	fmt.Fprintf(f, "# sweeps=%d elapsed=%v\n", trace.Sweeps, trace.Elapsed)
	for i, v := range trace.Data {
		fmt.Fprintf(f, "%d %g\n", i, v)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close %q: %w", oname, err)
	}
	fmt.Printf("wrote %d samples to %q\n", len(trace.Data), oname)
	return nil
}

func (sh *shell) cmdConstraints() error {
	bws, err := sh.cli.Constraints()
	if err != nil {
		return fmt.Errorf("could not fetch constraints: %w", err)
	}
	for _, bw := range bws {
		fmt.Printf("  %v\n", bw)
	}
	return nil
}

func (sh *shell) cmdRuns(args []string) error {
	if sh.db == nil {
		return fmt.Errorf("no run database (use -rundb)")
	}

	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("could not parse run count %q: %w", args[0], err)
		}
		n = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := sh.db.Runs(ctx, n)
	if err != nil {
		return fmt.Errorf("could not query runs: %w", err)
	}

	for _, run := range runs {
		fmt.Printf("run=%06d dev=%s mode=%s binwidth=%v sweeps=%d state=%s\n",
			run.ID, run.Device, run.Mode,
			time.Duration(run.BinWidth*float64(time.Second)),
			run.Sweeps, run.State,
		)
	}
	return nil
}
