// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/fadc/rundb"
)

// server allows to control a digitizer device over a TCP/JSON
// connection.
type server struct {
	ctl net.Listener

	msg     *log.Logger
	devnode string
	odir    string

	newDevice func(devnode string, opts ...Option) (device, error)

	opts []Option

	db  *rundb.DB // run bookkeeping, may be nil
	run int64     // current run number, 0 when no run is open
	cfg Config    // last achieved configuration
}

// Serve listens on addr and drives the digitizer at devnode on behalf
// of the connected controllers, one at a time. Run numbers are read
// from a counter file under odir, or assigned by the dbname run
// bookkeeping database when one is given.
func Serve(addr, devnode, odir, dbname string, opts ...Option) error {
	srv, err := newServer(addr, devnode, odir, dbname, opts...)
	if err != nil {
		return fmt.Errorf("could not create spcm server: %w", err)
	}
	return srv.serve()
}

func newServer(addr, devnode, odir, dbname string, opts ...Option) (*server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not create fadc-svc server on %q: %w", addr, err)
	}

	srv := &server{
		ctl: ctl,

		msg:     log.New(os.Stdout, "fadc-svc: ", 0),
		devnode: devnode,
		odir:    odir,

		newDevice: func(devnode string, opts ...Option) (device, error) {
			return NewDevice(devnode, opts...)
		},

		opts: opts,
	}

	if dbname != "" {
		db, err := rundb.Open(dbname)
		if err != nil {
			_ = ctl.Close()
			return nil, fmt.Errorf("could not open run database %q: %w", dbname, err)
		}
		srv.db = db
	}
	return srv, nil
}

func (srv *server) serve() error {
	defer srv.close()

	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			return fmt.Errorf("could not accept connection: %w", err)
		}

		err = srv.handle(conn)
		if err != nil {
			srv.msg.Printf("could not run digitizer: %+v", err)
			continue
		}
	}
}

func (srv *server) handle(conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	dev, err := srv.newDevice(srv.devnode, srv.opts...)
	if err != nil {
		return fmt.Errorf("could not create spcm device: %w", err)
	}
	defer dev.Close()
	defer srv.endRun(dev)

loop:
	for {
		var req struct {
			Name string           `json:"name"`
			Args *json.RawMessage `json:"args"`
		}

		err = json.NewDecoder(conn).Decode(&req)
		if err != nil {
			srv.msg.Printf("could not decode command request: %+v", err)
			srv.reply(conn, err)
			if errors.Is(err, io.EOF) {
				break loop
			}
			continue
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		switch strings.ToLower(req.Name) {
		case "configure":
			if req.Args == nil {
				err = fmt.Errorf("missing settings payload")
				srv.reply(conn, err)
				continue
			}
			var args configArgs
			err = json.Unmarshal(*req.Args, &args)
			if err != nil {
				srv.msg.Printf("could not decode %q payload: %+v",
					req.Name, err,
				)
				srv.reply(conn, err)
				continue
			}

			s, err := args.settings()
			if err != nil {
				srv.msg.Printf("could not resolve settings: %+v", err)
				srv.reply(conn, err)
				continue
			}

			cfg, err := dev.Configure(s)
			if err != nil {
				srv.msg.Printf("could not configure device: %+v", err)
				srv.reply(conn, err)
				continue
			}
			srv.cfg = cfg
			srv.replyData(conn, configReplyFrom(cfg))

		case "start":
			err = dev.Start()
			if err != nil {
				srv.reply(conn, err)
				srv.msg.Printf("could not start device: %+v", err)
				continue
			}
			err = srv.beginRun()
			if err != nil {
				srv.msg.Printf("could not record run start: %+v", err)
			}
			srv.reply(conn, nil)

		case "stop":
			err = dev.Stop()
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not stop device: %+v", err)
				continue
			}
			srv.endRun(dev)

		case "pause":
			err = dev.Pause()
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not pause device: %+v", err)
				continue
			}

		case "continue":
			err = dev.Continue()
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not continue device: %+v", err)
				continue
			}

		case "reset":
			err = dev.Reset()
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not reset device: %+v", err)
				continue
			}

		case "force-trigger":
			err = dev.ForceTrigger()
			srv.reply(conn, err)
			if err != nil {
				srv.msg.Printf("could not force trigger: %+v", err)
				continue
			}

		case "status":
			srv.replyData(conn, dev.Status())

		case "trace":
			trace, err := dev.FetchTrace()
			if err != nil {
				srv.msg.Printf("could not fetch trace: %+v", err)
				srv.reply(conn, err)
				continue
			}
			srv.replyData(conn, traceReplyFrom(trace))

		case "constraints":
			srv.replyData(conn, constraintsReply())

		case "quit":
			srv.reply(conn, nil)
			break loop

		default:
			srv.msg.Printf("unknown command name=%q, args=%q", req.Name, req.Args)
			err = fmt.Errorf("unknown command %q", req.Name)
			srv.reply(conn, err)
			continue
		}
	}

	return nil
}

// beginRun opens a run record: the run number comes from the
// bookkeeping database when one is configured, from the local counter
// file otherwise.
func (srv *server) beginRun() error {
	var (
		run int64
		err error
	)
	switch {
	case srv.db != nil:
		run, err = srv.db.NewRun(
			context.Background(),
			srv.devnode, srv.cfg.Mode.String(), srv.cfg.BinWidth.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("could not insert run record: %w", err)
		}
	default:
		run, err = srv.nextRun()
		if err != nil {
			return fmt.Errorf("could not compute next run number: %w", err)
		}
	}
	srv.run = run
	srv.msg.Printf("started run %d", run)
	return nil
}

// endRun closes the currently open run record, if any.
func (srv *server) endRun(dev device) {
	if srv.run == 0 {
		return
	}
	run := srv.run
	srv.run = 0

	st := dev.Status()
	state := "done"
	if st.State == Errored {
		state = "error"
	}
	srv.msg.Printf("run %d: sweeps=%d state=%s", run, st.Sweeps, state)

	if srv.db == nil {
		return
	}
	err := srv.db.CloseRun(context.Background(), run, st.Sweeps, state)
	if err != nil {
		srv.msg.Printf("could not record end of run %d: %+v", run, err)
	}
}

// nextRun increments the run counter file and returns the new run
// number.
func (srv *server) nextRun() (int64, error) {
	fname := filepath.Join(srv.odir, "runnbr.txt")

	var run int64
	raw, err := os.ReadFile(fname)
	switch {
	case err == nil:
		run, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse run counter %q: %w", fname, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// first run on this host.
	default:
		return 0, fmt.Errorf("could not read run counter %q: %w", fname, err)
	}

	run++
	err = os.WriteFile(fname, []byte(strconv.FormatInt(run, 10)+"\n"), 0644)
	if err != nil {
		return 0, fmt.Errorf("could not update run counter %q: %w", fname, err)
	}
	return run, nil
}

func (srv *server) close() {
	_ = srv.ctl.Close()
	if srv.db != nil {
		_ = srv.db.Close()
	}
}

// configArgs is the wire form of Settings. Durations travel as
// seconds, modes as their display names.
type configArgs struct {
	RangeMV  int32  `json:"ai_range_mv,omitempty"`
	OffsetMV int32  `json:"ai_offset_mv,omitempty"`
	Term     string `json:"termination,omitempty"`
	Coupling string `json:"coupling,omitempty"`

	Mode    string `json:"mode,omitempty"`
	HWAvg   int32  `json:"hw_averages,omitempty"`
	PreTrig int64  `json:"pre_trigger,omitempty"`
	Loops   int64  `json:"segments,omitempty"`

	NotifyB  int32 `json:"notify_bytes,omitempty"`
	ClkRefHz int64 `json:"clock_ref_hz,omitempty"`

	Trig    string `json:"trigger,omitempty"`
	TrigLvl int32  `json:"trigger_level_mv,omitempty"`

	Gated bool  `json:"gated,omitempty"`
	Gates int64 `json:"gates,omitempty"`

	BinW   float64 `json:"binwidth_s,omitempty"`
	RecLen float64 `json:"record_length_s,omitempty"`

	BufLenS int64 `json:"buffer_samples,omitempty"`

	Backlog int64 `json:"backlog,omitempty"`
}

func (args configArgs) settings() (Settings, error) {
	s := Settings{
		RangeMV:   args.RangeMV,
		OffsetMV:  args.OffsetMV,
		Term:      args.Term,
		Coupling:  args.Coupling,
		HWAvg:     args.HWAvg,
		PreTrig:   args.PreTrig,
		Loops:     args.Loops,
		NotifyB:   args.NotifyB,
		ClkRefHz:  args.ClkRefHz,
		TrigLvlMV: args.TrigLvl,
		Gated:     args.Gated,
		Gates:     args.Gates,
		BinWidth:  time.Duration(args.BinW * float64(time.Second)),
		RecordLen: time.Duration(args.RecLen * float64(time.Second)),
		BufLenS:   args.BufLenS,
		Backlog:   args.Backlog,
	}

	if args.Mode != "" {
		mode, err := ParseMode(args.Mode)
		if err != nil {
			return Settings{}, err
		}
		s.Mode = mode
	}
	if args.Trig != "" {
		trig, err := ParseTrigMode(args.Trig)
		if err != nil {
			return Settings{}, err
		}
		s.Trig = trig
	}
	return s, nil
}

// ParseSettings decodes acquisition settings from their JSON wire
// form.
func ParseSettings(r io.Reader) (Settings, error) {
	var args configArgs
	err := json.NewDecoder(r).Decode(&args)
	if err != nil {
		return Settings{}, fmt.Errorf("spcm: could not decode settings: %w", err)
	}
	return args.settings()
}

func (srv *server) reply(conn net.Conn, err error) {
	rep := struct {
		Msg string `json:"msg"`
	}{"ok"}
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}

	_ = json.NewEncoder(conn).Encode(rep)
}

func (srv *server) replyData(conn net.Conn, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		srv.reply(conn, fmt.Errorf("could not encode reply data: %w", err))
		return
	}

	rep := struct {
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}{"ok", raw}

	_ = json.NewEncoder(conn).Encode(rep)
}

// ConfigReply reports the achieved configuration.
type ConfigReply struct {
	Mode       string  `json:"mode"`
	BinW       float64 `json:"binwidth_s"`
	SampleRate int64   `json:"sample_rate_hz"`
	SegSize    int64   `json:"segment_samples"`
	PreTrig    int64   `json:"pre_trigger"`
	SeqSize    int64   `json:"sequence_samples"`
	Reps       int64   `json:"ring_repetitions"`
	Threshold  int64   `json:"backlog_threshold"`
	Gated      bool    `json:"gated"`
}

func configReplyFrom(cfg Config) ConfigReply {
	return ConfigReply{
		Mode:       cfg.Mode.String(),
		BinW:       cfg.BinWidth.Seconds(),
		SampleRate: cfg.SampleRate,
		SegSize:    cfg.SegSizeS,
		PreTrig:    cfg.PreTrig,
		SeqSize:    cfg.SeqSizeS,
		Reps:       cfg.RepsPerBuf,
		Threshold:  cfg.Threshold,
		Gated:      cfg.Gated,
	}
}

// TraceReply is the wire form of a Trace.
type TraceReply struct {
	Data    []float64 `json:"data"`
	Sweeps  uint64    `json:"sweeps"`
	Elapsed float64   `json:"elapsed_s"`
	Rising  []uint64  `json:"rising,omitempty"`
	Falling []uint64  `json:"falling,omitempty"`
}

func traceReplyFrom(t Trace) TraceReply {
	return TraceReply{
		Data:    t.Data,
		Sweeps:  t.Sweeps,
		Elapsed: t.Elapsed.Seconds(),
		Rising:  t.Rising,
		Falling: t.Falling,
	}
}

func constraintsReply() struct {
	BinWidths []float64 `json:"binwidths_s"`
} {
	bws := Constraints()
	rep := struct {
		BinWidths []float64 `json:"binwidths_s"`
	}{make([]float64, len(bws))}
	for i, bw := range bws {
		rep.BinWidths[i] = bw.Seconds()
	}
	return rep
}
