// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"io"
	"time"

	"github.com/go-daq/tdaq"
	"golang.org/x/xerrors"
)

// Server adapts a digitizer to a tdaq process: the standard commands
// drive the device state machine and the cumulative average is
// published on an output stream.
type Server struct {
	name    string
	devnode string

	settings Settings
	dev      *Device

	buf   *wbuf
	trace chan []byte
}

// NewServer returns a tdaq server driving the digitizer at devnode
// with the given acquisition settings.
func NewServer(name, devnode string, s Settings) *Server {
	return &Server{
		name:    name,
		devnode: devnode,

		settings: s,
		trace:    make(chan []byte, 8),
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if srv.dev == nil {
		dev, err := NewDevice(srv.devnode)
		if err != nil {
			ctx.Msg.Errorf("could not open digitizer: %+v", err)
			return xerrors.Errorf("could not open digitizer: %w", err)
		}
		srv.dev = dev
	}

	cfg, err := srv.dev.Configure(srv.settings)
	if err != nil {
		ctx.Msg.Errorf("could not configure digitizer: %+v", err)
		return xerrors.Errorf("could not configure digitizer: %w", err)
	}
	srv.buf = &wbuf{p: make([]byte, 20+8*cfg.SeqSizeS)}
	ctx.Msg.Infof("configured: mode=%v bw=%v seg=%d samples",
		cfg.Mode, cfg.BinWidth, cfg.SegSizeS,
	)
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	srv.trace = make(chan []byte, 8)
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	srv.trace = make(chan []byte, 8)
	if srv.dev == nil {
		return nil
	}
	err := srv.dev.Reset()
	if err != nil {
		ctx.Msg.Errorf("could not reset digitizer: %+v", err)
		return xerrors.Errorf("could not reset digitizer: %w", err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.dev == nil {
		return xerrors.Errorf("digitizer not configured")
	}
	err := srv.dev.Start()
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return xerrors.Errorf("could not start acquisition: %w", err)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	if srv.dev == nil {
		return xerrors.Errorf("digitizer not configured")
	}
	err := srv.dev.Stop()
	if err != nil {
		ctx.Msg.Errorf("could not stop acquisition: %+v", err)
		return xerrors.Errorf("could not stop acquisition: %w", err)
	}
	st := srv.dev.Status()
	ctx.Msg.Infof("run stopped: sweeps=%d elapsed=%v", st.Sweeps, st.Elapsed)
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if srv.dev == nil {
		return nil
	}
	err := srv.dev.Close()
	srv.dev = nil
	if err != nil {
		ctx.Msg.Errorf("could not close digitizer: %+v", err)
		return xerrors.Errorf("could not close digitizer: %w", err)
	}
	return nil
}

// Trace serves the published average frames on the output stream.
func (srv *Server) Trace(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case body := <-srv.trace:
		dst.Body = body
	}
	return nil
}

// Run samples the average once per second while a run is in progress
// and queues the frames for the output stream. Frames are dropped
// when the consumer lags.
func (srv *Server) Run(ctx tdaq.Context) error {
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tick.C:
			if srv.dev == nil || srv.dev.State() != Running {
				continue
			}
			trace, err := srv.dev.FetchTrace()
			if err != nil {
				continue
			}

			select {
			case srv.trace <- srv.encode(trace):
			default:
			}
		}
	}
}

// encode packs a trace frame: sweeps, elapsed nanoseconds, sample
// count, samples.
func (srv *Server) encode(t Trace) []byte {
	srv.buf.c = 0
	enc := tdaq.NewEncoder(srv.buf)
	enc.WriteU64(t.Sweeps)
	enc.WriteI64(int64(t.Elapsed))
	enc.WriteU32(uint32(len(t.Data)))
	for _, v := range t.Data {
		enc.WriteF64(v)
	}
	return append([]byte(nil), srv.buf.p[:srv.buf.c]...)
}

// wbuf is a fixed-capacity frame buffer.
type wbuf struct {
	p []byte
	c int
}

func (w *wbuf) Write(p []byte) (int, error) {
	if w.c >= len(w.p) {
		return 0, io.EOF
	}
	n := copy(w.p[w.c:], p)
	w.c += n
	return n, nil
}
