// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type standalone struct {
	dev  *Device
	stop chan os.Signal
}

func newStandalone(s Settings, opts ...Option) (*standalone, error) {
	dev, err := NewDevice(s.Device, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create spcm device: %w", err)
	}
	srv := &standalone{
		dev:  dev,
		stop: make(chan os.Signal, 1),
	}
	return srv, nil
}

// RunStandalone drives one acquisition without a controller: it
// configures the card, starts the run and returns the final average
// once a stop condition fires. A zero timeout runs until interrupted,
// a zero sweep target disables the sweep check.
func RunStandalone(s Settings, timeout time.Duration, sweeps uint64, opts ...Option) (Trace, error) {
	s = s.withDefaults()
	srv, err := newStandalone(s, opts...)
	if err != nil {
		return Trace{}, fmt.Errorf("could not create standalone acquisition: %w", err)
	}
	return srv.runDAQ(s, timeout, sweeps)
}

func (srv *standalone) runDAQ(s Settings, timeout time.Duration, sweeps uint64) (Trace, error) {
	dev := srv.dev
	defer dev.Close()

	signal.Notify(srv.stop, os.Interrupt, syscall.SIGUSR1)
	defer signal.Stop(srv.stop)

	cfg, err := dev.Configure(s)
	if err != nil {
		return Trace{}, fmt.Errorf("could not configure digitizer: %w", err)
	}
	dev.msg.Printf(
		"acquiring %d-sample repetitions at %v/sample",
		cfg.SeqSizeS, cfg.BinWidth,
	)

	err = dev.Start()
	if err != nil {
		return Trace{}, fmt.Errorf("could not start acquisition: %w", err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		deadline = tmr.C
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

readout:
	for {
		select {
		case <-srv.stop:
			dev.msg.Printf("stopping acquisition...")
			break readout

		case <-deadline:
			dev.msg.Printf("acquisition timeout reached")
			break readout

		case <-tick.C:
			st := dev.Status()
			if st.State == Errored {
				err := dev.Stop()
				return Trace{}, fmt.Errorf("acquisition failed: %w", err)
			}
			if sweeps > 0 && st.Sweeps >= sweeps {
				dev.msg.Printf("sweep target reached (%d)", st.Sweeps)
				break readout
			}
		}
	}

	err = dev.Stop()
	if err != nil {
		return Trace{}, fmt.Errorf("could not stop acquisition: %w", err)
	}

	trace, err := dev.FetchTrace()
	if err != nil {
		return Trace{}, fmt.Errorf("could not fetch trace: %w", err)
	}
	return trace, nil
}
