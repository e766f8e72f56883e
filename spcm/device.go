// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

type device interface {
	Configure(s Settings) (Config, error)
	Start() error
	Stop() error
	Pause() error
	Continue() error
	Reset() error
	ForceTrigger() error
	Status() Status
	FetchTrace() (Trace, error)

	Close() error
}

var _ device = (*Device)(nil)

// Device represents a digitizer card acquiring repetitions of a
// triggered waveform into a cumulative average.
//
// A configured device is driven through a small state machine:
// Configure parks it in the idle state, Start spawns the acquisition
// loop, Pause/Continue gate the trigger engine while keeping the
// average, Stop returns to idle. Hardware failures and ring overruns
// park the device in the error state until Reset.
type Device struct {
	msg *log.Logger

	mu    sync.Mutex
	drv   driver
	state State
	cfg   Config
	err   error // first failure of the run

	avg  average
	acc  []float64 // per-batch accumulator scratch
	ring ring      // data ring geometry
	tsr  ring      // timestamp ring geometry, gated runs

	trigOn bool
	gate   struct {
		rising  []uint64 // gate stamps of the last drained batch
		falling []uint64
	}

	start   time.Time     // start of the current running stretch
	elapsed time.Duration // acquisition time of finished stretches

	daq struct {
		done chan int // signal to stop the acquisition loop
	}
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(msg *log.Logger) Option {
	return func(dev *Device) {
		dev.msg = msg
	}
}

// NewDevice opens the digitizer at devnode.
func NewDevice(devnode string, opts ...Option) (*Device, error) {
	dev := newDevice(nil, opts...)
	crd, err := newCard(devnode, dev.msg)
	if err != nil {
		return nil, err
	}
	dev.drv = crd
	return dev, nil
}

func newDevice(drv driver, opts ...Option) *Device {
	dev := &Device{
		msg:   log.New(os.Stdout, "spcm: ", 0),
		drv:   drv,
		state: Unconfigured,
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// fail records the first failure of the run and parks the device in
// the error state. The caller must hold dev.mu.
func (dev *Device) fail(op string, err error) error {
	if dev.err == nil {
		dev.err = hwErrorf(op, err)
	}
	if dev.state == Running {
		dev.elapsed += time.Since(dev.start)
	}
	dev.state = Errored
	dev.trigOn = false
	dev.msg.Printf("%+v", dev.err)
	return dev.err
}

// Configure resolves s and programs the card with it. The achieved
// configuration is returned: bin width and record length are rounded
// to what the hardware can do.
func (dev *Device) Configure(s Settings) (Config, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	switch dev.state {
	case Unconfigured, Idle:
	default:
		return Config{}, fmt.Errorf("spcm: cannot configure from state %v", dev.state)
	}

	cfg, err := Resolve(s)
	if err != nil {
		return Config{}, err
	}

	err = dev.drv.configure(cfg)
	if err != nil {
		return Config{}, dev.fail("configure", err)
	}

	dev.cfg = cfg
	dev.ring = ring{
		seqS:    cfg.SeqSizeS,
		seqB:    cfg.SeqSizeB,
		reps:    cfg.RepsPerBuf,
		sampleB: cfg.SampleB,
	}
	if cfg.Gated {
		dev.tsr = ring{
			seqS:    2 * cfg.Gates,
			seqB:    16 * cfg.Gates,
			reps:    cfg.RepsPerBuf,
			sampleB: 8,
		}
	}
	dev.avg.reset(cfg.SeqSizeS)
	dev.acc = make([]float64, cfg.SeqSizeS)
	dev.gate.rising = nil
	dev.gate.falling = nil
	dev.elapsed = 0
	dev.state = Idle

	dev.msg.Printf(
		"configured: mode=%v bw=%v seg=%d samples, ring=%d reps",
		cfg.Mode, cfg.BinWidth, cfg.SegSizeS, cfg.RepsPerBuf,
	)
	return cfg, nil
}

// Start arms the card and spawns the acquisition loop. The average
// restarts from zero sweeps.
func (dev *Device) Start() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state != Idle {
		return fmt.Errorf("spcm: cannot start from state %v", dev.state)
	}

	// re-program the card so every run begins from a known setup.
	err := dev.drv.configure(dev.cfg)
	if err != nil {
		return dev.fail("configure", err)
	}

	for _, f := range []struct {
		name string
		fct  func() error
	}{
		{"start card", dev.drv.start},
		{"enable trigger", dev.drv.enableTrigger},
		{"start DMA", dev.drv.startDMA},
		{"wait for DMA", dev.drv.waitDMA},
	} {
		err := f.fct()
		if err != nil {
			return dev.fail(f.name, err)
		}
	}

	dev.avg.reset(dev.cfg.SeqSizeS)
	dev.gate.rising = nil
	dev.gate.falling = nil
	dev.trigOn = true
	dev.start = time.Now()
	dev.elapsed = 0
	dev.state = Running
	dev.daq.done = make(chan int)

	go dev.loop(dev.daq.done)
	return nil
}

// loop drains the ring and balances the trigger engine against the
// processing backlog until stopped. After a failure it idles, still
// servicing the stop handshake, so the controller can collect the
// error.
func (dev *Device) loop(done chan int) {
	for {
		select {
		case <-done:
			done <- 1
			return
		default:
		}

		if dev.State() == Errored {
			time.Sleep(dev.cfg.Poll)
			continue
		}

		err := dev.step()
		if err != nil {
			dev.fatal(err)
		}
		time.Sleep(dev.cfg.Poll)
	}
}

// step runs one scheduling decision: compare the hardware trigger
// count with the number of processed sweeps and either keep the
// trigger engine running, drain the ring, or do both.
func (dev *Device) step() error {
	ntrig, err := dev.drv.triggers()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	var (
		swept     = int64(dev.avg.n)
		threshold = dev.cfg.Threshold
	)
	dev.mu.Unlock()

	backlog := ntrig - swept
	switch {
	case backlog == 0:
		return dev.setTrigger(true)
	case backlog < threshold:
		err := dev.setTrigger(true)
		if err != nil {
			return err
		}
		return dev.process()
	default:
		// processing lags too far behind: hold the trigger engine
		// until the ring drains.
		err := dev.setTrigger(false)
		if err != nil {
			return err
		}
		return dev.process()
	}
}

// setTrigger drives the trigger engine to the wanted state. The card
// is only touched on changes.
func (dev *Device) setTrigger(on bool) error {
	dev.mu.Lock()
	cur := dev.trigOn
	dev.mu.Unlock()
	if cur == on {
		return nil
	}

	var err error
	switch {
	case on:
		err = dev.drv.enableTrigger()
	default:
		err = dev.drv.disableTrigger()
	}
	if err != nil {
		return err
	}

	dev.mu.Lock()
	dev.trigOn = on
	dev.mu.Unlock()
	return nil
}

// process drains every complete repetition from the ring into the
// average and hands the bytes back to the card.
func (dev *Device) process() error {
	pos, avail, err := dev.drv.avail()
	if err != nil {
		return err
	}

	spans, nreps, err := dev.ring.plan(pos, avail)
	if err != nil {
		return err
	}
	if nreps == 0 {
		return nil
	}

	acc := dev.acc
	for i := range acc {
		acc[i] = 0
	}
	for _, sp := range spans {
		buf, err := dev.drv.data(sp.pos, sp.len)
		if err != nil {
			return err
		}
		_, err = dev.ring.sum(buf, acc)
		if err != nil {
			return err
		}
	}

	// fold the batch mean into the cumulative average.
	w := 1 / float64(nreps)
	for i := range acc {
		acc[i] *= w
	}

	dev.mu.Lock()
	err = dev.avg.merge(uint64(nreps), acc)
	dev.mu.Unlock()
	if err != nil {
		return err
	}

	err = dev.drv.release(nreps * dev.ring.seqB)
	if err != nil {
		return err
	}

	if dev.cfg.Gated {
		return dev.processTS()
	}
	return nil
}

// processTS drains the timestamp ring of a gated run. Stamps
// alternate rising, falling; the last drained batch is kept for
// FetchTrace.
func (dev *Device) processTS() error {
	pos, avail, err := dev.drv.tsAvail()
	if err != nil {
		return err
	}

	spans, nrows, err := dev.tsr.plan(pos, avail)
	if err != nil {
		return err
	}
	if nrows == 0 {
		return nil
	}

	var row []uint64
	for _, sp := range spans {
		buf, err := dev.drv.tsData(sp.pos, sp.len)
		if err != nil {
			return err
		}
		ts, err := stamps(buf)
		if err != nil {
			return err
		}
		row = append(row, ts...)
	}

	var (
		rising  = make([]uint64, 0, len(row)/2)
		falling = make([]uint64, 0, len(row)/2)
	)
	for i, ts := range row {
		switch {
		case i%2 == 0:
			rising = append(rising, ts)
		default:
			falling = append(falling, ts)
		}
	}

	dev.mu.Lock()
	dev.gate.rising = rising
	dev.gate.falling = falling
	dev.mu.Unlock()

	return dev.drv.tsRelease(nrows * dev.tsr.seqB)
}

// fatal halts the acquisition after a loop failure and parks the
// device in the error state.
func (dev *Device) fatal(err error) {
	_ = dev.drv.disableTrigger()
	_ = dev.drv.stopDMA()
	_ = dev.drv.stop()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.err == nil {
		switch err.(type) {
		case *OverrunError:
			dev.err = err
		default:
			dev.err = hwErrorf("acquisition loop", err)
		}
		dev.msg.Printf("%+v", dev.err)
	}
	if dev.state == Running {
		dev.elapsed += time.Since(dev.start)
	}
	dev.state = Errored
	dev.trigOn = false
}

// stopTimeout bounds the wait for the acquisition loop to acknowledge
// a stop request.
var stopTimeout = 10 * time.Second

// stopLoop stops the acquisition loop, if one is running.
func (dev *Device) stopLoop() error {
	dev.mu.Lock()
	done := dev.daq.done
	dev.daq.done = nil
	dev.mu.Unlock()
	if done == nil {
		return nil
	}

	tck := time.NewTimer(stopTimeout)
	defer tck.Stop()

	select {
	case done <- 1:
		<-done
	case <-tck.C:
		return fmt.Errorf("spcm: could not stop acquisition loop (timeout=%v)", stopTimeout)
	}
	return nil
}

// Stop halts the acquisition and returns the device to the idle
// state. Stopping a device in the error state stops the loop and
// returns the recorded error; the device stays in the error state
// until Reset.
func (dev *Device) Stop() error {
	dev.mu.Lock()
	state := dev.state
	dev.mu.Unlock()

	switch state {
	case Running, Paused, Errored:
	default:
		return fmt.Errorf("spcm: cannot stop from state %v", state)
	}

	err := dev.stopLoop()
	if err != nil {
		return err
	}

	if state == Errored {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.err
	}

	for _, f := range []struct {
		name string
		fct  func() error
	}{
		{"disable trigger", dev.drv.disableTrigger},
		{"stop DMA", dev.drv.stopDMA},
		{"stop card", dev.drv.stop},
	} {
		err := f.fct()
		if err != nil {
			dev.mu.Lock()
			err = dev.fail(f.name, err)
			dev.mu.Unlock()
			return err
		}
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.state == Errored { // the loop failed while we were stopping
		return dev.err
	}
	if dev.state == Running {
		dev.elapsed += time.Since(dev.start)
	}
	dev.trigOn = false
	dev.state = Idle
	return nil
}

// Pause gates the trigger engine and stops the acquisition loop,
// keeping the average. Continue resumes.
func (dev *Device) Pause() error {
	dev.mu.Lock()
	if dev.state != Running {
		defer dev.mu.Unlock()
		return fmt.Errorf("spcm: cannot pause from state %v", dev.state)
	}
	dev.mu.Unlock()

	err := dev.stopLoop()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	if dev.state == Errored {
		defer dev.mu.Unlock()
		return dev.err
	}
	dev.mu.Unlock()

	err = dev.drv.disableTrigger()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err != nil {
		return dev.fail("disable trigger", err)
	}
	dev.trigOn = false
	dev.elapsed += time.Since(dev.start)
	dev.state = Paused
	return nil
}

// Continue resumes a paused acquisition.
func (dev *Device) Continue() error {
	dev.mu.Lock()
	if dev.state != Paused {
		defer dev.mu.Unlock()
		return fmt.Errorf("spcm: cannot continue from state %v", dev.state)
	}
	dev.mu.Unlock()

	err := dev.drv.enableTrigger()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err != nil {
		return dev.fail("enable trigger", err)
	}
	dev.trigOn = true
	dev.start = time.Now()
	dev.state = Running
	dev.daq.done = make(chan int)

	go dev.loop(dev.daq.done)
	return nil
}

// Reset forces the card back to its power-on state and discards the
// configuration, the average and any recorded error.
func (dev *Device) Reset() error {
	err := dev.stopLoop()
	if err != nil {
		return err
	}

	err = dev.drv.reset()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err != nil {
		dev.err = nil // reset is the recovery path, do not keep history
		return dev.fail("reset", err)
	}

	dev.err = nil
	dev.cfg = Config{}
	dev.avg = average{}
	dev.acc = nil
	dev.ring = ring{}
	dev.tsr = ring{}
	dev.gate.rising = nil
	dev.gate.falling = nil
	dev.trigOn = false
	dev.elapsed = 0
	dev.state = Unconfigured
	return nil
}

// ForceTrigger injects one software trigger into a running
// acquisition.
func (dev *Device) ForceTrigger() error {
	dev.mu.Lock()
	state := dev.state
	dev.mu.Unlock()

	if state != Running {
		return fmt.Errorf("spcm: cannot force a trigger from state %v", state)
	}

	err := dev.drv.forceTrigger()
	if err != nil {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.fail("force trigger", err)
	}
	return nil
}

// State returns the current state of the device.
func (dev *Device) State() State {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.state
}

// Status is a point-in-time snapshot of a device.
type Status struct {
	State     State         `json:"state"`
	Sweeps    uint64        `json:"sweeps"`
	Elapsed   time.Duration `json:"elapsed"`
	Triggers  int64         `json:"triggers"`
	Backlog   int64         `json:"backlog"`
	TriggerOn bool          `json:"trigger_on"`
	Error     string        `json:"error,omitempty"`
}

// Status reports the device state, the sweep and trigger counters and
// the recorded error, if any.
func (dev *Device) Status() Status {
	var ntrig int64
	if dev.State() == Running {
		ntrig, _ = dev.drv.triggers()
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	st := Status{
		State:     dev.state,
		Sweeps:    dev.avg.n,
		Elapsed:   dev.elapsedLocked(),
		Triggers:  ntrig,
		TriggerOn: dev.trigOn,
	}
	if ntrig > 0 {
		st.Backlog = ntrig - int64(dev.avg.n)
	}
	if dev.err != nil {
		st.Error = dev.err.Error()
	}
	return st
}

func (dev *Device) elapsedLocked() time.Duration {
	if dev.state == Running {
		return dev.elapsed + time.Since(dev.start)
	}
	return dev.elapsed
}

// Trace is a snapshot of the cumulative average.
type Trace struct {
	Data    []float64     // per-sample average over all sweeps
	Sweeps  uint64        // repetitions folded in
	Elapsed time.Duration // acquisition time, pauses excluded
	Rising  []uint64      // gate rising-edge stamps of the last batch
	Falling []uint64      // gate falling-edge stamps of the last batch
}

// FetchTrace snapshots the cumulative average. It can be called in
// any state but the unconfigured one, concurrently with the
// acquisition.
func (dev *Device) FetchTrace() (Trace, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state == Unconfigured {
		return Trace{}, fmt.Errorf("spcm: no trace: device not configured")
	}

	data, n := dev.avg.snapshot()
	t := Trace{
		Data:    data,
		Sweeps:  n,
		Elapsed: dev.elapsedLocked(),
	}
	if dev.cfg.Gated {
		t.Rising = append([]uint64(nil), dev.gate.rising...)
		t.Falling = append([]uint64(nil), dev.gate.falling...)
	}
	return t, nil
}

// IsGated reports whether the configured acquisition is gated.
func (dev *Device) IsGated() bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.cfg.Gated
}

// BinWidth returns the achieved sample period.
func (dev *Device) BinWidth() time.Duration {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.cfg.BinWidth
}

// Close stops the acquisition if needed and releases the card.
func (dev *Device) Close() error {
	switch dev.State() {
	case Running, Paused, Errored:
		_ = dev.Stop()
	}
	return dev.drv.close()
}
