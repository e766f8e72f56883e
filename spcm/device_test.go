// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testSettings() Settings {
	return Settings{
		PreTrig:   8,
		BinWidth:  4 * time.Nanosecond,
		RecordLen: 128 * time.Nanosecond, // 32 samples
		BufLenS:   128,                   // 4 repetitions
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestDeviceLifecycle(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	cfg, err := dev.Configure(testSettings())
	if err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}
	if got, want := dev.State(), Idle; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	if got, want := cfg.RepsPerBuf, int64(4); got != want {
		t.Fatalf("invalid ring capacity: got=%d, want=%d", got, want)
	}

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start device: %+v", err)
	}
	if got, want := dev.State(), Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	err = dev.ForceTrigger()
	if err != nil {
		t.Fatalf("could not force trigger: %+v", err)
	}

	fake.produce(3, 100)
	fake.setTriggers(3)

	waitFor(t, "sweeps", func() bool { return dev.Status().Sweeps == 3 })

	st := dev.Status()
	if got, want := st.Triggers, int64(3); got != want {
		t.Fatalf("invalid trigger count: got=%d, want=%d", got, want)
	}
	if got, want := st.Backlog, int64(0); got != want {
		t.Fatalf("invalid backlog: got=%d, want=%d", got, want)
	}
	if !st.TriggerOn {
		t.Fatalf("trigger engine should be on")
	}

	err = dev.Stop()
	if err != nil {
		t.Fatalf("could not stop device: %+v", err)
	}
	if got, want := dev.State(), Idle; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	trace, err := dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if got, want := trace.Sweeps, uint64(3); got != want {
		t.Fatalf("invalid sweep count: got=%d, want=%d", got, want)
	}
	if got, want := len(trace.Data), 32; got != want {
		t.Fatalf("invalid trace length: got=%d, want=%d", got, want)
	}
	for i, v := range trace.Data {
		if v != 100 {
			t.Fatalf("invalid trace[%d]: got=%v, want=100", i, v)
		}
	}
	if trace.Elapsed <= 0 {
		t.Fatalf("invalid elapsed time: %v", trace.Elapsed)
	}

	// each produced byte handed back exactly once.
	data, ts := fake.released()
	if got, want := data, int64(3*64); got != want {
		t.Fatalf("invalid released bytes: got=%d, want=%d", got, want)
	}
	if got, want := ts, int64(0); got != want {
		t.Fatalf("invalid released timestamp bytes: got=%d, want=%d", got, want)
	}

	want := []string{
		"configure", // Configure
		"configure", "start", "enable-trigger", "start-dma", "wait-dma", // Start
		"force-trigger",
		"disable-trigger", "stop-dma", "stop", // Stop
	}
	if got := fake.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid command sequence:\ngot= %q\nwant=%q", got, want)
	}

	// a new run restarts the average from scratch.
	err = dev.Start()
	if err != nil {
		t.Fatalf("could not restart device: %+v", err)
	}
	if got, want := dev.Status().Sweeps, uint64(0); got != want {
		t.Fatalf("restart kept the average: got=%d sweeps, want=%d", got, want)
	}
	err = dev.Stop()
	if err != nil {
		t.Fatalf("could not stop device: %+v", err)
	}

	err = dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
}

func TestDeviceTransitions(t *testing.T) {
	type checks map[string]string

	for _, tc := range []struct {
		state string
		setup func(t *testing.T) *Device
		want  checks
	}{
		{
			state: "unconfigured",
			setup: func(t *testing.T) *Device {
				return newDevice(newFakeCard())
			},
			want: checks{
				"start":         "spcm: cannot start from state unconfigured",
				"stop":          "spcm: cannot stop from state unconfigured",
				"pause":         "spcm: cannot pause from state unconfigured",
				"continue":      "spcm: cannot continue from state unconfigured",
				"force-trigger": "spcm: cannot force a trigger from state unconfigured",
				"trace":         "spcm: no trace: device not configured",
			},
		},
		{
			state: "idle",
			setup: func(t *testing.T) *Device {
				dev := newDevice(newFakeCard())
				if _, err := dev.Configure(testSettings()); err != nil {
					t.Fatalf("could not configure device: %+v", err)
				}
				return dev
			},
			want: checks{
				"stop":          "spcm: cannot stop from state idle",
				"pause":         "spcm: cannot pause from state idle",
				"continue":      "spcm: cannot continue from state idle",
				"force-trigger": "spcm: cannot force a trigger from state idle",
			},
		},
		{
			state: "running",
			setup: func(t *testing.T) *Device {
				dev := newDevice(newFakeCard())
				if _, err := dev.Configure(testSettings()); err != nil {
					t.Fatalf("could not configure device: %+v", err)
				}
				if err := dev.Start(); err != nil {
					t.Fatalf("could not start device: %+v", err)
				}
				return dev
			},
			want: checks{
				"configure": "spcm: cannot configure from state running",
				"start":     "spcm: cannot start from state running",
				"continue":  "spcm: cannot continue from state running",
			},
		},
		{
			state: "paused",
			setup: func(t *testing.T) *Device {
				dev := newDevice(newFakeCard())
				if _, err := dev.Configure(testSettings()); err != nil {
					t.Fatalf("could not configure device: %+v", err)
				}
				if err := dev.Start(); err != nil {
					t.Fatalf("could not start device: %+v", err)
				}
				if err := dev.Pause(); err != nil {
					t.Fatalf("could not pause device: %+v", err)
				}
				return dev
			},
			want: checks{
				"configure":     "spcm: cannot configure from state paused",
				"start":         "spcm: cannot start from state paused",
				"pause":         "spcm: cannot pause from state paused",
				"force-trigger": "spcm: cannot force a trigger from state paused",
			},
		},
		{
			state: "error",
			setup: func(t *testing.T) *Device {
				fake := newFakeCard()
				fake.setErr("configure", errors.New("boom"))
				dev := newDevice(fake)
				if _, err := dev.Configure(testSettings()); err == nil {
					t.Fatalf("expected a configuration failure")
				}
				return dev
			},
			want: checks{
				"configure":     "spcm: cannot configure from state error",
				"start":         "spcm: cannot start from state error",
				"pause":         "spcm: cannot pause from state error",
				"continue":      "spcm: cannot continue from state error",
				"force-trigger": "spcm: cannot force a trigger from state error",
			},
		},
	} {
		t.Run(tc.state, func(t *testing.T) {
			dev := tc.setup(t)
			defer func() {
				switch dev.State() {
				case Running, Paused:
					_ = dev.Stop()
				}
			}()

			for op, want := range tc.want {
				var err error
				switch op {
				case "configure":
					_, err = dev.Configure(testSettings())
				case "start":
					err = dev.Start()
				case "stop":
					err = dev.Stop()
				case "pause":
					err = dev.Pause()
				case "continue":
					err = dev.Continue()
				case "force-trigger":
					err = dev.ForceTrigger()
				case "trace":
					_, err = dev.FetchTrace()
				default:
					t.Fatalf("unknown op %q", op)
				}
				if err == nil {
					t.Fatalf("op %q: expected an error", op)
				}
				if got := err.Error(); got != want {
					t.Fatalf("op %q: invalid error:\ngot= %s\nwant=%s", op, got, want)
				}
			}
		})
	}
}

func TestDeviceBackpressure(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	s := testSettings()
	s.Backlog = 4
	if _, err := dev.Configure(s); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}

	step := func(i int, sweeps uint64) {
		if err := dev.step(); err != nil {
			t.Fatalf("step %d: %+v", i, err)
		}
		if got, want := dev.Status().Sweeps, sweeps; got != want {
			t.Fatalf("step %d: invalid sweeps: got=%d, want=%d", i, got, want)
		}
	}

	// no trigger yet: the engine is kept running.
	step(1, 0)

	// the card raced ahead: hold the trigger engine, keep draining.
	fake.produce(2, 10)
	fake.setTriggers(10)
	step(2, 2)

	// still behind: no new trigger command.
	step(3, 2)

	fake.produce(4, 10)
	step(4, 6)

	fake.produce(4, 10)
	step(5, 10)

	// caught up: the engine is released.
	step(6, 10)

	want := []string{
		"configure",
		"enable-trigger",  // step 1
		"disable-trigger", // step 2
		"enable-trigger",  // step 6
	}
	if got := fake.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("trigger commands not edge-triggered:\ngot= %q\nwant=%q", got, want)
	}
}

func TestDeviceOverrun(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	if _, err := dev.Configure(testSettings()); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("could not start device: %+v", err)
	}

	// 8 unread repetitions in a 4-repetition ring: data was overwritten.
	fake.produce(8, 1)
	fake.setTriggers(1)

	waitFor(t, "error state", func() bool { return dev.State() == Errored })

	// overwritten bytes are never handed back.
	data, _ := fake.released()
	if got, want := data, int64(0); got != want {
		t.Fatalf("overrun released %d bytes, want %d", got, want)
	}

	err := dev.Stop()
	if err == nil {
		t.Fatalf("expected the overrun error from stop")
	}
	var oerr *OverrunError
	if !errors.As(err, &oerr) {
		t.Fatalf("error is not an overrun: %#v", err)
	}
	if got, want := oerr.RepEnd, int64(8); got != want {
		t.Fatalf("invalid unread span end: got=%d, want=%d", got, want)
	}
	if got, want := dev.State(), Errored; got != want {
		t.Fatalf("invalid state after stop: got=%v, want=%v", got, want)
	}
	if st := dev.Status(); st.Error == "" {
		t.Fatalf("status should carry the overrun error")
	}

	// the error state is sticky until reset.
	if err := dev.Start(); err == nil {
		t.Fatalf("expected an error starting from the error state")
	}

	if err := dev.Reset(); err != nil {
		t.Fatalf("could not reset device: %+v", err)
	}
	if got, want := dev.State(), Unconfigured; got != want {
		t.Fatalf("invalid state after reset: got=%v, want=%v", got, want)
	}
	if st := dev.Status(); st.Error != "" {
		t.Fatalf("reset kept the error: %q", st.Error)
	}

	if _, err := dev.Configure(testSettings()); err != nil {
		t.Fatalf("could not reconfigure device: %+v", err)
	}
	if got, want := dev.State(), Idle; got != want {
		t.Fatalf("invalid state after reconfigure: got=%v, want=%v", got, want)
	}
}

func TestDeviceHWError(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	if _, err := dev.Configure(testSettings()); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("could not start device: %+v", err)
	}

	fake.setErr("triggers", errors.New("bus fault"))

	waitFor(t, "error state", func() bool { return dev.State() == Errored })

	err := dev.Stop()
	if err == nil {
		t.Fatalf("expected the hardware error from stop")
	}
	var hwerr *HWError
	if !errors.As(err, &hwerr) {
		t.Fatalf("error is not a hardware error: %#v", err)
	}
	if got, want := hwerr.Op, "acquisition loop"; got != want {
		t.Fatalf("invalid failed operation: got=%q, want=%q", got, want)
	}
	if !strings.Contains(err.Error(), "bus fault") {
		t.Fatalf("error lost its cause: %v", err)
	}
}

func TestDeviceGated(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	s := testSettings()
	s.Mode = FIFOGate
	s.Gated = true
	s.Gates = 1
	if _, err := dev.Configure(s); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}
	if !dev.IsGated() {
		t.Fatalf("device should be gated")
	}

	fake.produce(2, 7)
	fake.produceTS(100, 200)
	fake.produceTS(300, 400)
	fake.setTriggers(2)

	if err := dev.step(); err != nil {
		t.Fatalf("could not run scheduling step: %+v", err)
	}

	trace, err := dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if got, want := trace.Sweeps, uint64(2); got != want {
		t.Fatalf("invalid sweep count: got=%d, want=%d", got, want)
	}
	if got, want := trace.Rising, []uint64{100, 300}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid rising stamps:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := trace.Falling, []uint64{200, 400}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid falling stamps:\ngot= %v\nwant=%v", got, want)
	}
	for i, v := range trace.Data {
		if v != 7 {
			t.Fatalf("invalid trace[%d]: got=%v, want=7", i, v)
		}
	}

	// only the stamps of the last drained batch are kept.
	fake.produce(1, 7)
	fake.produceTS(500, 600)
	fake.setTriggers(3)

	if err := dev.step(); err != nil {
		t.Fatalf("could not run scheduling step: %+v", err)
	}

	trace, err = dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if got, want := trace.Rising, []uint64{500}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid rising stamps:\ngot= %v\nwant=%v", got, want)
	}
	if got, want := trace.Falling, []uint64{600}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid falling stamps:\ngot= %v\nwant=%v", got, want)
	}

	_, ts := fake.released()
	if got, want := ts, int64(3*16); got != want {
		t.Fatalf("invalid released timestamp bytes: got=%d, want=%d", got, want)
	}
}

func TestDeviceTrace(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	if _, err := dev.Configure(testSettings()); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}

	// before the first repetition there is no average.
	trace, err := dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if trace.Data != nil {
		t.Fatalf("invalid zero-sweep trace data: got=%v, want=nil", trace.Data)
	}
	if got, want := trace.Sweeps, uint64(0); got != want {
		t.Fatalf("invalid zero-sweep count: got=%d, want=%d", got, want)
	}

	fake.produce(1, 5)
	fake.setTriggers(1)
	if err := dev.step(); err != nil {
		t.Fatalf("could not run scheduling step: %+v", err)
	}

	trace, err = dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	trace.Data[0] = -1

	again, err := dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if got, want := again.Data[0], 5.0; got != want {
		t.Fatalf("trace aliases the accumulator: got=%v, want=%v", got, want)
	}
}

func TestDeviceStopTimeout(t *testing.T) {
	restore := stopTimeout
	stopTimeout = 10 * time.Millisecond
	defer func() { stopTimeout = restore }()

	dev := newDevice(newFakeCard())
	dev.daq.done = make(chan int) // a loop that never acknowledges

	err := dev.stopLoop()
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if got, want := err.Error(), "spcm: could not stop acquisition loop (timeout=10ms)"; got != want {
		t.Fatalf("invalid error: got=%q, want=%q", got, want)
	}
}

func TestDevicePauseContinue(t *testing.T) {
	fake := newFakeCard()
	dev := newDevice(fake)

	if _, err := dev.Configure(testSettings()); err != nil {
		t.Fatalf("could not configure device: %+v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("could not start device: %+v", err)
	}

	fake.produce(2, 50)
	fake.setTriggers(2)
	waitFor(t, "sweeps", func() bool { return dev.Status().Sweeps == 2 })

	if err := dev.Pause(); err != nil {
		t.Fatalf("could not pause device: %+v", err)
	}
	if got, want := dev.State(), Paused; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	st := dev.Status()
	if st.TriggerOn {
		t.Fatalf("trigger engine should be off while paused")
	}
	if got, want := st.Sweeps, uint64(2); got != want {
		t.Fatalf("pause lost sweeps: got=%d, want=%d", got, want)
	}

	// the acquisition clock does not run while paused.
	time.Sleep(20 * time.Millisecond)
	if got, want := dev.Status().Elapsed, st.Elapsed; got != want {
		t.Fatalf("elapsed time ran while paused: got=%v, want=%v", got, want)
	}

	if err := dev.Continue(); err != nil {
		t.Fatalf("could not continue device: %+v", err)
	}
	if got, want := dev.State(), Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	fake.produce(2, 50)
	fake.setTriggers(4)
	waitFor(t, "sweeps", func() bool { return dev.Status().Sweeps == 4 })

	if err := dev.Stop(); err != nil {
		t.Fatalf("could not stop device: %+v", err)
	}

	trace, err := dev.FetchTrace()
	if err != nil {
		t.Fatalf("could not fetch trace: %+v", err)
	}
	if got, want := trace.Sweeps, uint64(4); got != want {
		t.Fatalf("invalid sweep count: got=%d, want=%d", got, want)
	}
	for i, v := range trace.Data {
		if v != 50 {
			t.Fatalf("invalid trace[%d]: got=%v, want=50", i, v)
		}
	}
}
