// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"math"
	"time"
)

const maxSampleRate = 250_000_000 // Hz, master sampling clock

// timebases holds the achievable clock dividers of the card. The
// achievable bin widths are timebase/250MHz.
var timebases = [...]int64{
	1, 2, 4, 5, 6, 7, 8, 9, 10,
	20, 50, 100, 200, 500,
	1000, 2000, 5000, 10000,
}

// Constraints returns the achievable bin widths, smallest first.
func Constraints() []time.Duration {
	bws := make([]time.Duration, len(timebases))
	for i, tb := range timebases {
		bws[i] = time.Duration(tb) * 4 * time.Nanosecond
	}
	return bws
}

// resolveTimebase maps a requested bin width to the nearest achievable
// one. Ties resolve to the faster clock.
func resolveTimebase(bw time.Duration) (int64, time.Duration, error) {
	if bw <= 0 {
		return 0, 0, configErrorf("bin width must be positive, got %v", bw)
	}
	var (
		tb   int64
		best time.Duration = -1
		dist time.Duration
	)
	for _, cand := range timebases {
		cbw := time.Duration(cand) * 4 * time.Nanosecond
		d := cbw - bw
		if d < 0 {
			d = -d
		}
		if best < 0 || d < dist {
			tb, best, dist = cand, cbw, d
		}
	}
	return tb, best, nil
}

// Settings describes a requested acquisition. Zero-valued fields take
// the documented defaults when resolved.
type Settings struct {
	Device string // device node (default /dev/spcm0)

	RangeMV  int32  // channel 0 input range, ±mV (default 1000)
	OffsetMV int32  // channel 0 offset, mV
	Term     string // "1Mohm" or "50Ohm" (default "50Ohm")
	Coupling string // "DC" or "AC" (default "DC")

	Mode    Mode  // acquisition mode (default FIFOMulti)
	HWAvg   int32 // hardware block-average count (FIFOAverage only)
	PreTrig int64 // samples recorded before the trigger (default 16)
	Loops   int64 // number of segments to record, 0 = endless

	NotifyB  int32 // DMA notify granularity, bytes (default 4096)
	ClkRefHz int64 // reference clock, Hz (default 10 MHz)

	Trig      TrigMode // trigger source (default TrigExt)
	TrigLvlMV int32    // trigger level, mV (default 1000)

	Gated bool  // gated acquisition (FIFOGate)
	Gates int64 // gates per repetition (gated only)

	BinWidth  time.Duration // requested sample period
	RecordLen time.Duration // requested trace length (one repetition)

	BufLenS int64 // requested ring capacity, samples (default 1e9)

	Poll    time.Duration // loop poll period (default 1µs)
	Backlog int64         // backpressure threshold, repetitions (default 2×RepsPerBuf)
}

func (s Settings) withDefaults() Settings {
	if s.Device == "" {
		s.Device = "/dev/spcm0"
	}
	if s.RangeMV == 0 {
		s.RangeMV = 1000
	}
	if s.Term == "" {
		s.Term = "50Ohm"
	}
	if s.Coupling == "" {
		s.Coupling = "DC"
	}
	if s.Mode == 0 {
		s.Mode = FIFOMulti
	}
	if s.HWAvg == 0 {
		s.HWAvg = 1
	}
	if s.PreTrig == 0 {
		s.PreTrig = 16
	}
	if s.NotifyB == 0 {
		s.NotifyB = 4096
	}
	if s.ClkRefHz == 0 {
		s.ClkRefHz = 10_000_000
	}
	if s.Trig == 0 {
		s.Trig = TrigExt
	}
	if s.TrigLvlMV == 0 {
		s.TrigLvlMV = 1000
	}
	if s.BufLenS == 0 {
		s.BufLenS = 1_000_000_000
	}
	if s.Poll <= 0 {
		s.Poll = 1 * time.Microsecond
	}
	return s
}

// Config is the achieved configuration: the normalized settings plus
// the derived acquisition geometry.
type Config struct {
	Settings

	SampleRate int64 // Hz
	SegSizeS   int64 // samples per segment, 16-aligned
	PostTrigS  int64 // SegSizeS - PreTrig
	SeqSizeS   int64 // samples per repetition
	SeqSizeB   int64 // bytes per repetition
	RepsPerBuf int64 // ring capacity, repetitions
	BufSizeB   int64 // ring capacity, bytes
	SampleB    int32 // bytes per sample (2, or 4 in FIFOAverage)
	Threshold  int64 // backpressure threshold, repetitions
}

// Resolve normalizes s, resolves the bin width to the nearest
// achievable timebase and derives the acquisition geometry. It is
// pure: no card access.
func Resolve(s Settings) (Config, error) {
	s = s.withDefaults()

	switch s.Term {
	case "1Mohm", "50Ohm":
	default:
		return Config{}, configErrorf("unknown termination %q", s.Term)
	}
	switch s.Coupling {
	case "DC", "AC":
	default:
		return Config{}, configErrorf("unknown coupling %q", s.Coupling)
	}
	switch s.Mode {
	case StdSingle, StdMulti, FIFOSingle, FIFOMulti, FIFOGate, FIFOAverage:
	default:
		return Config{}, configErrorf("unknown acquisition mode 0x%x", uint32(s.Mode))
	}
	switch s.Trig {
	case TrigExt, TrigSoftware, TrigCh0:
	default:
		return Config{}, configErrorf("unknown trigger mode %d", int(s.Trig))
	}
	if s.Loops < 0 {
		return Config{}, configErrorf("negative segment count %d", s.Loops)
	}

	tb, bw, err := resolveTimebase(s.BinWidth)
	if err != nil {
		return Config{}, err
	}
	s.BinWidth = bw

	if s.RecordLen <= 0 {
		return Config{}, configErrorf("record length must be positive, got %v", s.RecordLen)
	}
	n := int64(math.Round(float64(s.RecordLen) / float64(bw)))
	if n < 1 {
		return Config{}, configErrorf("record length %v shorter than one %v sample", s.RecordLen, bw)
	}
	seg := (n + 15) &^ 15
	if seg < 32 {
		seg = 32
	}
	if s.PreTrig < 8 || s.PreTrig > seg-8 {
		return Config{}, configErrorf("pre-trigger %d outside [8, %d]", s.PreTrig, seg-8)
	}

	switch {
	case s.Gated:
		if s.Mode != FIFOGate {
			return Config{}, configErrorf("gated acquisition requires FIFO_GATE, got %v", s.Mode)
		}
		if s.Gates < 1 {
			return Config{}, configErrorf("gated acquisition requires at least one gate, got %d", s.Gates)
		}
	default:
		if s.Mode == FIFOGate {
			return Config{}, configErrorf("FIFO_GATE requires gated acquisition")
		}
		if s.Gates != 0 {
			return Config{}, configErrorf("gate count %d without gated acquisition", s.Gates)
		}
	}

	switch s.Mode {
	case FIFOAverage:
		if s.HWAvg < 2 {
			return Config{}, configErrorf("FIFO_AVERAGE requires a hardware average count >= 2, got %d", s.HWAvg)
		}
	default:
		if s.HWAvg > 1 {
			return Config{}, configErrorf("hardware average count %d requires FIFO_AVERAGE", s.HWAvg)
		}
	}

	if s.NotifyB <= 0 || s.NotifyB%4096 != 0 {
		return Config{}, configErrorf("notify size must be a positive multiple of 4096, got %d", s.NotifyB)
	}

	cfg := Config{
		Settings:   s,
		SampleRate: maxSampleRate / tb,
		SegSizeS:   seg,
		PostTrigS:  seg - s.PreTrig,
		SampleB:    2,
	}
	if s.Mode == FIFOAverage {
		cfg.SampleB = 4
	}

	cfg.SeqSizeS = seg
	if s.Gated {
		cfg.SeqSizeS = seg * s.Gates
	}
	cfg.SeqSizeB = cfg.SeqSizeS * int64(cfg.SampleB)

	cfg.RepsPerBuf = s.BufLenS / cfg.SeqSizeS
	if cfg.RepsPerBuf < 2 {
		return Config{}, configErrorf("ring of %d samples holds %d repetitions of %d samples, need at least 2",
			s.BufLenS, cfg.RepsPerBuf, cfg.SeqSizeS,
		)
	}
	cfg.BufSizeB = cfg.SeqSizeB * cfg.RepsPerBuf

	cfg.Threshold = s.Backlog
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2 * cfg.RepsPerBuf
	}

	return cfg, nil
}
