// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spcm controls Spectrum M-series digitizer cards in continuous
// streaming mode: the card fills a host-side DMA ring buffer with
// triggered segments (repetitions) while a background loop folds them
// into a cumulative per-sample average.
package spcm // import "github.com/go-lpc/fadc/spcm"

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-lpc/fadc/internal/spcreg"
)

// State is the measurement state of a device.
type State int32

const (
	Unconfigured State = 0
	Idle         State = 1
	Running      State = 2
	Paused       State = 3
	Errored      State = -1
)

func (st State) String() string {
	switch st {
	case Unconfigured:
		return "unconfigured"
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Errored:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(st))
}

func (st State) MarshalJSON() ([]byte, error) {
	return json.Marshal(st.String())
}

func (st *State) UnmarshalJSON(p []byte) error {
	var name string
	err := json.Unmarshal(p, &name)
	if err != nil {
		return fmt.Errorf("spcm: could not unmarshal state: %w", err)
	}
	switch name {
	case "unconfigured":
		*st = Unconfigured
	case "idle":
		*st = Idle
	case "running":
		*st = Running
	case "paused":
		*st = Paused
	case "error":
		*st = Errored
	default:
		return fmt.Errorf("spcm: unknown state %q", name)
	}
	return nil
}

// Mode is the acquisition mode of the card. Values match the
// card-mode register bits.
type Mode uint32

const (
	StdSingle   Mode = spcreg.RecStdSingle
	StdMulti    Mode = spcreg.RecStdMulti
	FIFOSingle  Mode = spcreg.RecFIFOSingle
	FIFOMulti   Mode = spcreg.RecFIFOMulti
	FIFOGate    Mode = spcreg.RecFIFOGate
	FIFOAverage Mode = spcreg.RecFIFOAverage
)

func (m Mode) String() string {
	switch m {
	case StdSingle:
		return "STD_SINGLE"
	case StdMulti:
		return "STD_MULTI"
	case FIFOSingle:
		return "FIFO_SINGLE"
	case FIFOMulti:
		return "FIFO_MULTI"
	case FIFOGate:
		return "FIFO_GATE"
	case FIFOAverage:
		return "FIFO_AVERAGE"
	}
	return fmt.Sprintf("Mode(0x%x)", uint32(m))
}

func ParseMode(name string) (Mode, error) {
	switch strings.ToUpper(name) {
	case "STD_SINGLE":
		return StdSingle, nil
	case "STD_MULTI":
		return StdMulti, nil
	case "FIFO_SINGLE":
		return FIFOSingle, nil
	case "FIFO_MULTI":
		return FIFOMulti, nil
	case "FIFO_GATE":
		return FIFOGate, nil
	case "FIFO_AVERAGE":
		return FIFOAverage, nil
	}
	return 0, fmt.Errorf("spcm: unknown acquisition mode %q", name)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(p []byte) error {
	var name string
	err := json.Unmarshal(p, &name)
	if err != nil {
		return fmt.Errorf("spcm: could not unmarshal mode: %w", err)
	}
	v, err := ParseMode(name)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// TrigMode selects the trigger source of the acquisition.
type TrigMode int

const (
	TrigExt      TrigMode = iota + 1 // external trigger, rising edge
	TrigSoftware                     // software trigger
	TrigCh0                          // channel 0 level trigger, rising edge
)

func (tm TrigMode) String() string {
	switch tm {
	case TrigExt:
		return "EXT"
	case TrigSoftware:
		return "SW"
	case TrigCh0:
		return "CH0"
	}
	return fmt.Sprintf("TrigMode(%d)", int(tm))
}

func ParseTrigMode(name string) (TrigMode, error) {
	switch strings.ToUpper(name) {
	case "EXT":
		return TrigExt, nil
	case "SW":
		return TrigSoftware, nil
	case "CH0":
		return TrigCh0, nil
	}
	return 0, fmt.Errorf("spcm: unknown trigger mode %q", name)
}

func (tm TrigMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(tm.String())
}

func (tm *TrigMode) UnmarshalJSON(p []byte) error {
	var name string
	err := json.Unmarshal(p, &name)
	if err != nil {
		return fmt.Errorf("spcm: could not unmarshal trigger mode: %w", err)
	}
	v, err := ParseTrigMode(name)
	if err != nil {
		return err
	}
	*tm = v
	return nil
}
