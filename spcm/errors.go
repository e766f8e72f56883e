// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import "fmt"

// ConfigError reports an invalid or unresolvable acquisition
// configuration. It is returned synchronously by Configure and leaves
// the card and the device state untouched.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "spcm: invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// HWError reports a failed card command or probe. It is fatal for the
// current run: the device transitions to the error state and must be
// reset before it accepts a new configuration.
type HWError struct {
	Op  string // card operation that failed
	Err error
}

func (e *HWError) Error() string {
	return fmt.Sprintf("spcm: hardware error in %s: %v", e.Op, e.Err)
}

func (e *HWError) Unwrap() error { return e.Err }

func hwErrorf(op string, err error) *HWError {
	return &HWError{Op: op, Err: err}
}

// OverrunError reports that the card filled the DMA ring faster than
// the loop consumed it: the unread span reaches or exceeds twice the
// ring capacity, so data has been overwritten. Fatal for the run.
type OverrunError struct {
	RepEnd     int64 // end of the unread span, in repetitions
	RepsPerBuf int64 // ring capacity, in repetitions
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("spcm: ring buffer overrun: unread span ends at repetition %d of a %d-repetition ring",
		e.RepEnd, e.RepsPerBuf,
	)
}
