// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

// driver is the hardware surface a Device drives. It is implemented
// by card (the M-series register interface) and by test fakes.
type driver interface {
	// configure programs the card registers for the given acquisition
	// and maps the DMA windows.
	configure(cfg Config) error

	// start arms the card, without enabling the trigger engine.
	start() error
	// stop halts the card.
	stop() error
	// reset forces the card back to its power-on state.
	reset() error

	enableTrigger() error
	disableTrigger() error
	forceTrigger() error

	startDMA() error
	stopDMA() error
	// waitDMA blocks until the first notify block of a fresh DMA
	// transfer has been committed to the ring.
	waitDMA() error

	// status reads the card status register.
	status() (uint32, error)
	// avail probes the data ring: the read cursor position and the
	// number of unread bytes.
	avail() (pos, n int64, err error)
	// release hands n bytes at the read cursor back to the card.
	release(n int64) error
	// data returns a view of n bytes of the data ring at pos.
	data(pos, n int64) ([]byte, error)

	// tsAvail, tsRelease and tsData are the timestamp ring
	// counterparts of avail, release and data. They are only driven
	// on gated acquisitions.
	tsAvail() (pos, n int64, err error)
	tsRelease(n int64) error
	tsData(pos, n int64) ([]byte, error)

	// triggers reads the trigger counter.
	triggers() (int64, error)

	close() error
}

var _ driver = (*card)(nil)
