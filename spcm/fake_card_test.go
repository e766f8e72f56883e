// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"encoding/binary"
	"sync"
)

// fakeCard is an in-memory digitizer: the test fills the ring and the
// trigger counter, the fake keeps the produce/release accounting a
// real card would.
type fakeCard struct {
	mu  sync.Mutex
	cfg Config

	ntrig int64  // hardware trigger counter
	buf   []byte // data ring backing store
	wrep  int64  // repetitions produced
	rrep  int64  // repetitions released back

	tsb    []byte // timestamp ring backing store
	tswrow int64  // stamp rows produced
	tsrrow int64  // stamp rows released back

	releasedB   int64 // total data bytes handed back
	tsReleasedB int64 // total timestamp bytes handed back

	log  []string         // card commands, in order
	errs map[string]error // injected failures, by command name
}

var _ driver = (*fakeCard)(nil)

func newFakeCard() *fakeCard {
	return &fakeCard{errs: make(map[string]error)}
}

// cmd logs a card command and returns its injected failure, if any.
// fake.mu must be held.
func (fake *fakeCard) cmd(name string) error {
	fake.log = append(fake.log, name)
	return fake.errs[name]
}

func (fake *fakeCard) setErr(name string, err error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.errs[name] = err
}

func (fake *fakeCard) commands() []string {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return append([]string(nil), fake.log...)
}

func (fake *fakeCard) released() (data, ts int64) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.releasedB, fake.tsReleasedB
}

// setTriggers sets the hardware trigger counter.
func (fake *fakeCard) setTriggers(n int64) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.ntrig = n
}

// produce writes reps repetitions of constant samples at the ring
// write cursor.
func (fake *fakeCard) produce(reps int64, sample int16) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for r := int64(0); r < reps; r++ {
		base := (fake.wrep % fake.cfg.RepsPerBuf) * fake.cfg.SeqSizeB
		for i := int64(0); i < fake.cfg.SeqSizeS; i++ {
			binary.LittleEndian.PutUint16(fake.buf[base+2*i:], uint16(sample))
		}
		fake.wrep++
	}
}

// produceTS writes one row of gate stamps at the timestamp ring write
// cursor.
func (fake *fakeCard) produceTS(stamps ...uint64) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	base := (fake.tswrow % fake.cfg.RepsPerBuf) * 8 * int64(len(stamps))
	for i, ts := range stamps {
		binary.LittleEndian.PutUint64(fake.tsb[base+8*int64(i):], ts)
	}
	fake.tswrow++
}

func (fake *fakeCard) configure(cfg Config) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.cfg = cfg
	if fake.buf == nil {
		fake.buf = make([]byte, cfg.BufSizeB)
	}
	if cfg.Gated && fake.tsb == nil {
		fake.tsb = make([]byte, 16*cfg.Gates*cfg.RepsPerBuf)
	}
	return fake.cmd("configure")
}

func (fake *fakeCard) start() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("start")
}

func (fake *fakeCard) stop() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("stop")
}

func (fake *fakeCard) reset() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("reset")
}

func (fake *fakeCard) enableTrigger() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("enable-trigger")
}

func (fake *fakeCard) disableTrigger() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("disable-trigger")
}

func (fake *fakeCard) forceTrigger() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("force-trigger")
}

func (fake *fakeCard) startDMA() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("start-dma")
}

func (fake *fakeCard) stopDMA() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("stop-dma")
}

func (fake *fakeCard) waitDMA() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("wait-dma")
}

func (fake *fakeCard) status() (uint32, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["status"]; err != nil {
		return 0, err
	}
	return 0, nil
}

func (fake *fakeCard) avail() (pos, n int64, err error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["avail"]; err != nil {
		return 0, 0, err
	}
	pos = (fake.rrep % fake.cfg.RepsPerBuf) * fake.cfg.SeqSizeB
	n = (fake.wrep - fake.rrep) * fake.cfg.SeqSizeB
	return pos, n, nil
}

func (fake *fakeCard) release(n int64) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["release"]; err != nil {
		return err
	}
	fake.releasedB += n
	fake.rrep += n / fake.cfg.SeqSizeB
	return nil
}

func (fake *fakeCard) data(pos, n int64) ([]byte, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["data"]; err != nil {
		return nil, err
	}
	return append([]byte(nil), fake.buf[pos:pos+n]...), nil
}

func (fake *fakeCard) tsAvail() (pos, n int64, err error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["ts-avail"]; err != nil {
		return 0, 0, err
	}
	rowB := 16 * fake.cfg.Gates
	pos = (fake.tsrrow % fake.cfg.RepsPerBuf) * rowB
	n = (fake.tswrow - fake.tsrrow) * rowB
	return pos, n, nil
}

func (fake *fakeCard) tsRelease(n int64) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["ts-release"]; err != nil {
		return err
	}
	fake.tsReleasedB += n
	fake.tsrrow += n / (16 * fake.cfg.Gates)
	return nil
}

func (fake *fakeCard) tsData(pos, n int64) ([]byte, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["ts-data"]; err != nil {
		return nil, err
	}
	return append([]byte(nil), fake.tsb[pos:pos+n]...), nil
}

func (fake *fakeCard) triggers() (int64, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if err := fake.errs["triggers"]; err != nil {
		return 0, err
	}
	return fake.ntrig, nil
}

func (fake *fakeCard) close() error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.cmd("close")
}
