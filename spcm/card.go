// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-lpc/fadc/internal/mmap"
	"github.com/go-lpc/fadc/internal/spcreg"
)

// cardTimeout bounds the wait commands of the card. It is programmed
// into the timeout register and mirrored by the host-side DMA wait.
const cardTimeout = 5000 * time.Millisecond

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// card drives one Spectrum M-series digitizer through its device node.
// Registers live in 8-byte cells at offset id*8 (32-bit parameters use
// the low half of their cell); the DMA rings are mmap'd windows of the
// same node.
//
// The acquisition loop and the controller share one card: mu guards
// the register scratch buffer and the sticky register error.
type card struct {
	msg *log.Logger
	fd  *os.File
	rw  rwer

	mu   sync.Mutex
	err  error
	xbuf [8]byte

	buf *mmap.Handle // data ring
	tsb *mmap.Handle // timestamp ring, gated runs only

	cfg Config

	typ    uint32 // card type id
	serial uint32
	memB   int64 // installed on-board memory, bytes
	adc    uint32
}

func newCard(devnode string, msg *log.Logger) (*card, error) {
	fd, err := os.OpenFile(devnode, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("spcm: could not open %q: %w", devnode, err)
	}

	crd := &card{
		msg: msg,
		fd:  fd,
		rw:  fd,
	}
	err = crd.identify()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return crd, nil
}

func regOff(reg uint32) int64 { return int64(reg) * 8 }

func (crd *card) readU32(reg uint32) uint32 {
	if crd.err != nil {
		return 0
	}
	_, crd.err = crd.rw.ReadAt(crd.xbuf[:4], regOff(reg))
	if crd.err != nil {
		crd.err = fmt.Errorf("spcm: could not read register %d: %w", reg, crd.err)
		return 0
	}
	return binary.LittleEndian.Uint32(crd.xbuf[:4])
}

func (crd *card) writeU32(reg uint32, v uint32) {
	if crd.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(crd.xbuf[:4], v)
	_, crd.err = crd.rw.WriteAt(crd.xbuf[:4], regOff(reg))
	if crd.err != nil {
		crd.err = fmt.Errorf("spcm: could not write register %d: %w", reg, crd.err)
		return
	}
}

func (crd *card) readI64(reg uint32) int64 {
	if crd.err != nil {
		return 0
	}
	_, crd.err = crd.rw.ReadAt(crd.xbuf[:8], regOff(reg))
	if crd.err != nil {
		crd.err = fmt.Errorf("spcm: could not read register %d: %w", reg, crd.err)
		return 0
	}
	return int64(binary.LittleEndian.Uint64(crd.xbuf[:8]))
}

func (crd *card) writeI64(reg uint32, v int64) {
	if crd.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(crd.xbuf[:8], uint64(v))
	_, crd.err = crd.rw.WriteAt(crd.xbuf[:8], regOff(reg))
	if crd.err != nil {
		crd.err = fmt.Errorf("spcm: could not write register %d: %w", reg, crd.err)
		return
	}
}

// cmd writes v to the command register.
func (crd *card) cmd(v uint32) {
	crd.writeU32(spcreg.M2Cmd, v)
}

func (crd *card) identify() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.typ = crd.readU32(spcreg.PCIType)
	crd.serial = crd.readU32(spcreg.PCISerialNo)
	crd.memB = crd.readI64(spcreg.PCIMemSize)
	crd.adc = crd.readU32(spcreg.MIInstBitsPerSample)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not identify card: %w", crd.err)
	}
	crd.msg.Printf(
		"card type=0x%x sn=%05d mem=%d MB adc=%d bits",
		crd.typ, crd.serial, crd.memB/(1024*1024), crd.adc,
	)
	return nil
}

func (crd *card) configure(cfg Config) error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cfg = cfg

	for _, f := range []struct {
		name string
		fct  func(Config) error
	}{
		{"analog front-end", crd.setupAnalog},
		{"acquisition mode", crd.setupMode},
		{"clock", crd.setupClock},
		{"trigger", crd.setupTrigger},
		{"DMA transfer", crd.setupDMA},
	} {
		err := f.fct(cfg)
		if err != nil {
			return fmt.Errorf("spcm: could not setup %s: %w", f.name, err)
		}
	}

	err := crd.checkSetup(cfg)
	if err != nil {
		return fmt.Errorf("spcm: could not validate setup: %w", err)
	}
	return nil
}

func (crd *card) setupAnalog(cfg Config) error {
	crd.writeU32(spcreg.Timeout, uint32(cardTimeout/time.Millisecond))
	crd.writeU32(spcreg.ChEnable, spcreg.Channel0)
	crd.writeI64(spcreg.Amp0, int64(cfg.RangeMV))
	crd.writeI64(spcreg.Offs0, int64(cfg.OffsetMV))
	switch cfg.Term {
	case "50Ohm":
		crd.writeU32(spcreg.Ohm50, 1)
	default:
		crd.writeU32(spcreg.Ohm50, 0)
	}
	switch cfg.Coupling {
	case "AC":
		crd.writeU32(spcreg.ACDC0, 1)
	default:
		crd.writeU32(spcreg.ACDC0, 0)
	}
	return crd.err
}

func (crd *card) setupMode(cfg Config) error {
	crd.writeU32(spcreg.CardMode, uint32(cfg.Mode))

	// STD modes record a fixed number of segments into card memory.
	loops := cfg.Loops
	if loops < 1 {
		loops = 1
	}

	switch cfg.Mode {
	case StdSingle:
		crd.writeI64(spcreg.MemSize, cfg.SegSizeS)
		crd.writeI64(spcreg.PostTrigger, cfg.PostTrigS)
	case StdMulti:
		crd.writeI64(spcreg.SegmentSize, cfg.SegSizeS)
		crd.writeI64(spcreg.MemSize, cfg.SegSizeS*loops)
		crd.writeI64(spcreg.PostTrigger, cfg.PostTrigS)
	case FIFOSingle:
		crd.writeI64(spcreg.PreTrigger, cfg.PreTrig)
		crd.writeI64(spcreg.SegmentSize, cfg.SegSizeS)
		crd.writeI64(spcreg.Loops, cfg.Loops)
	case FIFOMulti:
		crd.writeI64(spcreg.SegmentSize, cfg.SegSizeS)
		crd.writeI64(spcreg.PostTrigger, cfg.PostTrigS)
		crd.writeI64(spcreg.Loops, cfg.Loops)
	case FIFOGate:
		crd.writeI64(spcreg.PreTrigger, cfg.PreTrig)
		crd.writeI64(spcreg.PostTrigger, cfg.PostTrigS)
		crd.writeI64(spcreg.Loops, cfg.Loops)
	case FIFOAverage:
		crd.writeI64(spcreg.Averages, int64(cfg.HWAvg))
		crd.writeI64(spcreg.SegmentSize, cfg.SegSizeS)
		crd.writeI64(spcreg.PostTrigger, cfg.PostTrigS)
		crd.writeI64(spcreg.Loops, cfg.Loops)
	}
	return crd.err
}

func (crd *card) setupClock(cfg Config) error {
	crd.writeU32(spcreg.ClockMode, spcreg.ClockIntPLL)
	crd.writeI64(spcreg.RefClock, cfg.ClkRefHz)
	crd.writeI64(spcreg.SampleRate, cfg.SampleRate)
	crd.writeU32(spcreg.ClockOut, 1)
	return crd.err
}

func (crd *card) setupTrigger(cfg Config) error {
	switch cfg.Trig {
	case TrigExt:
		crd.writeU32(spcreg.TrigExt0Mode, spcreg.TrigModePos)
		crd.writeI64(spcreg.TrigExt0Level0, int64(cfg.TrigLvlMV))
		crd.writeU32(spcreg.TrigORMask, spcreg.TMaskExt0)
		crd.writeU32(spcreg.TrigANDMask, 0)
	case TrigSoftware:
		crd.writeU32(spcreg.TrigORMask, spcreg.TMaskSoftware)
		crd.writeU32(spcreg.TrigANDMask, 0)
	case TrigCh0:
		crd.writeU32(spcreg.TrigORMask, spcreg.TMaskNone)
		crd.writeU32(spcreg.TrigChANDMask, spcreg.TMaskCh0)
		crd.writeI64(spcreg.TrigCh0Level0, int64(cfg.TrigLvlMV))
		crd.writeU32(spcreg.TrigCh0Mode, spcreg.TrigModePos)
	}
	return crd.err
}

func (crd *card) setupDMA(cfg Config) error {
	crd.writeI64(spcreg.DataBufLen, cfg.BufSizeB)
	crd.writeI64(spcreg.DataNotify, int64(cfg.NotifyB))
	if crd.err != nil {
		return crd.err
	}

	if crd.buf != nil {
		_ = crd.buf.Close()
		crd.buf = nil
	}
	buf, err := mmap.Map(crd.fd, spcreg.DataWindow, int(cfg.BufSizeB))
	if err != nil {
		return fmt.Errorf("spcm: could not map data ring: %w", err)
	}
	crd.buf = buf

	if !cfg.Gated {
		return nil
	}

	// gated runs also stream the per-gate timestamps: one rising and
	// one falling 8-byte stamp per gate.
	tsBufB := 16 * cfg.Gates * cfg.RepsPerBuf
	crd.writeU32(spcreg.TimestampCmd, spcreg.TSModeStartReset)
	crd.writeI64(spcreg.TSBufLen, tsBufB)
	crd.writeI64(spcreg.TSNotify, 4096)
	if crd.err != nil {
		return crd.err
	}

	if crd.tsb != nil {
		_ = crd.tsb.Close()
		crd.tsb = nil
	}
	tsb, err := mmap.Map(crd.fd, spcreg.TSWindow, int(tsBufB))
	if err != nil {
		return fmt.Errorf("spcm: could not map timestamp ring: %w", err)
	}
	crd.tsb = tsb
	return nil
}

// checkSetup reads back the programmed registers and reports the ones
// the card did not accept.
func (crd *card) checkSetup(cfg Config) error {
	var nbad int

	for _, reg := range []struct {
		id   uint32
		want uint32
	}{
		{spcreg.ChEnable, spcreg.Channel0},
		{spcreg.CardMode, uint32(cfg.Mode)},
		{spcreg.ClockMode, spcreg.ClockIntPLL},
	} {
		v := crd.readU32(reg.id)
		if crd.err != nil {
			return crd.err
		}
		if v != reg.want {
			nbad++
			crd.msg.Printf("register %d readback: got=0x%x, want=0x%x", reg.id, v, reg.want)
		}
	}

	for _, reg := range []struct {
		id   uint32
		want int64
	}{
		{spcreg.Amp0, int64(cfg.RangeMV)},
		{spcreg.Offs0, int64(cfg.OffsetMV)},
		{spcreg.SampleRate, cfg.SampleRate},
		{spcreg.RefClock, cfg.ClkRefHz},
		{spcreg.DataBufLen, cfg.BufSizeB},
		{spcreg.DataNotify, int64(cfg.NotifyB)},
	} {
		v := crd.readI64(reg.id)
		if crd.err != nil {
			return crd.err
		}
		if v != reg.want {
			nbad++
			crd.msg.Printf("register %d readback: got=%d, want=%d", reg.id, v, reg.want)
		}
	}

	if nbad > 0 {
		return fmt.Errorf("spcm: card rejected %d register(s)", nbad)
	}
	return nil
}

func (crd *card) start() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdCardStart)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not start card: %w", crd.err)
	}
	return nil
}

func (crd *card) stop() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdCardStop)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not stop card: %w", crd.err)
	}
	return nil
}

func (crd *card) reset() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.err = nil // reset recovers from earlier register failures
	crd.cmd(spcreg.CmdCardReset)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not reset card: %w", crd.err)
	}
	return nil
}

func (crd *card) enableTrigger() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdEnableTrigger)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not enable trigger: %w", crd.err)
	}
	return nil
}

func (crd *card) disableTrigger() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdDisableTrigger)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not disable trigger: %w", crd.err)
	}
	return nil
}

func (crd *card) forceTrigger() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdForceTrigger)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not force trigger: %w", crd.err)
	}
	return nil
}

func (crd *card) startDMA() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdDataStartDMA)
	if crd.cfg.Gated {
		crd.cmd(spcreg.CmdExtraStartDMA)
	}
	if crd.err != nil {
		return fmt.Errorf("spcm: could not start DMA: %w", crd.err)
	}
	return nil
}

func (crd *card) stopDMA() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.cmd(spcreg.CmdDataStopDMA)
	if crd.cfg.Gated {
		crd.cmd(spcreg.CmdExtraStopDMA)
	}
	if crd.err != nil {
		return fmt.Errorf("spcm: could not stop DMA: %w", crd.err)
	}
	return nil
}

func (crd *card) waitDMA() error {
	crd.mu.Lock()
	crd.cmd(spcreg.CmdDataWaitDMA)
	err := crd.err
	crd.mu.Unlock()
	if err != nil {
		return fmt.Errorf("spcm: could not wait for DMA: %w", err)
	}

	deadline := time.Now().Add(cardTimeout)
	for {
		status, err := crd.status()
		if err != nil {
			return fmt.Errorf("spcm: could not wait for DMA: %w", err)
		}
		if status&spcreg.StatDataBlockReady != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("spcm: timeout waiting for DMA data (%v)", cardTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (crd *card) status() (uint32, error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	v := crd.readU32(spcreg.M2Status)
	if crd.err != nil {
		return 0, fmt.Errorf("spcm: could not read status: %w", crd.err)
	}
	return v, nil
}

func (crd *card) avail() (pos, n int64, err error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	n = crd.readI64(spcreg.DataAvailUserLen)
	pos = crd.readI64(spcreg.DataAvailUserPos)
	if crd.err != nil {
		return 0, 0, fmt.Errorf("spcm: could not probe data ring: %w", crd.err)
	}
	return pos, n, nil
}

func (crd *card) release(n int64) error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.writeI64(spcreg.DataAvailCardLen, n)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not release %d bytes: %w", n, crd.err)
	}
	return nil
}

func (crd *card) data(pos, n int64) ([]byte, error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	if crd.buf == nil {
		return nil, fmt.Errorf("spcm: data ring not mapped")
	}
	p, err := crd.buf.Slice(pos, n)
	if err != nil {
		return nil, fmt.Errorf("spcm: could not view data ring: %w", err)
	}
	return p, nil
}

func (crd *card) tsAvail() (pos, n int64, err error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	n = crd.readI64(spcreg.TSAvailUserLen)
	pos = crd.readI64(spcreg.TSAvailUserPos)
	if crd.err != nil {
		return 0, 0, fmt.Errorf("spcm: could not probe timestamp ring: %w", crd.err)
	}
	return pos, n, nil
}

func (crd *card) tsRelease(n int64) error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	crd.writeI64(spcreg.TSAvailCardLen, n)
	if crd.err != nil {
		return fmt.Errorf("spcm: could not release %d timestamp bytes: %w", n, crd.err)
	}
	return nil
}

func (crd *card) tsData(pos, n int64) ([]byte, error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	if crd.tsb == nil {
		return nil, fmt.Errorf("spcm: timestamp ring not mapped")
	}
	p, err := crd.tsb.Slice(pos, n)
	if err != nil {
		return nil, fmt.Errorf("spcm: could not view timestamp ring: %w", err)
	}
	return p, nil
}

func (crd *card) triggers() (int64, error) {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	v := crd.readI64(spcreg.TriggerCounter)
	if crd.err != nil {
		return 0, fmt.Errorf("spcm: could not read trigger counter: %w", crd.err)
	}
	return v, nil
}

func (crd *card) close() error {
	crd.mu.Lock()
	defer crd.mu.Unlock()

	if crd.fd == nil {
		return nil
	}

	var errBuf, errTSB error
	if crd.buf != nil {
		errBuf = crd.buf.Close()
	}
	if crd.tsb != nil {
		errTSB = crd.tsb.Close()
	}
	errFd := crd.fd.Close()

	crd.buf = nil
	crd.tsb = nil
	crd.fd = nil

	if errFd != nil {
		return fmt.Errorf("spcm: could not close device node: %w", errFd)
	}
	if errBuf != nil {
		return fmt.Errorf("spcm: could not unmap data ring: %w", errBuf)
	}
	if errTSB != nil {
		return fmt.Errorf("spcm: could not unmap timestamp ring: %w", errTSB)
	}
	return nil
}
