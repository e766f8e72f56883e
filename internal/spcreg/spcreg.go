// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spcreg lists the SPC register ids, command bits and mode bits
// used to drive Spectrum M-series digitizer cards through their
// parameter interface.
package spcreg // import "github.com/go-lpc/fadc/internal/spcreg"

// Register ids. Each id addresses one 32- or 64-bit card parameter.
const (
	M2Cmd    = 100 // command register (write-only)
	M2Status = 110 // status register (read-only)

	DataAvailUserLen = 200 // bytes available to the user (read)
	DataAvailUserPos = 201 // user read position in the ring (read)
	DataAvailCardLen = 202 // bytes handed back to the card (write)
	DataBufLen       = 210 // DMA ring length in bytes (write)
	DataNotify       = 211 // DMA notify granularity in bytes (write)

	TSAvailUserLen = 220 // timestamp bytes available to the user (read)
	TSAvailUserPos = 221 // timestamp user read position (read)
	TSAvailCardLen = 222 // timestamp bytes handed back (write)
	TSBufLen       = 230 // timestamp ring length in bytes (write)
	TSNotify       = 231 // timestamp notify granularity (write)

	PCIType     = 2000 // card type id
	PCISerialNo = 2030 // card serial number
	PCIMemSize  = 2110 // installed on-board memory, bytes

	MIInstBitsPerSample = 1125 // ADC resolution of the installed module

	CardMode = 9500 // acquisition mode register

	MemSize          = 10000 // total acquisition memory, samples
	SegmentSize      = 10010 // samples per segment
	Loops            = 10020 // number of segments (0 = endless)
	PreTrigger       = 10030 // samples recorded before the trigger
	PostTrigger      = 10100 // samples recorded after the trigger
	GateLenAlignment = 10130 // gate length alignment, samples (read)

	ChEnable = 11000 // channel enable mask
	ChCount  = 11001 // number of enabled channels (read)

	SampleRate = 20000 // sampling rate, Hz
	ClockOut   = 20110 // clock output enable
	RefClock   = 20140 // external reference clock, Hz
	ClockMode  = 20200 // clock generation mode

	Offs0  = 30000 // channel 0 offset, mV
	Amp0   = 30010 // channel 0 input range, ±mV
	ACDC0  = 30020 // channel 0 coupling: 0=DC 1=AC
	Ohm50  = 30030 // channel 0 termination: 0=1MOhm 1=50Ohm
	Filter = 30080 // channel 0 bandwidth filter

	TrigORMask    = 40410 // trigger OR mask
	TrigANDMask   = 40430 // trigger AND mask
	TrigChORMask0 = 40450 // channel trigger OR mask
	TrigChANDMask = 40470 // channel trigger AND mask

	TrigExt0Mode   = 40510 // external trigger mode
	TrigCh0Mode    = 40610 // channel 0 trigger mode
	TrigCh0Level0  = 42200 // channel 0 trigger level, mV
	TrigExt0Level0 = 42320 // external trigger level, mV

	TimestampCmd = 47000 // timestamp engine command

	TriggerCounter = 200905 // hardware trigger counter (read)

	Timeout = 295130 // card timeout for wait commands, ms

	Averages = 580000 // hardware block-average count
)

// M2Cmd bits.
const (
	CmdCardReset      = 0x00000001
	CmdCardWriteSetup = 0x00000002
	CmdCardStart      = 0x00000004
	CmdEnableTrigger  = 0x00000008
	CmdForceTrigger   = 0x00000010
	CmdDisableTrigger = 0x00000020
	CmdCardStop       = 0x00000040

	CmdWaitPrefull = 0x00001000
	CmdWaitTrigger = 0x00002000
	CmdWaitReady   = 0x00004000

	CmdDataStartDMA = 0x00010000
	CmdDataWaitDMA  = 0x00020000
	CmdDataStopDMA  = 0x00040000

	CmdExtraStartDMA = 0x00100000
	CmdExtraWaitDMA  = 0x00200000
	CmdExtraStopDMA  = 0x00400000
)

// M2Status bits.
const (
	StatCardPreTrigger = 0x00000001
	StatCardTrigger    = 0x00000002
	StatCardReady      = 0x00000004

	StatDataBlockReady = 0x00000100
	StatDataEnd        = 0x00000200
	StatDataOverrun    = 0x00000400
	StatDataError      = 0x00000800
)

// CardMode values.
const (
	RecStdSingle   = 0x00000001
	RecStdMulti    = 0x00000002
	RecStdGate     = 0x00000004
	RecFIFOSingle  = 0x00000010
	RecFIFOMulti   = 0x00000020
	RecFIFOGate    = 0x00000040
	RecFIFOAverage = 0x00200000
)

// ClockMode values.
const (
	ClockIntPLL = 0x00000001
)

// Trigger mask and mode values.
const (
	TMaskNone     = 0x00000000
	TMaskSoftware = 0x00000001
	TMaskExt0     = 0x00000002

	TMaskCh0 = 0x00000001

	TrigModePos = 0x00000001
	TrigModeNeg = 0x00000002
)

// TimestampCmd values.
const (
	TSModeDisable    = 0x00000000
	TSModeStandard   = 0x00000001
	TSModeStartReset = 0x00000002
	TSCmdReset       = 0x00000010
)

// Channel enable bits.
const (
	Channel0 = 0x00000001
)

// Mapped windows in the device node. Registers live at the low offsets;
// the driver exposes the DMA rings at fixed high offsets.
const (
	DataWindow = 0x1_0000_0000 // sample ring
	TSWindow   = 0x2_0000_0000 // timestamp ring
)
