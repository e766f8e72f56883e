// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"encoding/binary"
	"fmt"
)

// ring plans the reads that drain a DMA ring buffer. The card produces
// whole repetitions of seqB bytes and whole repetitions are released
// back, so the read cursor always lands on repetition boundaries and a
// drain needs at most two contiguous reads: the tail of the ring, then
// its head.
type ring struct {
	seqS    int64 // samples per repetition
	seqB    int64 // bytes per repetition
	reps    int64 // ring capacity, repetitions
	sampleB int32 // bytes per sample
}

// span is one contiguous byte range of the ring.
type span struct {
	pos int64
	len int64
}

// plan maps an availability probe (read cursor at posB, availB unread
// bytes) to the reads draining every complete repetition: the spans
// (at most two), the repetitions they hold, and nothing at all when
// less than one repetition is available.
func (r *ring) plan(posB, availB int64) ([]span, int64, error) {
	if posB < 0 || posB >= r.reps*r.seqB || posB%r.seqB != 0 {
		return nil, 0, fmt.Errorf("spcm: ring position %d not aligned to %d-byte repetitions", posB, r.seqB)
	}
	nreps := availB / r.seqB
	if nreps == 0 {
		return nil, 0, nil
	}

	var (
		start  = posB / r.seqB
		repEnd = start + nreps
	)
	switch {
	case repEnd <= r.reps:
		return []span{
			{pos: posB, len: nreps * r.seqB},
		}, nreps, nil

	case repEnd < 2*r.reps:
		tail := r.reps - start
		head := nreps - tail
		return []span{
			{pos: posB, len: tail * r.seqB},
			{pos: 0, len: head * r.seqB},
		}, nreps, nil

	default:
		// the card lapped the read cursor: data was overwritten.
		return nil, 0, &OverrunError{RepEnd: repEnd, RepsPerBuf: r.reps}
	}
}

// sum accumulates the samples of every repetition held in buf into
// acc, one slot per sample index, and reports how many repetitions it
// folded in.
func (r *ring) sum(buf []byte, acc []float64) (int64, error) {
	if int64(len(buf))%r.seqB != 0 {
		return 0, fmt.Errorf("spcm: ring read of %d bytes is not whole %d-byte repetitions", len(buf), r.seqB)
	}
	if int64(len(acc)) != r.seqS {
		return 0, fmt.Errorf("spcm: accumulator length mismatch: got=%d, want=%d", len(acc), r.seqS)
	}

	nreps := int64(len(buf)) / r.seqB
	switch r.sampleB {
	case 2:
		for rep := int64(0); rep < nreps; rep++ {
			base := rep * r.seqB
			for i := int64(0); i < r.seqS; i++ {
				v := int16(binary.LittleEndian.Uint16(buf[base+2*i:]))
				acc[i] += float64(v)
			}
		}
	case 4:
		for rep := int64(0); rep < nreps; rep++ {
			base := rep * r.seqB
			for i := int64(0); i < r.seqS; i++ {
				v := int32(binary.LittleEndian.Uint32(buf[base+4*i:]))
				acc[i] += float64(v)
			}
		}
	default:
		return 0, fmt.Errorf("spcm: unsupported sample width %d", r.sampleB)
	}
	return nreps, nil
}

// stamps decodes buf as 64-bit trigger timestamps.
func stamps(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("spcm: timestamp read of %d bytes is not whole 8-byte stamps", len(buf))
	}
	ts := make([]uint64, len(buf)/8)
	for i := range ts {
		ts[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return ts, nil
}
