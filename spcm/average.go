// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import "fmt"

// average accumulates the per-sample mean over all repetitions seen so
// far, merging batches with weights proportional to their repetition
// counts.
type average struct {
	n    uint64    // repetitions accumulated
	data []float64 // per-sample cumulative mean
}

func (avg *average) reset(size int64) {
	avg.n = 0
	avg.data = make([]float64, size)
}

// merge folds a batch of m repetitions with per-sample mean batch into
// the cumulative mean: data += (batch - data) * m/(n+m).
func (avg *average) merge(m uint64, batch []float64) error {
	if m == 0 {
		return nil
	}
	if len(batch) != len(avg.data) {
		return fmt.Errorf("spcm: batch length mismatch: got=%d, want=%d",
			len(batch), len(avg.data),
		)
	}
	w := float64(m) / float64(avg.n+m)
	for i, b := range batch {
		avg.data[i] += (b - avg.data[i]) * w
	}
	avg.n += m
	return nil
}

// snapshot returns a copy of the cumulative mean and the number of
// repetitions folded into it. Before the first merge there is no
// average yet: the data is nil, not a zero-filled trace.
func (avg *average) snapshot() ([]float64, uint64) {
	if avg.n == 0 {
		return nil, 0
	}
	data := make([]float64, len(avg.data))
	copy(data, avg.data)
	return data, avg.n
}
