// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap // import "github.com/go-lpc/fadc/internal/mmap"

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		_, err = h.Slice(0, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid slice error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		_, err = h.Slice(0, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid slice error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestHandleFrom(t *testing.T) {
	h := HandleFrom([]byte{0, 1, 2, 3})

	if got, want := h.Len(), 4; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	v, err := h.Slice(1, 2)
	if err != nil {
		t.Fatalf("could not slice handle: %+v", err)
	}
	if got, want := v, []byte{1, 2}; !bytes.Equal(got, want) {
		t.Fatalf("invalid slice: got=%v, want=%v", got, want)
	}

	_, err = h.Slice(2, 3)
	if got, want := err.Error(), "mmap: invalid slice [2:5] of 4 bytes"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.WriteAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid WriteAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.ReadAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid ReadAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestMap(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "dev.bin")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create backing file: %+v", err)
	}
	defer f.Close()

	const size = 2 * 4096
	err = f.Truncate(size)
	if err != nil {
		t.Fatalf("could not grow backing file: %+v", err)
	}

	h, err := Map(f, 4096, 4096)
	if err != nil {
		t.Fatalf("could not map backing file: %+v", err)
	}
	defer h.Close()

	if got, want := h.Len(), 4096; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{0xde, 0xad}, 2)
	if err != nil {
		t.Fatalf("could not write through handle: %+v", err)
	}

	got := make([]byte, 2)
	_, err = f.ReadAt(got, 4096+2)
	if err != nil {
		t.Fatalf("could not read backing file: %+v", err)
	}
	if want := []byte{0xde, 0xad}; !bytes.Equal(got, want) {
		t.Fatalf("mapping not shared: got=%v, want=%v", got, want)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not close handle: %+v", err)
	}
}
