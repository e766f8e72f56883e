// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap holds a handle to a memory-mapped window of a device
// node, such as the DMA ring a digitizer card streams samples into.
package mmap // import "github.com/go-lpc/fadc/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

type Handle struct {
	data []byte
}

// Map maps n bytes of f at offset off, shared and read-write.
// The offset must be page aligned.
func Map(f *os.File, off int64, n int) (*Handle, error) {
	data, err := unix.Mmap(
		int(f.Fd()), off, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %d bytes of %q at 0x%x: %w",
			n, f.Name(), off, err,
		)
	}
	return HandleFrom(data), nil
}

func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped window.
func (h *Handle) Len() int {
	return len(h.data)
}

// Slice returns a view of n bytes of the window starting at off.
// The returned slice aliases the mapped memory and stays valid
// until the handle is closed.
func (h *Handle) Slice(off, n int64) ([]byte, error) {
	if h == nil {
		return nil, os.ErrInvalid
	}

	if h.data == nil {
		return nil, errClosed
	}
	if off < 0 || n < 0 || int64(len(h.data)) < off+n {
		return nil, fmt.Errorf("mmap: invalid slice [%d:%d] of %d bytes", off, off+n, len(h.data))
	}
	return h.data[off : off+n : off+n], nil
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
