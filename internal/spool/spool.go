// Package spool provides byte buffers that live in memory up to a threshold
// and spill to an anonymous temp file beyond it, plus scoped temp
// workspaces that are always removed.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrClosed = errors.New("spool: file already closed")

// File is written sequentially, rewound once, then read to the end.
type File struct {
	max     int64
	dir     string
	buf     bytes.Buffer
	file    *os.File
	size    int64
	reading bool
	reader  *bytes.Reader
	closed  bool
}

// New returns an empty spooled file. Spill files are created in dir, or the
// default temp dir when dir is empty.
func New(max int64, dir string) *File {
	return &File{max: max, dir: dir}
}

// FromReader copies r into a new spooled file and rewinds it.
func FromReader(r io.Reader, max int64, dir string) (*File, error) {
	f := New(max, dir)
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.reading {
		return 0, errors.New("spool: write after rewind")
	}
	if f.file == nil && f.size+int64(len(p)) > f.max {
		if err := f.rollover(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if f.file != nil {
		n, err = f.file.Write(p)
	} else {
		n, err = f.buf.Write(p)
	}
	f.size += int64(n)
	return n, err
}

func (f *File) rollover() error {
	tmp, err := os.CreateTemp(f.dir, "spool-*")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	// Unlinked right away so the bytes vanish with the handle. Windows
	// refuses this; Close removes the file there instead.
	_ = os.Remove(tmp.Name())

	if _, err := tmp.Write(f.buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: rollover: %w", err)
	}
	f.buf = bytes.Buffer{}
	f.file = tmp
	return nil
}

// Rewind switches the file to reading from the first byte.
func (f *File) Rewind() error {
	if f.closed {
		return ErrClosed
	}
	f.reading = true
	if f.file != nil {
		_, err := f.file.Seek(0, io.SeekStart)
		return err
	}
	f.reader = bytes.NewReader(f.buf.Bytes())
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if !f.reading {
		if err := f.Rewind(); err != nil {
			return 0, err
		}
	}
	if f.file != nil {
		return f.file.Read(p)
	}
	return f.reader.Read(p)
}

// Size is the number of bytes written.
func (f *File) Size() int64 { return f.size }

// OnDisk reports whether the content spilled past the memory threshold.
func (f *File) OnDisk() bool { return f.file != nil }

// WriteTo streams the whole content from the start into w.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.Rewind(); err != nil {
		return 0, err
	}
	if f.file != nil {
		return io.Copy(w, f.file)
	}
	return f.reader.WriteTo(w)
}

// Close releases the memory or temp file. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.buf = bytes.Buffer{}
	f.reader = nil
	if f.file == nil {
		return nil
	}
	name := f.file.Name()
	err := f.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
