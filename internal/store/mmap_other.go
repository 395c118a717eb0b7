//go:build !(unix || linux || darwin)

// Fallback for platforms without flock/mmap: reads always go through
// pread instead.
package store

import "os"

type mmapping struct {
	data []byte
}

func newMapping(f *os.File, size int64) (*mmapping, error) {
	return nil, errUnsupported
}

func (m *mmapping) close() {}

var errUnsupported = &unsupportedError{}

type unsupportedError struct{}

func (*unsupportedError) Error() string { return "store: mmap unsupported on this platform" }
