//go:build unix || linux || darwin

// Memory-mapped reads for Unix platforms, following folio's
// lock_unix.go/lock_windows.go split for platform-specific file
// primitives.
package store

import (
	"fmt"
	"os"
	"syscall"
)

type mmapping struct {
	data []byte
}

func newMapping(f *os.File, size int64) (*mmapping, error) {
	if size == 0 {
		return &mmapping{data: nil}, nil
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("store: mmap: %w", err)
	}
	return &mmapping{data: data}, nil
}

func (m *mmapping) close() {
	if m.data != nil {
		syscall.Munmap(m.data)
		m.data = nil
	}
}
