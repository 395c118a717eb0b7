// Package crc provides the CRC32C (Castagnoli) checksum used for page,
// index and log-record headers and bodies throughout Sophia.
//
// spec.md §1 treats the checksum algorithm as an interchangeable trait —
// "compression codecs ... and CRC32C implementations ... treated as
// interchangeable filter/hash trait instances". Castagnoli is the
// standard library's hardware-accelerated table (SSE4.2 CRC32
// instruction on amd64/arm64 via hash/crc32's internal dispatch), so
// there is no third-party replacement in the pack that improves on it;
// this is the one checksum in the engine implemented directly on
// hash/crc32 rather than through a pack library, and is noted as such in
// DESIGN.md.
package crc

import (
	"hash"
	"hash/crc32"
)

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// New returns a fresh, streaming CRC32C hash.
func New() hash.Hash32 { return crc32.New(table) }
