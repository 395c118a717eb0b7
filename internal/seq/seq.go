// Package seq implements the environment's single sequence object: the
// seven monotonic counters every database, node, branch, transaction,
// log file and request draws an id from.
//
// All seven counters advance under one spinlock (guarded here by a plain
// sync.Mutex — Go gives no cheaper primitive for a critical section this
// short). Readers may snapshot every counter atomically via Now.
package seq

import "sync"

// Sequence holds the seven monotonic counters described in spec.md §3.
type Sequence struct {
	mu   sync.Mutex
	dsn  uint32 // database id
	nsn  uint32 // node id
	bsn  uint32 // backup id
	lsn  uint64 // log sequence number
	lfsn uint32 // log file id
	tsn  uint64 // transaction id
	rsn  uint64 // request id
}

// Snapshot is a coherent, value-copied view of all seven counters.
type Snapshot struct {
	DSN  uint32
	NSN  uint32
	BSN  uint32
	LSN  uint64
	LFSN uint32
	TSN  uint64
	RSN  uint64
}

// New returns a Sequence with every counter starting at zero.
func New() *Sequence { return &Sequence{} }

// NextDSN returns the next database id.
func (s *Sequence) NextDSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dsn++
	return s.dsn
}

// NextNSN returns the next node id.
func (s *Sequence) NextNSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nsn++
	return s.nsn
}

// NextBSN returns the next backup id.
func (s *Sequence) NextBSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bsn++
	return s.bsn
}

// NextLFSN returns the next log file id.
func (s *Sequence) NextLFSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lfsn++
	return s.lfsn
}

// NextTSN returns the next transaction id.
func (s *Sequence) NextTSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tsn++
	return s.tsn
}

// NextRSN returns the next request id.
func (s *Sequence) NextRSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rsn++
	return s.rsn
}

// NextLSN advances lsn by one and returns the new value. Called once per
// committed batch and once per row within a batch (spec.md §3).
func (s *Sequence) NextLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsn++
	return s.lsn
}

// NextLSNRange advances lsn by n and returns the first value in the
// reserved range, so a batch of n rows gets n consecutive lsns assigned
// without retaking the lock per row.
func (s *Sequence) NextLSNRange(n int) uint64 {
	if n <= 0 {
		return s.CurrentLSN()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.lsn + 1
	s.lsn += uint64(n)
	return first
}

// CurrentLSN returns the current lsn without advancing it; used to pin a
// transaction's vlsn at BEGIN.
func (s *Sequence) CurrentLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn
}

// Now returns a coherent snapshot of every counter.
func (s *Sequence) Now() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		DSN:  s.dsn,
		NSN:  s.nsn,
		BSN:  s.bsn,
		LSN:  s.lsn,
		LFSN: s.lfsn,
		TSN:  s.tsn,
		RSN:  s.rsn,
	}
}
