// Package update implements the UPDATE-record folding described in
// spec.md §4.9: collapsing a chain of records (newest last, in lsn
// order) into a single final record via a user-supplied folder.
package update

import "github.com/jpl-au/sophia/internal/record"

// Folder matches the user-supplied folder signature from spec.md §4.9:
// (prev_flags, prev_bytes, next_flags, next_bytes, arg) -> result_bytes.
type Folder func(prevFlags record.Flags, prev []byte, nextFlags record.Flags, next []byte, arg []byte) []byte

// Fold walks chain (ordered oldest-base first, newest-UPDATE last) and
// applies folder pairwise, producing a single result. A leading DELETE
// is treated as an empty base, per spec.md §4.9.
func Fold(folder Folder, chain []*record.Record) []byte {
	if len(chain) == 0 {
		return nil
	}
	base := chain[0]
	var result []byte
	flags := base.Flags
	if base.Flags.Has(record.FlagDelete) {
		result = nil
	} else {
		result = base.ValueBytes()
	}
	for _, next := range chain[1:] {
		result = folder(flags, result, next.Flags, next.ValueBytes(), next.ValueBytes())
		flags = next.Flags
	}
	return result
}

// ReadFold implements the read-side rule: a read that lands on an
// UPDATE at the top of the visible chain walks downward, collecting
// records, until it finds a non-UPDATE base (or runs out of chain,
// treated as an empty base), then folds forward.
//
// visible must be supplied newest-first (as memtable.Tree chains are
// ordered); ReadFold reverses internally before folding.
func ReadFold(folder Folder, visible []*record.Record) []byte {
	// Walk from the newest entry downward until a non-UPDATE base.
	base := len(visible)
	for i, r := range visible {
		if !r.Flags.Has(record.FlagUpdate) {
			base = i
			break
		}
	}
	chain := make([]*record.Record, 0, base+2)
	if base == len(visible) && base > 0 {
		// No non-UPDATE base: fold forward from an empty base.
		chain = append(chain, &record.Record{Flags: record.FlagDelete})
		base = len(visible) - 1
	}
	for i := base; i >= 0 && i < len(visible); i-- {
		chain = append(chain, visible[i])
	}
	return Fold(folder, chain)
}

// CompactFold implements the compaction-side rule from spec.md §4.9: a
// compaction that encounters an UPDATE chain whose entire span lies at
// or below vlsn folds it in place, emitting one record and preserving
// the base flags. If any part of the chain is above vlsn, the oldest
// non-folded UPDATE must be preserved (spec.md §9: "preserve the oldest
// non-folded UPDATE when its lsn is above vlsn — reproduce exactly").
//
// chain is ordered oldest-first (base, then UPDATEs newest-last).
// Returns the records compaction should emit in place of chain: either
// one folded record, or the prefix at or below vlsn folded into one
// record (kept as an UPDATE, carrying the newest folded record's lsn)
// followed by the untouched suffix above vlsn.
func CompactFold(folder Folder, chain []*record.Record, vlsn uint64) []*record.Record {
	if len(chain) == 0 {
		return nil
	}
	allBelow := true
	for _, r := range chain {
		if r.LSN > vlsn {
			allBelow = false
			break
		}
	}
	if allBelow {
		folded := Fold(folder, chain)
		out := *chain[len(chain)-1]
		out.Value = folded
		out.Flags &^= record.FlagUpdate
		return []*record.Record{&out}
	}

	// Find the first record whose lsn is above vlsn; everything from
	// there to the end stays untouched. Records at or below vlsn fold
	// into a new base preserved as the oldest surviving UPDATE.
	splitAt := 0
	for i, r := range chain {
		if r.LSN > vlsn {
			splitAt = i
			break
		}
		splitAt = i + 1
	}
	if splitAt <= 1 {
		// Nothing below vlsn to fold away; preserve the chain as-is.
		return chain
	}
	folded := Fold(folder, chain[:splitAt])
	preserved := *chain[splitAt-1]
	preserved.Value = folded
	// This base must remain an UPDATE-capable record for later readers
	// to finish the fold against it; only its bytes collapsed.
	out := make([]*record.Record, 0, len(chain)-splitAt+1)
	out = append(out, &preserved)
	out = append(out, chain[splitAt:]...)
	return out
}
