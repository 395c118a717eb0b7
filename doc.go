// Package sophia is an embeddable, ordered key-value storage engine
// with MVCC snapshot isolation, LSM-style background compaction, and
// crash-safe write-ahead logging.
//
// An Environment owns zero or more Databases, each with its own key
// schema and tree of Nodes, all served by the Environment's one
// background scheduler. Writes go through a
// Transaction (or the single-statement convenience methods on
// Database); reads see a consistent snapshot pinned at the reader's
// vlsn. See SPEC_FULL.md in the module root for the full design.
package sophia
