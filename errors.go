// Sentinel errors returned across the public API surface.
package sophia

import "errors"

// Sentinel errors returned by environment/database/transaction
// operations (spec.md §7).
var (
	// ErrNotFound is returned when a key does not exist or its visible
	// version is a DELETE.
	ErrNotFound = errors.New("sophia: key not found")

	// ErrLock is returned when a transaction conflicts with another
	// live transaction's pending version on the same key.
	ErrLock = errors.New("sophia: key locked by another transaction")

	// ErrDeadlock is returned by an on-demand deadlock check.
	ErrDeadlock = errors.New("sophia: deadlock detected")

	// ErrMalfunction is returned by the write whose log append failed and
	// by every later write once the engine has entered the sticky
	// Malfunction state; reads are not affected.
	ErrMalfunction = errors.New("sophia: engine malfunction, no writes accepted")

	// ErrClosed is returned by Environment.Destroy when the environment
	// has already been destroyed; other calls do not check for it.
	ErrClosed = errors.New("sophia: environment is closed")

	// ErrExists reports that a database already exists. No call in this
	// package currently returns it.
	ErrExists = errors.New("sophia: database already exists")

	// ErrDropped is returned by Database.Drop when the database has
	// already been dropped.
	ErrDropped = errors.New("sophia: database has a pending drop marker")

	// ErrUnknownSetting is returned by Environment.Backup when backup.path
	// is not set. Settings.Set accepts any key and never returns it.
	ErrUnknownSetting = errors.New("sophia: unknown setting")

	// ErrReadOnly reports a write rejected because the engine is
	// read-only. No call in this package currently returns it.
	ErrReadOnly = errors.New("sophia: write rejected, engine is read-only")

	// ErrTxState is returned when a transaction operation is invoked
	// outside the state it requires.
	ErrTxState = errors.New("sophia: invalid transaction state for this operation")

	// ErrUnsupportedDirection is returned by Cursor when asked to iterate
	// Backward; only Forward iteration order is implemented.
	ErrUnsupportedDirection = errors.New("sophia: cursor direction not supported")
)
