package changelog

import "errors"

var (
	// errCorruptRecord is returned internally when a record's checksum or
	// framing does not verify; init() recovers from it per spec §4.1.
	errCorruptRecord = errors.New("changelog: corrupt record")

	// ErrOutOfRange is returned by entry_at/log_entries for indexes outside
	// [start_index, next_slot).
	ErrOutOfRange = errors.New("changelog: index out of range")

	// ErrEmptyLog is returned by last_entry on a freshly initialized,
	// empty changelog.
	ErrEmptyLog = errors.New("changelog: log is empty")
)
