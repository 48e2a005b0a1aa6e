package changelog

// Config tunes the rotation and compression behavior of a changelog
// directory, mirroring the teacher's internal/log.Config but scoped to
// this spec's rotation/compaction semantics (§4.1).
type Config struct {
	// RotateInterval is the number of entries a file is opened to hold
	// before the next append rotates to a fresh file.
	RotateInterval uint64
	// MaxSizeBytes additionally forces rotation, even before
	// RotateInterval entries have been written: an append rotates first
	// when the active file's size has already reached MaxSizeBytes. The
	// check runs before the append, so a file can end up larger than
	// MaxSizeBytes by its last record; compressed files are measured by
	// their uncompressed size.
	MaxSizeBytes uint64
	// MaxIndexBytes bounds the mmap'd index file per segment; it must be
	// large enough to hold RotateInterval index entries.
	MaxIndexBytes uint64
	// Compress writes new files with the streaming zstd codec
	// (changelog_<from>_<to>.bin.zstd) instead of plain .bin files.
	Compress bool
}

func (c *Config) setDefaults() {
	if c.RotateInterval == 0 {
		c.RotateInterval = 100_000
	}
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = 64 << 20
	}
	if c.MaxIndexBytes == 0 {
		c.MaxIndexBytes = c.RotateInterval * indexEntWidth
	}
}
