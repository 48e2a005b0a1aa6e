package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// fileNamePattern matches changelog_<from>_<to>.bin[.zstd].
var fileNamePattern = regexp.MustCompile(`^changelog_(\d+)_(\d+)\.bin(\.zstd)?$`)

// segmentFile is one on-disk changelog_<from>_<to>.bin[.zstd] file plus
// its mmap'd index. <from>/<to> are the *intended* range the file was
// opened to hold (to-from+1 == the rotation interval in effect at open
// time) — the file may rotate out early on a size limit and hold fewer
// entries than its name promises, so callers must trust the index, not
// the name, for the actual occupied range.
type segmentFile struct {
	dir        string
	from, to   uint64
	compressed bool

	raw   *rawFile
	index *fileIndex
}

func segmentFileName(from, to uint64, compressed bool) string {
	name := fmt.Sprintf("changelog_%d_%d.bin", from, to)
	if compressed {
		name += ".zstd"
	}
	return name
}

func indexFileName(from, to uint64) string {
	return fmt.Sprintf("changelog_%d_%d.idx", from, to)
}

// openSegmentFile opens (or creates) the changelog file covering
// [from, to], with maxIndexBytes bounding the mmap'd index size.
func openSegmentFile(dir string, from, to uint64, compressed bool, maxIndexBytes uint64) (*segmentFile, error) {
	raw, err := openRawFile(filepath.Join(dir, segmentFileName(from, to, compressed)), compressed)
	if err != nil {
		return nil, err
	}
	idx, err := openFileIndex(filepath.Join(dir, indexFileName(from, to)), maxIndexBytes)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &segmentFile{dir: dir, from: from, to: to, compressed: compressed, raw: raw, index: idx}, nil
}

// entries returns how many records are actually present.
func (s *segmentFile) entries() uint64 { return s.index.Entries() }

// lastIndex returns the highest absolute index held, or from-1 if empty.
func (s *segmentFile) lastIndex() uint64 {
	n := s.entries()
	if n == 0 {
		return s.from - 1
	}
	return s.from + n - 1
}

// contains reports whether absolute index i falls in this file's
// occupied range.
func (s *segmentFile) contains(i uint64) bool {
	return i >= s.from && s.entries() > 0 && i <= s.lastIndex()
}

// appendEntry appends e (whose Index must equal lastIndex()+1) to the
// file and its index.
func (s *segmentFile) appendEntry(e *Entry) error {
	rel := uint32(e.Index - s.from)
	buf := e.encode()
	pos, err := s.raw.Append(buf)
	if err != nil {
		return err
	}
	return s.index.Write(rel, pos)
}

// readEntry returns the entry stored at absolute index i.
func (s *segmentFile) readEntry(i uint64) (*Entry, error) {
	rel := uint32(i - s.from)
	pos, err := s.index.Read(rel)
	if err != nil {
		return nil, ErrOutOfRange
	}
	// Peek the length prefix, then read the full record.
	lenBuf := make([]byte, lenWidth)
	if err := s.raw.ReadAt(lenBuf, pos); err != nil {
		return nil, err
	}
	body := int(enc.Uint32(lenBuf))
	total := lenWidth + body + checksumWidth
	rec := make([]byte, total)
	if err := s.raw.ReadAt(rec, pos); err != nil {
		return nil, err
	}
	entry, _, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// sizeBytes is the logical (uncompressed) byte size of the file's record
// stream, used against the rotation policy's max_size bound.
func (s *segmentFile) sizeBytes() uint64 { return s.raw.Size() }

// bytePosOf returns the raw-file byte offset at which relative entry rel
// begins, or the current raw size if rel is at or past the file's
// occupied entry count (i.e. "truncate to here" is a no-op).
func (s *segmentFile) bytePosOf(rel uint32) uint64 {
	if pos, err := s.index.Read(rel); err == nil {
		return pos
	}
	return s.raw.Size()
}

func (s *segmentFile) sync() error {
	if err := s.raw.Sync(); err != nil {
		return err
	}
	return nil
}

func (s *segmentFile) close() error {
	if err := s.raw.Close(); err != nil {
		s.index.Close()
		return err
	}
	return s.index.Close()
}

// remove deletes both the record and index files from disk.
func (s *segmentFile) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, segmentFileName(s.from, s.to, s.compressed))); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, indexFileName(s.from, s.to)))
}

// parseSegmentFileName extracts (from, to, compressed) from a
// changelog_<from>_<to>.bin[.zstd] name, or ok=false if it doesn't match.
func parseSegmentFileName(name string) (from, to uint64, compressed, ok bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false, false
	}
	from, err1 := strconv.ParseUint(m[1], 10, 64)
	to, err2 := strconv.ParseUint(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false, false
	}
	return from, to, m[3] != "", true
}
