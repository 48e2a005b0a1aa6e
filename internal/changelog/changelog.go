package changelog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeLog is the durable, rotating, corruption-tolerant store of Raft
// log entries described by spec §4.1. A single ChangeLog owns one
// directory; callers serialize writes (§5 — the owning state-machine
// thread), while entry_at/log_entries may run concurrently with writes.
type ChangeLog struct {
	mu     sync.RWMutex
	dir    string
	config Config
	logger *zap.Logger

	files  []*segmentFile // ascending by from, contiguous
	active *segmentFile

	startIndex   uint64
	nextSlot     uint64
	durableIndex uint64
}

// Open recovers (or creates) the changelog rooted at dir. startIndex is
// the index Raft expects the log to begin at (typically the index
// following the last installed snapshot); reserved is currently unused
// and kept for interface symmetry with the spec's init(start_index,
// reserved) signature.
func Open(dir string, startIndex uint64, reserved uint64, config Config, logger *zap.Logger) (*ChangeLog, error) {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	cl := &ChangeLog{dir: dir, config: config, logger: logger.Named("changelog")}
	if err := cl.init(startIndex); err != nil {
		return nil, err
	}
	return cl, nil
}

// candidateFile is a parsed, not-yet-opened changelog file name.
type candidateFile struct {
	from, to   uint64
	compressed bool
}

func (cl *ChangeLog) init(startIndex uint64) error {
	entries, err := os.ReadDir(cl.dir)
	if err != nil {
		return err
	}

	var candidates []candidateFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		from, to, compressed, ok := parseSegmentFileName(e.Name())
		if !ok {
			continue
		}
		candidates = append(candidates, candidateFile{from, to, compressed})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].from < candidates[j].from })

	if len(candidates) == 0 {
		return cl.startFresh(startIndex)
	}

	var (
		files       []*segmentFile
		expectFrom  = candidates[0].from
		quarantine  []candidateFile
		brokeStream bool
	)
	for i, c := range candidates {
		if brokeStream {
			quarantine = append(quarantine, c)
			continue
		}
		if c.from != expectFrom {
			// A file is missing in the middle of the range: keep
			// everything before the gap, quarantine from here on.
			cl.logger.Warn("changelog gap detected during recovery",
				zap.Uint64("expected_from", expectFrom), zap.Uint64("found_from", c.from))
			quarantine = append(quarantine, candidates[i:]...)
			break
		}

		sf, err := openSegmentFile(cl.dir, c.from, c.to, c.compressed, cl.config.MaxIndexBytes)
		if err != nil {
			// A file that fails to even open (most commonly a
			// mid-frame-truncated compressed segment whose zstd footer
			// never wrote) is just as broken as one that recovers with
			// a corrupt tail: quarantine it and everything after it
			// rather than aborting Open outright.
			cl.logger.Warn("changelog file failed to open during recovery",
				zap.String("file", segmentFileName(c.from, c.to, c.compressed)), zap.Error(err))
			quarantine = append(quarantine, candidates[i:]...)
			break
		}
		good, corrupt, err := recoverSegment(sf)
		if err != nil {
			return err
		}
		files = append(files, sf)
		expectFrom = sf.lastIndex() + 1
		if corrupt {
			cl.logger.Warn("changelog file truncated at last good record",
				zap.String("file", sf.raw.Name()), zap.Uint64("good_entries", good))
			brokeStream = true
		}
	}

	if len(quarantine) > 0 {
		if err := cl.quarantine(quarantine); err != nil {
			return err
		}
	}

	if len(files) == 0 {
		return cl.startFresh(startIndex)
	}

	cl.files = files
	cl.startIndex = files[0].from
	cl.nextSlot = files[len(files)-1].lastIndex() + 1
	cl.active = files[len(files)-1]
	cl.durableIndex = cl.nextSlot - 1

	if startIndex > cl.nextSlot {
		// The caller (e.g. after installing a snapshot far ahead of our
		// persisted tail) wants to begin past what we recovered: open a
		// fresh active file there rather than inventing a gap.
		if err := cl.rotate(startIndex); err != nil {
			return err
		}
		cl.startIndex = startIndex
		cl.nextSlot = startIndex
		cl.durableIndex = startIndex - 1
	}
	return nil
}

func (cl *ChangeLog) startFresh(startIndex uint64) error {
	if err := cl.rotate(startIndex); err != nil {
		return err
	}
	cl.startIndex = startIndex
	cl.nextSlot = startIndex
	if startIndex > 0 {
		cl.durableIndex = startIndex - 1
	}
	return nil
}

// recoverSegment sequentially re-derives a file's true contents by
// decoding its record stream from byte zero, trusting nothing about the
// pre-existing index. It stops — and reports corrupt=true — at the
// first checksum/framing failure or short read, which covers a
// suffix-truncated last record. A zero-length compressed file is also
// reported corrupt; a zero-length plain file is not, and recovers as
// holding no entries.
func recoverSegment(sf *segmentFile) (goodEntries uint64, corrupt bool, err error) {
	size := sf.raw.Size()
	if sf.raw.compressed && size == 0 {
		// An empty compressed file never held a valid zstd frame.
		corrupt = true
	}

	var pos uint64
	var count uint64
	for pos < size {
		lenBuf := make([]byte, lenWidth)
		if err := sf.raw.ReadAt(lenBuf, pos); err != nil {
			corrupt = true
			break
		}
		body := int(enc.Uint32(lenBuf))
		total := uint64(lenWidth + body + checksumWidth)
		if body < recordHeaderWidth || pos+total > size {
			corrupt = true
			break
		}
		rec := make([]byte, total)
		if err := sf.raw.ReadAt(rec, pos); err != nil {
			corrupt = true
			break
		}
		entry, n, err := decodeRecord(rec)
		if err != nil {
			corrupt = true
			break
		}
		_ = entry
		pos += uint64(n)
		count++
	}

	if corrupt {
		if err := sf.raw.Truncate(pos); err != nil {
			return 0, true, err
		}
		sf.index.Truncate(uint32(count))
	}
	return count, corrupt, nil
}

// quarantine moves every file named by cands (and its sidecar index)
// into ./detached/<timestamp>/ instead of deleting it, so no data is
// silently lost.
func (cl *ChangeLog) quarantine(cands []candidateFile) error {
	dest := filepath.Join(cl.dir, "detached", time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	for _, c := range cands {
		name := segmentFileName(c.from, c.to, c.compressed)
		idxName := indexFileName(c.from, c.to)
		for _, n := range []string{name, idxName} {
			src := filepath.Join(cl.dir, n)
			if _, err := os.Stat(src); os.IsNotExist(err) {
				continue
			}
			if err := os.Rename(src, filepath.Join(dest, n)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Append assigns the next slot to entry and returns it. Durability is
// not guaranteed until EndOfAppendBatch is called.
func (cl *ChangeLog) Append(entry Entry) (uint64, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	idx := cl.nextSlot
	entry.Index = idx
	if err := cl.maybeRotate(); err != nil {
		return 0, err
	}
	if err := cl.active.appendEntry(&entry); err != nil {
		return 0, err
	}
	cl.nextSlot++
	return idx, nil
}

func (cl *ChangeLog) maybeRotate() error {
	if cl.active == nil {
		return cl.rotate(cl.nextSlot)
	}
	if cl.active.entries() >= cl.config.RotateInterval || cl.active.sizeBytes() >= cl.config.MaxSizeBytes {
		return cl.rotate(cl.nextSlot)
	}
	return nil
}

// rotate closes out bookkeeping for the current active file (if any)
// and opens a fresh one starting at from.
func (cl *ChangeLog) rotate(from uint64) error {
	to := from + cl.config.RotateInterval - 1
	sf, err := openSegmentFile(cl.dir, from, to, cl.config.Compress, cl.config.MaxIndexBytes)
	if err != nil {
		return err
	}
	cl.files = append(cl.files, sf)
	cl.active = sf
	return nil
}

// EndOfAppendBatch is the flush boundary from §4.1/§5: entries appended
// before this call become durable (observable via LastDurableIndex) once
// it returns successfully.
func (cl *ChangeLog) EndOfAppendBatch(_ uint64, _ uint64) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active != nil {
		if err := cl.active.sync(); err != nil {
			return err
		}
	}
	cl.durableIndex = cl.nextSlot - 1
	return nil
}

// LastDurableIndex returns the index of the last entry known to be on
// disk. Monotone.
func (cl *ChangeLog) LastDurableIndex() uint64 {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.durableIndex
}

func (cl *ChangeLog) StartIndex() uint64 {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.startIndex
}

func (cl *ChangeLog) NextSlot() uint64 {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.nextSlot
}

// Size is the number of persisted entries, next_slot - start_index.
func (cl *ChangeLog) Size() uint64 {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.nextSlot - cl.startIndex
}

// EntryAt returns the entry persisted at absolute index i.
func (cl *ChangeLog) EntryAt(i uint64) (*Entry, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.entryAtLocked(i)
}

func (cl *ChangeLog) entryAtLocked(i uint64) (*Entry, error) {
	if i < cl.startIndex || i >= cl.nextSlot {
		return nil, ErrOutOfRange
	}
	sf := cl.fileFor(i)
	if sf == nil {
		return nil, ErrOutOfRange
	}
	return sf.readEntry(i)
}

func (cl *ChangeLog) fileFor(i uint64) *segmentFile {
	// Files are ordered and contiguous, so a linear scan is adequate for
	// the file counts this core expects; callers needing hot-path
	// lookups keep their own cache of recent entries.
	for _, sf := range cl.files {
		if sf.contains(i) {
			return sf
		}
	}
	return nil
}

// LogEntries returns entries in [from, toExclusive).
func (cl *ChangeLog) LogEntries(from, toExclusive uint64) ([]*Entry, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if from < cl.startIndex || toExclusive > cl.nextSlot || from > toExclusive {
		return nil, ErrOutOfRange
	}
	out := make([]*Entry, 0, toExclusive-from)
	for i := from; i < toExclusive; i++ {
		e, err := cl.entryAtLocked(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LastEntry returns the most recently appended entry.
func (cl *ChangeLog) LastEntry() (*Entry, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.nextSlot == cl.startIndex {
		return nil, ErrEmptyLog
	}
	return cl.entryAtLocked(cl.nextSlot - 1)
}

// WriteAt truncates the log so next_slot becomes i, deleting every file
// wholly past i and truncating the file containing i-1, then appends
// entry at i.
func (cl *ChangeLog) WriteAt(i uint64, entry Entry) (uint64, error) {
	cl.mu.Lock()
	if err := cl.truncateSuffixLocked(i); err != nil {
		cl.mu.Unlock()
		return 0, err
	}
	cl.mu.Unlock()
	return cl.Append(entry)
}

func (cl *ChangeLog) truncateSuffixLocked(i uint64) error {
	var kept []*segmentFile
	for _, sf := range cl.files {
		if sf.from >= i {
			if err := sf.remove(); err != nil {
				return err
			}
			continue
		}
		if sf.lastIndex() >= i {
			rel := uint32(i - sf.from)
			pos := sf.bytePosOf(rel)
			sf.index.Truncate(rel)
			if err := sf.raw.Truncate(pos); err != nil {
				return err
			}
		}
		kept = append(kept, sf)
	}
	if len(kept) == 0 {
		cl.files = nil
		cl.active = nil
		cl.nextSlot = i
		return nil
	}
	cl.files = kept
	cl.active = kept[len(kept)-1]
	cl.nextSlot = cl.active.lastIndex() + 1
	if cl.nextSlot < i {
		cl.nextSlot = i
	}
	return nil
}

// Compact advances start_index to upToIndex+1, deleting every file whose
// entire range is <= upToIndex. A file that straddles the boundary is
// left untouched on disk (its earlier entries become unreachable via
// StartIndex but are not physically dropped until its *last* index also
// falls below start_index, per §4.1).
func (cl *ChangeLog) Compact(upToIndex uint64) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	var kept []*segmentFile
	for _, sf := range cl.files {
		if sf.entries() > 0 && sf.lastIndex() <= upToIndex {
			if sf == cl.active {
				// Never physically drop the active file; it still
				// receives new appends.
				kept = append(kept, sf)
				continue
			}
			if err := sf.remove(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, sf)
	}
	cl.files = kept
	cl.startIndex = upToIndex + 1
	return nil
}

// Pack serializes count entries starting at from for bulk transfer
// (e.g. snapshot installation on a peer).
func (cl *ChangeLog) Pack(from uint64, count uint64) ([]byte, error) {
	entries, err := cl.LogEntries(from, from+count)
	if err != nil {
		return nil, err
	}
	return encodePack(entries), nil
}

// ApplyPack replaces all entries >= start with blob's contents. After
// applying, start_index becomes min(start_index, start) and next_slot
// becomes start + count_in_blob.
func (cl *ChangeLog) ApplyPack(start uint64, blob []byte) error {
	entries, err := decodePack(blob)
	if err != nil {
		return err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := cl.truncateSuffixLocked(start); err != nil {
		return err
	}
	if cl.active == nil || cl.active.from > start {
		if err := cl.rotate(start); err != nil {
			return err
		}
	}
	cl.nextSlot = start
	for _, e := range entries {
		idx := cl.nextSlot
		e.Index = idx
		if err := cl.maybeRotate(); err != nil {
			return err
		}
		if err := cl.active.appendEntry(e); err != nil {
			return err
		}
		cl.nextSlot++
	}
	if start < cl.startIndex {
		cl.startIndex = start
	}
	return nil
}

// Close flushes and closes every open file.
func (cl *ChangeLog) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, sf := range cl.files {
		if err := sf.close(); err != nil {
			return err
		}
	}
	return nil
}
