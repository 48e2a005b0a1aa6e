package changelog

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

const (
	relOffsetWidth uint64 = 4 // relative entry number within the file
	filePosWidth   uint64 = 8 // byte position of the record in the raw file
	indexEntWidth         = relOffsetWidth + filePosWidth
)

// fileIndex is a fixed-width, mmap'd (relative index -> byte position)
// table for one changelog file. It gives entry_at O(1) random access
// without scanning the record stream, the same trick the teacher's
// segment index plays for offsets.
type fileIndex struct {
	file *os.File
	mmap gommap.MMap
	size uint64
	cap  uint64
}

// openFileIndex opens or creates the index file alongside a changelog
// file, growing it to maxBytes before mapping (mmap'd files cannot be
// grown after the fact) and trimming the padding back off on Close.
func openFileIndex(path string, maxBytes uint64) (*fileIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	idx := &fileIndex{file: f, size: uint64(fi.Size()), cap: maxBytes}

	if maxBytes < idx.size {
		maxBytes = idx.size
	}
	if err := f.Truncate(int64(maxBytes)); err != nil {
		f.Close()
		return nil, err
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	idx.mmap = m
	return idx, nil
}

// Last returns the highest relative index and its file position, or
// io.EOF if the index is empty.
func (idx *fileIndex) Last() (rel uint32, pos uint64, err error) {
	if idx.size == 0 {
		return 0, 0, io.EOF
	}
	return idx.at(idx.size/indexEntWidth - 1)
}

// Read returns the file position recorded for relative index rel.
func (idx *fileIndex) Read(rel uint32) (pos uint64, err error) {
	_, pos, err = idx.at(uint64(rel))
	return pos, err
}

func (idx *fileIndex) at(entry uint64) (rel uint32, pos uint64, err error) {
	byteOff := entry * indexEntWidth
	if idx.size < byteOff+indexEntWidth {
		return 0, 0, io.EOF
	}
	rel = enc.Uint32(idx.mmap[byteOff : byteOff+uint32Width])
	pos = enc.Uint64(idx.mmap[byteOff+uint32Width : byteOff+indexEntWidth])
	return rel, pos, nil
}

const uint32Width = relOffsetWidth

// Write appends a (relative index, position) pair.
func (idx *fileIndex) Write(rel uint32, pos uint64) error {
	if uint64(len(idx.mmap)) < idx.size+indexEntWidth {
		return io.EOF
	}
	enc.PutUint32(idx.mmap[idx.size:idx.size+relOffsetWidth], rel)
	enc.PutUint64(idx.mmap[idx.size+relOffsetWidth:idx.size+indexEntWidth], pos)
	idx.size += indexEntWidth
	return nil
}

// Truncate drops every entry at or past the given relative index.
func (idx *fileIndex) Truncate(rel uint32) {
	newSize := uint64(rel) * indexEntWidth
	if newSize < idx.size {
		idx.size = newSize
	}
}

// Entries returns the number of (relative index, position) pairs held.
func (idx *fileIndex) Entries() uint64 { return idx.size / indexEntWidth }

func (idx *fileIndex) Name() string { return idx.file.Name() }

func (idx *fileIndex) Close() error {
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := idx.file.Sync(); err != nil {
		return err
	}
	if err := idx.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := idx.file.Truncate(int64(idx.size)); err != nil {
		return err
	}
	return idx.file.Close()
}

// Remove closes and deletes the index file.
func (idx *fileIndex) Remove() error {
	name := idx.Name()
	if err := idx.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
