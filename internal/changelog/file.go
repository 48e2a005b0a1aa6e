package changelog

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// rawFile is the durable, buffered, append-only byte sink backing one
// changelog file. It is deliberately ignorant of record framing — that
// is record.go's job — and only tracks raw byte positions, matching the
// teacher's `store` type (internal/log/store.go in the teacher repo).
//
// When compression is enabled the file is held fully decompressed in
// memory while open (streaming zstd gives no cheap random-access seek,
// and changelog files are rewritten wholesale only on write_at/compact)
// and is re-compressed to disk on every Sync/Close.
type rawFile struct {
	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	size uint64

	compressed bool
	// mem holds the full decoded contents when compressed is true.
	mem []byte
}

// openRawFile opens (or creates) the file at path. If compressed is
// true, any existing contents are decompressed into memory up front.
func openRawFile(path string, compressed bool) (*rawFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	rf := &rawFile{f: f, compressed: compressed}
	if compressed {
		mem, err := decodeZstdFile(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		rf.mem = mem
		rf.size = uint64(len(mem))
		return rf, nil
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	rf.size = uint64(fi.Size())
	rf.buf = bufio.NewWriter(f)
	return rf, nil
}

// Append writes p at the current end of the file and returns its
// starting byte position.
func (rf *rawFile) Append(p []byte) (pos uint64, err error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	pos = rf.size
	if rf.compressed {
		rf.mem = append(rf.mem, p...)
	} else if _, err = rf.buf.Write(p); err != nil {
		return 0, err
	}
	rf.size += uint64(len(p))
	return pos, nil
}

// ReadAt reads exactly len(p) bytes starting at off.
func (rf *rawFile) ReadAt(p []byte, off uint64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.compressed {
		if off+uint64(len(p)) > uint64(len(rf.mem)) {
			return io.ErrUnexpectedEOF
		}
		copy(p, rf.mem[off:off+uint64(len(p))])
		return nil
	}
	if err := rf.buf.Flush(); err != nil {
		return err
	}
	_, err := rf.f.ReadAt(p, int64(off))
	return err
}

// Truncate discards everything at or past off.
func (rf *rawFile) Truncate(off uint64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.compressed {
		if off > uint64(len(rf.mem)) {
			off = uint64(len(rf.mem))
		}
		rf.mem = rf.mem[:off]
		rf.size = off
		return nil
	}
	if err := rf.buf.Flush(); err != nil {
		return err
	}
	if err := rf.f.Truncate(int64(off)); err != nil {
		return err
	}
	if _, err := rf.f.Seek(int64(off), io.SeekStart); err != nil {
		return err
	}
	rf.size = off
	rf.buf.Reset(rf.f)
	return nil
}

// Sync flushes buffered writes durably to disk.
func (rf *rawFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.compressed {
		return encodeZstdFile(rf.f, rf.mem)
	}
	if err := rf.buf.Flush(); err != nil {
		return err
	}
	return rf.f.Sync()
}

// Size returns the file's logical (decompressed) size.
func (rf *rawFile) Size() uint64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.size
}

func (rf *rawFile) Close() error {
	if err := rf.Sync(); err != nil {
		rf.f.Close()
		return err
	}
	return rf.f.Close()
}

func (rf *rawFile) Name() string { return rf.f.Name() }
