package changelog

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// decodeZstdFile reads and fully decompresses f's current contents. An
// empty file decompresses to an empty slice rather than erroring, so a
// freshly created compressed file behaves like a freshly created plain
// one.
func decodeZstdFile(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, errCorruptRecord
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		// A compressed file broken mid-frame cannot be partially
		// recovered: Open Question (a) says to treat the whole file as
		// broken, so the caller's init() quarantines it wholesale.
		return nil, errCorruptRecord
	}
	return data, nil
}

// encodeZstdFile rewrites f with data, compressed from scratch. Changelog
// files are only ever appended-to or wholesale-truncated, never patched
// in the middle, so a full rewrite on every Sync keeps the on-disk
// contents always recoverable.
func encodeZstdFile(f *os.File, data []byte) error {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}
