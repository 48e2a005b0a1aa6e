// this file is the Snapshot Manager (§4.4): it serializes a frozen
// store view to a retention-pruned set of on-disk blobs and restores
// the newest one at startup, the same rotate-and-prune shape the
// changelog uses for its own files but applied to whole-tree snapshots
// instead of incremental log segments.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mrshabel/raftkeeper/internal/store"
)

const magic = "RKSNAP01"

var fileNamePattern = regexp.MustCompile(`^snapshot_(\d+)\.bin(\.zstd)?$`)

// Manager owns a directory of snapshot_<lastLogIndex>.bin[.zstd] files.
type Manager struct {
	dir      string
	retain   int
	compress bool
	logger   *zap.Logger
}

func NewManager(dir string, retain int, compress bool, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if retain < 1 {
		retain = 1
	}
	return &Manager{dir: dir, retain: retain, compress: compress, logger: logger}, nil
}

func (m *Manager) fileName(lastLogIndex uint64) string {
	name := fmt.Sprintf("snapshot_%020d.bin", lastLogIndex)
	if m.compress {
		name += ".zstd"
	}
	return name
}

// Create freezes st, serializes it to a new snapshot file, and prunes
// older files beyond the retention count. The frozen view is always
// released before returning, even on a write error.
func (m *Manager) Create(st *store.Store, lastLogIndex uint64, clusterConfig []byte) (path string, err error) {
	zxid := st.BeginSnapshot()
	defer st.EndSnapshot()

	blob := encodeSnapshot(st, zxid, clusterConfig)

	path = filepath.Join(m.dir, m.fileName(lastLogIndex))
	tmp := path + ".tmp"
	if err := writeBlobFile(tmp, blob, m.compress); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}

	m.prune()
	return path, nil
}

func (m *Manager) prune() {
	files := m.listSnapshots()
	if len(files) <= m.retain {
		return
	}
	for _, f := range files[:len(files)-m.retain] {
		if err := os.Remove(filepath.Join(m.dir, f.name)); err != nil {
			m.logger.Warn("prune old snapshot", zap.String("file", f.name), zap.Error(err))
		}
	}
}

type snapshotFile struct {
	name       string
	lastIndex  uint64
	compressed bool
}

func (m *Manager) listSnapshots() []snapshotFile {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []snapshotFile
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		idx, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, snapshotFile{name: e.Name(), lastIndex: idx, compressed: match[2] != ""})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lastIndex < out[j].lastIndex })
	return out
}

// Latest returns the last log index named by the highest-indexed
// snapshot file, or false if none exist. The file is not decoded.
func (m *Manager) Latest() (uint64, bool) {
	files := m.listSnapshots()
	if len(files) == 0 {
		return 0, false
	}
	return files[len(files)-1].lastIndex, true
}

// RestoreLatest loads the newest snapshot into st and returns the last
// log index it covers. A snapshot that fails to decode is a fatal
// condition (§4.4: corrupt snapshots are never silently skipped): only
// the newest file is read, and an error reading or decoding it is
// returned without trying an older file.
func (m *Manager) RestoreLatest(st *store.Store) (uint64, []byte, error) {
	files := m.listSnapshots()
	if len(files) == 0 {
		return 0, nil, nil
	}
	newest := files[len(files)-1]
	blob, err := readBlobFile(filepath.Join(m.dir, newest.name), newest.compressed)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt snapshot %s: %w", newest.name, err)
	}
	clusterConfig, err := decodeSnapshot(st, blob)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt snapshot %s: %w", newest.name, err)
	}
	return newest.lastIndex, clusterConfig, nil
}

// PersistForFSM freezes st and streams an uncompressed snapshot blob to
// w. This is the path raft.FSM.Snapshot uses to hand data to raft's own
// SnapshotStore; it never touches this Manager's retention-pruned
// snapshot_<index>.bin files, which are written only by Create.
func (m *Manager) PersistForFSM(st *store.Store, w io.Writer) error {
	zxid := st.BeginSnapshot()
	defer st.EndSnapshot()
	blob := encodeSnapshot(st, zxid, nil)
	_, err := w.Write(blob)
	return err
}

// RestoreForFSM is the inverse of PersistForFSM: it decodes a blob
// streamed back by raft (read from its SnapshotStore during Raft's own
// restore path) directly into st.
func (m *Manager) RestoreForFSM(st *store.Store, r io.Reader) error {
	blob, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = decodeSnapshot(st, blob)
	return err
}

func writeBlobFile(path string, blob []byte, compress bool) error {
	if !compress {
		return os.WriteFile(path, blob, 0o644)
	}
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func readBlobFile(path string, compressed bool) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return raw, nil
	}
	r, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
