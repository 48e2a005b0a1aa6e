package snapshot

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/mrshabel/raftkeeper/internal/store"
)

var mh codec.MsgpackHandle

// Canonical forces map keys to be emitted in sorted order, so any map
// reachable from payload never depends on Go's randomized map
// iteration to produce identical bytes across encodes of the same
// state (§8 property 6). Ephemerals and Sessions are already sorted
// slices by the time they reach here; this is belt-and-suspenders for
// any map-typed field added later.
func init() {
	mh.Canonical = true
}

// payload is the full decoded contents of a snapshot blob, zxid
// included: only the magic header is kept outside this struct and
// framed manually, so a file with a bad magic can be rejected before
// paying for a full msgpack decode (§4.4's "corrupt snapshot is fatal, not silently skipped").
type payload struct {
	Zxid          int64
	Nodes         []store.NodeRecord
	Sessions      []store.SessionRecord
	Ephemerals    []store.EphemeralRecord
	ClusterConfig []byte
}

func encodeSnapshot(st *store.Store, zxid int64, clusterConfig []byte) []byte {
	p := payload{
		Zxid:          zxid,
		Sessions:      st.ExportSessions(),
		Ephemerals:    st.ExportEphemerals(),
		ClusterConfig: clusterConfig,
	}
	st.WalkSnapshot(func(rec store.NodeRecord) {
		p.Nodes = append(p.Nodes, rec)
	})

	var body bytes.Buffer
	enc := codec.NewEncoder(&body, &mh)
	// encode errors here can only be programmer error (unsupported
	// field types), never bad input, so they are not surfaced as a
	// recoverable error from this function.
	_ = enc.Encode(p)

	var out bytes.Buffer
	out.WriteString(magic)
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeSnapshot(st *store.Store, blob []byte) ([]byte, error) {
	if len(blob) < len(magic) || string(blob[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad snapshot magic")
	}
	var p payload
	dec := codec.NewDecoder(bytes.NewReader(blob[len(magic):]), &mh)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode snapshot body: %w", err)
	}
	st.LoadSnapshot(p.Nodes, p.Sessions, p.Ephemerals, p.Zxid)
	return p.ClusterConfig, nil
}
