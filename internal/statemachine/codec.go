// this file frames a client request (plus the session/time/zxid metadata
// the state machine needs to apply it deterministically on every replica)
// into the byte payload carried by one changelog entry.
package statemachine

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// envelope is the msgpack-encoded structure (msgpack writes its
// fixed-width integers big-endian) stored in every Command-type
// changelog entry: the requesting session, the op tag needed to decode
// Body into a concrete request, the request body itself, the
// deterministic wall-clock the state machine must use instead of each
// replica's own clock, and the zxid EncodeCommand assigned to this
// entry when it was proposed.
type envelope struct {
	SessionID     int64
	Op            coordination.OpCode
	Body          []byte
	TimeMs        int64
	Zxid          int64
	DigestVersion uint8
	Digest        uint64
}

var mh codec.MsgpackHandle

func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	return dec.Decode(v)
}

// encodeRequest packs req into an envelope body, tagging it with the
// op code needed to allocate the right concrete type on decode — a
// type switch stands in for the tagged union's discriminant since
// msgpack has no notion of a Go interface.
func encodeRequest(sessionID int64, req coordination.Request, timeMs, zxid int64) ([]byte, error) {
	var body []byte
	var err error
	switch r := req.(type) {
	case coordination.MultiRequest:
		var wire multiWire
		wire.Ops, err = encodeSubOps(r.Ops)
		if err == nil {
			body, err = marshal(wire)
		}
	case coordination.MultiReadRequest:
		var wire multiWire
		wire.Ops, err = encodeSubOps(r.Ops)
		if err == nil {
			body, err = marshal(wire)
		}
	default:
		body, err = marshal(req)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	env := envelope{SessionID: sessionID, Op: req.Op(), Body: body, TimeMs: timeMs, Zxid: zxid}
	return marshal(env)
}

func decodeEnvelope(payload []byte) (envelope, coordination.Request, error) {
	var env envelope
	if err := unmarshal(payload, &env); err != nil {
		return env, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	req, err := decodeRequestBody(env.Op, env.Body)
	return env, req, err
}

func decodeRequestBody(op coordination.OpCode, body []byte) (coordination.Request, error) {
	var target coordination.Request
	switch op {
	case coordination.OpCreate:
		var r coordination.CreateRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpDelete:
		var r coordination.DeleteRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpExists:
		var r coordination.ExistsRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpGet:
		var r coordination.GetRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpSet:
		var r coordination.SetRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpGetACL:
		var r coordination.GetACLRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpSetACL:
		var r coordination.SetACLRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpList:
		var r coordination.ListRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpFilteredList:
		var r coordination.FilteredListRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpSync:
		var r coordination.SyncRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpMulti:
		var r multiWire
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		ops, err := decodeSubOps(r.Ops)
		if err != nil {
			return nil, err
		}
		target = coordination.MultiRequest{Ops: ops}
	case coordination.OpMultiRead:
		var r multiWire
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		ops, err := decodeSubOps(r.Ops)
		if err != nil {
			return nil, err
		}
		target = coordination.MultiReadRequest{Ops: ops}
	case coordination.OpAuth:
		var r coordination.AuthRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpCheck:
		var r coordination.CheckRequest
		if err := unmarshal(body, &r); err != nil {
			return nil, err
		}
		target = r
	case coordination.OpClose:
		target = coordination.CloseRequest{}
	default:
		return nil, fmt.Errorf("unknown op code %d", op)
	}
	return target, nil
}

// subOpWire carries one Multi/MultiRead sub-operation tagged with its
// own op code, since msgpack (like JSON) cannot marshal a bare Go
// interface value.
type subOpWire struct {
	Op   coordination.OpCode
	Body []byte
}

type multiWire struct {
	Ops []subOpWire
}

func encodeSubOps(ops []coordination.Request) ([]subOpWire, error) {
	out := make([]subOpWire, len(ops))
	for i, op := range ops {
		body, err := marshal(op)
		if err != nil {
			return nil, err
		}
		out[i] = subOpWire{Op: op.Op(), Body: body}
	}
	return out, nil
}

func decodeSubOps(wire []subOpWire) ([]coordination.Request, error) {
	out := make([]coordination.Request, len(wire))
	for i, w := range wire {
		req, err := decodeRequestBody(w.Op, w.Body)
		if err != nil {
			return nil, err
		}
		out[i] = req
	}
	return out, nil
}
