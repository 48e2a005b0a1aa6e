// Package changelog implements the durable, rotating, optionally
// compressed changelog of Raft log entries described in the core
// specification's Change Log component.
package changelog

import (
	"encoding/binary"
	"hash/crc64"
)

var (
	// enc is the byte order used for every on-disk integer field.
	enc = binary.BigEndian
	// crcTable computes the per-record checksum.
	crcTable = crc64.MakeTable(crc64.ISO)
)

const (
	// lenWidth is the width, in bytes, of the leading record-length prefix.
	lenWidth = 4
	// recordHeaderWidth is len|index|term|valueType|payloadLen.
	recordHeaderWidth = 4 + 8 + 8 + 1 + 4
	// checksumWidth is the trailing crc64 width.
	checksumWidth = 8
)

// ValueType distinguishes a normal committed entry from a Raft
// configuration-change entry, mirroring raft.LogType.
type ValueType uint8

const (
	ValueTypeCommand ValueType = iota
	ValueTypeConfiguration
	ValueTypeNoop
)

// Entry is a single Raft log entry as persisted by the changelog:
// (index, term, payload_bytes).
type Entry struct {
	Index   uint64
	Term    uint64
	Type    ValueType
	Payload []byte
}

// encode serializes e into the self-delimiting, corruption-detecting
// record format from spec §4.1:
//
//	len:u32 | index:u64 | term:u64 | value_type:u8 | payload_len:u32 | payload:bytes | 4 zero bytes | checksum:u64
//
// len holds recordHeaderWidth (which counts the len field itself) plus
// the payload length, so the region it measures after the len field
// ends 4 bytes past the payload. Those 4 bytes stay zero and, like
// everything before them, are covered by the checksum.
func (e *Entry) encode() []byte {
	body := recordHeaderWidth + len(e.Payload)
	buf := make([]byte, lenWidth+body+checksumWidth)

	enc.PutUint32(buf[0:4], uint32(body))
	enc.PutUint64(buf[4:12], e.Index)
	enc.PutUint64(buf[12:20], e.Term)
	buf[20] = byte(e.Type)
	enc.PutUint32(buf[21:25], uint32(len(e.Payload)))
	copy(buf[25:25+len(e.Payload)], e.Payload)

	sum := crc64.Checksum(buf[:lenWidth+body], crcTable)
	enc.PutUint64(buf[lenWidth+body:], sum)
	return buf
}

// decodeRecord parses a single record out of buf (which must contain at
// least the full record, header through checksum) and returns the entry
// plus the number of bytes consumed. It returns errCorruptRecord if the
// checksum does not verify or the buffer is short.
func decodeRecord(buf []byte) (*Entry, int, error) {
	if len(buf) < lenWidth+recordHeaderWidth {
		return nil, 0, errCorruptRecord
	}
	body := int(enc.Uint32(buf[0:4]))
	total := lenWidth + body + checksumWidth
	if body < recordHeaderWidth || len(buf) < total {
		return nil, 0, errCorruptRecord
	}

	wantSum := enc.Uint64(buf[lenWidth+body : total])
	gotSum := crc64.Checksum(buf[:lenWidth+body], crcTable)
	if wantSum != gotSum {
		return nil, 0, errCorruptRecord
	}

	e := &Entry{
		Index: enc.Uint64(buf[4:12]),
		Term:  enc.Uint64(buf[12:20]),
		Type:  ValueType(buf[20]),
	}
	payloadLen := int(enc.Uint32(buf[21:25]))
	if recordHeaderWidth+payloadLen != body {
		return nil, 0, errCorruptRecord
	}
	e.Payload = append([]byte(nil), buf[25:25+payloadLen]...)
	return e, total, nil
}
