// Package record defines the standard update record carried by a channel: a
// change to one relation, either inserting a value or deleting by value or
// key. Library users are free to stream any other record type; this is the
// one the CLI and the journal speak.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"
)

// Op is the kind of change a record describes.
type Op uint8

const (
	OpInsert Op = 1 + iota
	OpDeleteValue
	OpDeleteKey
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDeleteValue:
		return "delete-value"
	case OpDeleteKey:
		return "delete-key"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseOp parses the textual form produced by Op.String.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "delete-value":
		return OpDeleteValue, nil
	case "delete-key":
		return OpDeleteKey, nil
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// Record is one update to a relation. Payload is the encoded value (or key,
// for OpDeleteKey) and is opaque to this package.
type Record struct {
	Op       Op     `json:"op"`
	Relation uint32 `json:"relation"`
	Payload  []byte `json:"payload"`
}

// Record encoding, protobuf wire format:
// field 1 varint op, field 2 varint relation, field 3 bytes payload.
const (
	fieldOp       = 1
	fieldRelation = 2
	fieldPayload  = 3
)

// Codec encodes Records for the wire. It satisfies tcpchan.RecordCodec.
type Codec struct{}

func (Codec) Marshal(rec Record) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Op))
	b = protowire.AppendTag(b, fieldRelation, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Relation))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.Payload)
	return b, nil
}

func (Codec) Unmarshal(data []byte) (Record, error) {
	var rec Record
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			data = data[n:]
			rec.Op = Op(v)
		case num == fieldRelation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			data = data[n:]
			rec.Relation = uint32(v)
		case num == fieldPayload && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			data = data[n:]
			rec.Payload = append([]byte(nil), b...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if rec.Op < OpInsert || rec.Op > OpDeleteKey {
		return Record{}, fmt.Errorf("unknown record op %d", uint8(rec.Op))
	}
	return rec, nil
}

// Digest returns a deterministic BLAKE3 digest over a batch of records, in
// order, as lowercase hex. Fields are length-prefixed before hashing so
// payload bytes cannot collide across field boundaries.
func Digest(recs []Record) string {
	h := blake3.New()
	var lenbuf [binary.MaxVarintLen64]byte
	writeBytes := func(b []byte) {
		n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
		_, _ = h.Write(lenbuf[:n])
		_, _ = h.Write(b)
	}
	for _, r := range recs {
		_, _ = h.Write([]byte{byte(r.Op)})
		var rel [4]byte
		binary.BigEndian.PutUint32(rel[:], r.Relation)
		_, _ = h.Write(rel[:])
		writeBytes(r.Payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}
