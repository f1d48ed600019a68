package tcpchan

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// RecordCodec encodes and decodes the update-record payloads carried by
// updates messages. The envelope treats records as opaque bytes; both sides
// of a channel must use the same codec.
type RecordCodec[T any] interface {
	Marshal(rec T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// maxFrame caps a single message envelope at 16MB.
const maxFrame = 16 << 20

// Envelope field numbers. The envelope is protobuf wire format: field 1 is
// the kind (varint), field 2 the encoded records (bytes, repeated). Unknown
// fields are skipped.
const (
	fieldKind   = 1
	fieldRecord = 2
)

// writeMessage writes one length-prefixed message envelope to w.
func writeMessage[T any](w io.Writer, codec RecordCodec[T], m Message[T]) error {
	var env []byte
	env = protowire.AppendTag(env, fieldKind, protowire.VarintType)
	env = protowire.AppendVarint(env, uint64(m.Kind))
	for _, rec := range m.Updates {
		b, err := codec.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		env = protowire.AppendTag(env, fieldRecord, protowire.BytesType)
		env = protowire.AppendBytes(env, b)
	}
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(env)))
	if _, err := w.Write(lenbuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(env)
	return err
}

// readMessage reads a single length-prefixed message envelope from br.
func readMessage[T any](br *bufio.Reader, codec RecordCodec[T]) (Message[T], error) {
	ln, err := binary.ReadUvarint(br)
	if err != nil {
		return Message[T]{}, err
	}
	if ln > maxFrame {
		return Message[T]{}, fmt.Errorf("message too large: %d", ln)
	}
	buf := make([]byte, ln)
	if _, err := io.ReadFull(br, buf); err != nil {
		return Message[T]{}, err
	}
	return parseEnvelope(buf, codec)
}

func parseEnvelope[T any](buf []byte, codec RecordCodec[T]) (Message[T], error) {
	var m Message[T]
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Message[T]{}, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Message[T]{}, protowire.ParseError(n)
			}
			buf = buf[n:]
			m.Kind = Kind(v)
		case num == fieldRecord && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Message[T]{}, protowire.ParseError(n)
			}
			buf = buf[n:]
			rec, err := codec.Unmarshal(b)
			if err != nil {
				return Message[T]{}, fmt.Errorf("unmarshal record: %w", err)
			}
			m.Updates = append(m.Updates, rec)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Message[T]{}, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	if m.Kind < KindStart || m.Kind > KindComplete {
		return Message[T]{}, fmt.Errorf("unknown message kind %d", uint8(m.Kind))
	}
	return m, nil
}

// BytesCodec passes record payloads through as raw bytes.
type BytesCodec struct{}

func (BytesCodec) Marshal(rec []byte) ([]byte, error) { return rec, nil }

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	// Copy out of the frame buffer so records do not alias it.
	return append([]byte(nil), data...), nil
}

// JSONCodec encodes records as JSON. Handy for ad-hoc record types; pair
// both channel ends with the same T.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(rec T) ([]byte, error) { return json.Marshal(rec) }

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var rec T
	err := json.Unmarshal(data, &rec)
	return rec, err
}

var _ RecordCodec[[]byte] = BytesCodec{}
