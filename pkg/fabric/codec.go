package fabric

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/keyspacedb/keyspace/pkg/types"
)

// Op is a migration message opcode (spec wire format, §4.5).
type Op uint32

const (
	OpStart Op = iota + 1
	OpStartAckOK
	OpStartAckEagain
	OpStartAckFail
	OpStartAckAlreadyDone
	OpInsert
	OpInsertAck
	OpDone
	OpDoneAck
	// OpCancel is a legacy opcode. It is accepted on decode and handled
	// identically to OpDone; new code never encodes it.
	OpCancel
)

func (op Op) String() string {
	switch op {
	case OpStart:
		return "START"
	case OpStartAckOK:
		return "START_ACK_OK"
	case OpStartAckEagain:
		return "START_ACK_EAGAIN"
	case OpStartAckFail:
		return "START_ACK_FAIL"
	case OpStartAckAlreadyDone:
		return "START_ACK_ALREADY_DONE"
	case OpInsert:
		return "INSERT"
	case OpInsertAck:
		return "INSERT_ACK"
	case OpDone:
		return "DONE"
	case OpDoneAck:
		return "DONE_ACK"
	case OpCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("OP(%d)", op)
	}
}

// Info bitmask values for the INFO tag. A main-tree record that carries
// neither bit is implicitly a plain (non-parent) record — see SPEC_FULL.md
// for why a third, IS_PARENT, bit is not needed alongside these two.
const (
	InfoIsSubRec uint32 = 1 << iota
	InfoIsESR
)

// tag identifies one field in the wire codec. Values are arbitrary but
// stable; they are never persisted, only sent wire-to-wire between peers
// running the same binary.
type tag uint8

const (
	tagOP tag = iota + 1
	tagEmigID
	tagInsertID
	tagNamespace
	tagPartition
	tagDigest
	tagGeneration
	tagVoidTime
	tagRecord
	tagRecProps
	tagClusterKey
	tagType
	tagInfo
	tagVersion
	tagPDigest
	tagEDigest
	tagPGeneration
	tagPVoidTime
	tagEnd tag = 0
)

// Message is one migration protocol message. Only the fields relevant to Op
// are populated; zero values for the rest are fine since encode only emits
// fields the sender explicitly set via the present bitmask.
type Message struct {
	Op          Op
	EmigID      uint32
	InsertID    uint32
	Namespace   string
	Partition   uint32
	Digest      types.Digest
	Generation  uint32
	VoidTime    uint32
	Record      []byte
	RecProps    types.RecordProps
	ClusterKey  uint64
	Type        uint32
	Info        uint32
	Version     uint64
	PDigest     types.Digest
	EDigest     types.Digest
	PGeneration uint32
	PVoidTime   uint32

	present uint32
	refs    atomic.Int32
}

// field presence bits, independent of wire tag numbering so the two can
// evolve separately.
const (
	hasEmigID uint32 = 1 << iota
	hasInsertID
	hasNamespace
	hasPartition
	hasDigest
	hasGeneration
	hasVoidTime
	hasRecord
	hasRecProps
	hasClusterKey
	hasType
	hasInfo
	hasVersion
	hasPDigest
	hasEDigest
	hasPGeneration
	hasPVoidTime
)

func (m *Message) SetEmigID(v uint32) *Message        { m.EmigID = v; m.present |= hasEmigID; return m }
func (m *Message) SetInsertID(v uint32) *Message       { m.InsertID = v; m.present |= hasInsertID; return m }
func (m *Message) SetNamespace(v string) *Message      { m.Namespace = v; m.present |= hasNamespace; return m }
func (m *Message) SetPartition(v uint32) *Message      { m.Partition = v; m.present |= hasPartition; return m }
func (m *Message) SetDigest(v types.Digest) *Message   { m.Digest = v; m.present |= hasDigest; return m }
func (m *Message) SetGeneration(v uint32) *Message     { m.Generation = v; m.present |= hasGeneration; return m }
func (m *Message) SetVoidTime(v uint32) *Message       { m.VoidTime = v; m.present |= hasVoidTime; return m }
func (m *Message) SetRecord(v []byte) *Message         { m.Record = v; m.present |= hasRecord; return m }
func (m *Message) SetRecProps(v types.RecordProps) *Message {
	m.RecProps = v
	m.present |= hasRecProps
	return m
}
func (m *Message) SetClusterKey(v uint64) *Message  { m.ClusterKey = v; m.present |= hasClusterKey; return m }
func (m *Message) SetType(v uint32) *Message        { m.Type = v; m.present |= hasType; return m }
func (m *Message) SetInfo(v uint32) *Message         { m.Info = v; m.present |= hasInfo; return m }
func (m *Message) SetVersion(v uint64) *Message      { m.Version = v; m.present |= hasVersion; return m }
func (m *Message) SetPDigest(v types.Digest) *Message { m.PDigest = v; m.present |= hasPDigest; return m }
func (m *Message) SetEDigest(v types.Digest) *Message { m.EDigest = v; m.present |= hasEDigest; return m }
func (m *Message) SetPGeneration(v uint32) *Message {
	m.PGeneration = v
	m.present |= hasPGeneration
	return m
}
func (m *Message) SetPVoidTime(v uint32) *Message { m.PVoidTime = v; m.present |= hasPVoidTime; return m }

func (m *Message) HasInfo(bit uint32) bool { return m.present&hasInfo != 0 && m.Info&bit != 0 }

// Encode serializes the message as a length-prefixed frame: a u32 total
// length followed by the tag-value body. Every numeric field is big-endian
// per spec.md §4.5.
func Encode(w io.Writer, m *Message) error {
	var body bytes.Buffer

	writeU32Tag(&body, tagOP, uint32(m.Op))
	if m.present&hasEmigID != 0 {
		writeU32Tag(&body, tagEmigID, m.EmigID)
	}
	if m.present&hasInsertID != 0 {
		writeU32Tag(&body, tagInsertID, m.InsertID)
	}
	if m.present&hasNamespace != 0 {
		writeBytesTag(&body, tagNamespace, []byte(m.Namespace))
	}
	if m.present&hasPartition != 0 {
		writeU32Tag(&body, tagPartition, m.Partition)
	}
	if m.present&hasDigest != 0 {
		writeFixedTag(&body, tagDigest, m.Digest[:])
	}
	if m.present&hasGeneration != 0 {
		writeU32Tag(&body, tagGeneration, m.Generation)
	}
	if m.present&hasVoidTime != 0 {
		writeU32Tag(&body, tagVoidTime, m.VoidTime)
	}
	if m.present&hasRecord != 0 {
		writeBytesTag(&body, tagRecord, m.Record)
	}
	if m.present&hasRecProps != 0 {
		encoded, err := encodeRecProps(m.RecProps)
		if err != nil {
			return fmt.Errorf("encode rec_props: %w", err)
		}
		writeBytesTag(&body, tagRecProps, encoded)
	}
	if m.present&hasClusterKey != 0 {
		writeU64Tag(&body, tagClusterKey, m.ClusterKey)
	}
	if m.present&hasType != 0 {
		writeU32Tag(&body, tagType, m.Type)
	}
	if m.present&hasInfo != 0 {
		writeU32Tag(&body, tagInfo, m.Info)
	}
	if m.present&hasVersion != 0 {
		writeU64Tag(&body, tagVersion, m.Version)
	}
	if m.present&hasPDigest != 0 {
		writeFixedTag(&body, tagPDigest, m.PDigest[:])
	}
	if m.present&hasEDigest != 0 {
		writeFixedTag(&body, tagEDigest, m.EDigest[:])
	}
	if m.present&hasPGeneration != 0 {
		writeU32Tag(&body, tagPGeneration, m.PGeneration)
	}
	if m.present&hasPVoidTime != 0 {
		writeU32Tag(&body, tagPVoidTime, m.PVoidTime)
	}
	body.WriteByte(byte(tagEnd))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed frame and parses its tag-value body into
// a freshly allocated Message. Callers on the hot receive path should prefer
// DecodeInto with a pooled Message.
func Decode(r io.Reader) (*Message, error) {
	m := &Message{}
	if err := DecodeInto(r, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeInto reads one frame into an existing Message, resetting it first.
func DecodeInto(r io.Reader, m *Message) error {
	*m = Message{}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err // EOF propagates as-is so callers can detect a closed conn
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}

	br := bytes.NewReader(body)
	for {
		t, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read tag: %w", err)
		}
		switch tag(t) {
		case tagEnd:
			m.refs.Store(1)
			return nil
		case tagOP:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.Op = Op(v)
		case tagEmigID:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.EmigID = v
			m.present |= hasEmigID
		case tagInsertID:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.InsertID = v
			m.present |= hasInsertID
		case tagNamespace:
			v, err := readBytes(br)
			if err != nil {
				return err
			}
			m.Namespace = string(v)
			m.present |= hasNamespace
		case tagPartition:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.Partition = v
			m.present |= hasPartition
		case tagDigest:
			v, err := readFixed(br, len(m.Digest))
			if err != nil {
				return err
			}
			copy(m.Digest[:], v)
			m.present |= hasDigest
		case tagGeneration:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.Generation = v
			m.present |= hasGeneration
		case tagVoidTime:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.VoidTime = v
			m.present |= hasVoidTime
		case tagRecord:
			v, err := readBytes(br)
			if err != nil {
				return err
			}
			m.Record = v
			m.present |= hasRecord
		case tagRecProps:
			v, err := readBytes(br)
			if err != nil {
				return err
			}
			props, err := decodeRecProps(v)
			if err != nil {
				return fmt.Errorf("decode rec_props: %w", err)
			}
			m.RecProps = props
			m.present |= hasRecProps
		case tagClusterKey:
			v, err := readU64(br)
			if err != nil {
				return err
			}
			m.ClusterKey = v
			m.present |= hasClusterKey
		case tagType:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.Type = v
			m.present |= hasType
		case tagInfo:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.Info = v
			m.present |= hasInfo
		case tagVersion:
			v, err := readU64(br)
			if err != nil {
				return err
			}
			m.Version = v
			m.present |= hasVersion
		case tagPDigest:
			v, err := readFixed(br, len(m.PDigest))
			if err != nil {
				return err
			}
			copy(m.PDigest[:], v)
			m.present |= hasPDigest
		case tagEDigest:
			v, err := readFixed(br, len(m.EDigest))
			if err != nil {
				return err
			}
			copy(m.EDigest[:], v)
			m.present |= hasEDigest
		case tagPGeneration:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.PGeneration = v
			m.present |= hasPGeneration
		case tagPVoidTime:
			v, err := readU32(br)
			if err != nil {
				return err
			}
			m.PVoidTime = v
			m.present |= hasPVoidTime
		default:
			return fmt.Errorf("unknown wire tag %d", t)
		}
	}
}

func writeU32Tag(w *bytes.Buffer, t tag, v uint32) {
	w.WriteByte(byte(t))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func writeU64Tag(w *bytes.Buffer, t tag, v uint64) {
	w.WriteByte(byte(t))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func writeFixedTag(w *bytes.Buffer, t tag, v []byte) {
	w.WriteByte(byte(t))
	w.Write(v)
}

func writeBytesTag(w *bytes.Buffer, t tag, v []byte) {
	w.WriteByte(byte(t))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	w.Write(lenBuf[:])
	w.Write(v)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read u32: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read u64: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readFixed(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read fixed(%d): %w", n, err)
	}
	return buf, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	return readFixed(r, int(n))
}

// encodeRecProps/decodeRecProps serialize the optional record-properties map
// as a flat sequence of (keylen, key, vallen, value) tuples.
func encodeRecProps(props types.RecordProps) ([]byte, error) {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(props)))
	buf.Write(countBuf[:])
	for k, v := range props {
		var klenBuf [4]byte
		binary.BigEndian.PutUint32(klenBuf[:], uint32(len(k)))
		buf.Write(klenBuf[:])
		buf.WriteString(k)
		var vlenBuf [4]byte
		binary.BigEndian.PutUint32(vlenBuf[:], uint32(len(v)))
		buf.Write(vlenBuf[:])
		buf.Write(v)
	}
	return buf.Bytes(), nil
}

func decodeRecProps(data []byte) (types.RecordProps, error) {
	r := bytes.NewReader(data)
	count, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	props := make(types.RecordProps, count)
	for i := uint32(0); i < count; i++ {
		klen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		key, err := readFixed(r, int(klen))
		if err != nil {
			return nil, err
		}
		vlen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		val, err := readFixed(r, int(vlen))
		if err != nil {
			return nil, err
		}
		props[string(key)] = val
	}
	return props, nil
}
