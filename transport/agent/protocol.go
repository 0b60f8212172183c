// Package agent implements the remote-agent wire protocol described in
// spec §6.1: a framed request/response protocol running over the
// bidirectional byte stream established by the host's remote-shell
// facility. Frames are 4-byte big-endian length | 1-byte opcode |
// opcode-specific payload, with payloads encoded using the msgpack codec
// (grounded on hashicorp/raft's use of hashicorp/go-msgpack for its own
// wire encoding, present in the pack via hemzaz-freightliner's go.mod).
package agent

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

// Opcode identifies a request/response pair, per spec §6.1's table.
type Opcode byte

const (
	OpList        Opcode = 0x01
	OpStat        Opcode = 0x02
	OpRead        Opcode = 0x03
	OpWriteBegin  Opcode = 0x04
	OpWriteChunk  Opcode = 0x05
	OpWriteCommit Opcode = 0x06
	OpFingerprint Opcode = 0x07
	OpChecksums   Opcode = 0x08
	OpApplyDelta  Opcode = 0x09
	OpMkdir       Opcode = 0x0A
	OpRemove      Opcode = 0x0B
	OpRename      Opcode = 0x0C
	OpSymlink     Opcode = 0x0D
	OpSetMetadata Opcode = 0x0E

	// opEnd terminates a LIST response's entry stream.
	opEnd Opcode = 0x7E
	// opError carries a failure for any request.
	opError Opcode = 0x7F
)

const maxFrameLength = 64 << 20

var msgpackHandle = &codec.MsgpackHandle{}

// Marshal encodes v into the shared msgpack handle's wire format.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "agent: encoding payload")
	}
	return buf, nil
}

// Unmarshal decodes data (produced by Marshal) into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "agent: decoding payload")
	}
	return nil
}

// WriteFrame writes one length-prefixed frame: 4-byte big-endian length
// (covering opcode + payload), 1-byte opcode, payload.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	length := uint32(len(payload) + 1)
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = byte(op)
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "agent: writing frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "agent: writing frame payload")
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Opcode, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameLength {
		return 0, nil, errors.Errorf("agent: invalid frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrap(err, "agent: reading frame body")
	}
	return Opcode(body[0]), body[1:], nil
}

// FingerprintWire is a fingerprint value prefixed by its kind byte, per
// spec §6.1 "all fingerprints are raw bytes preceded by a one-byte kind
// identifier".
type FingerprintWire struct {
	Kind  byte
	Bytes []byte
}

// EntryWire is the wire-safe projection of entry.Entry (msgpack does not
// need special time handling, but UnixNano keeps the wire format
// independent of the receiving side's time.Time monotonic-reading quirks).
type EntryWire struct {
	Path          string
	Size          int64
	ModTimeUnix   int64
	Kind          byte
	SymlinkTarget string
	Mode          uint32
	OwnerID       uint32
	GroupID       uint32
	HardLinkDev   uint64
	HardLinkInode uint64
	Xattrs        map[string][]byte
	ACL           []byte
	PlatformFlags uint32
	AllocatedSize int64
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

// Request/response payloads for each opcode.
type (
	ListRequest struct{ Root string }

	StatRequest  struct{ Path string }
	StatResponse struct{ Entry EntryWire }

	ReadRequest struct {
		Path          string
		Offset        int64
		Length        int64
	}

	WriteBeginRequest struct {
		Path string
		Size int64
		Mode uint32
		// Compressed indicates the chunk stream that follows is framed
		// through compress.Fast rather than carrying raw bytes, per the
		// sender's compressibility probe of the body's first sampleSize
		// bytes.
		Compressed bool
	}
	WriteBeginResponse struct{ Token string }

	WriteChunkRequest struct {
		Token string
		Bytes []byte
	}

	WriteCommitRequest struct {
		Token       string
		Fingerprint FingerprintWire
	}

	FingerprintRequest struct {
		Path string
		Kind byte
	}
	FingerprintResponse struct{ Fingerprint FingerprintWire }

	ChecksumsRequest struct {
		Path      string
		BlockSize int
		Kind      byte
	}
	ChecksumWire struct {
		Index  int
		Weak   uint32
		Strong []byte
		Length int
	}

	InstructionWire struct {
		Op         byte
		BlockIndex int
		Length     int
		Literal    []byte
		// Compressed indicates Literal was run through compress.Fast by
		// the sender because it probed as worthwhile; it applies only to
		// OpLiteral instructions sent over the remote transport.
		Compressed bool
	}
	ApplyDeltaRequest struct {
		Path         string
		BlockSize    int
		Instructions []InstructionWire
	}
	ApplyDeltaResponse struct{}

	MkdirRequest struct {
		Path string
		Mode uint32
	}
	RemoveRequest  struct{ Path string }
	RenameRequest  struct{ From, To string }
	SymlinkRequest struct{ Path, Target string }

	// MetadataWire is the wire-safe projection of transport.Metadata,
	// following EntryWire's UnixNano convention for the same reason: a
	// receiving agent built against a different Go version shouldn't have
	// to agree on time.Time's wire representation.
	MetadataWire struct {
		Mode          uint32
		OwnerID       uint32
		GroupID       uint32
		ModTimeUnix   int64
		Xattrs        map[string][]byte
		ACL           []byte
		PlatformFlags uint32
	}
	SetMetadataRequest struct {
		Path     string
		Metadata MetadataWire
	}

	ErrorResponse struct{ Message string }
	OKResponse    struct{}
)
