package agent

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/c4milo/syncd/compress"
	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/synclog"
	"github.com/c4milo/syncd/transport"
)

// Server runs the remote side of the protocol: it owns a transport.Local
// (or any transport.Transport) and dispatches incoming frames to it,
// writing responses back on the same stream.
type Server struct {
	T      transport.Transport
	Logger synclog.Logger

	mu      sync.Mutex
	pending map[string]*writeSession
}

type writeSession struct {
	path       string
	mode       uint32
	compressed bool
	buf        []byte
}

// NewServer returns a Server backed by t.
func NewServer(t transport.Transport) *Server {
	return &Server{T: t, Logger: synclog.Noop(), pending: make(map[string]*writeSession)}
}

// Serve reads frames from r and writes responses to w until r is
// exhausted (EOF) or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		op, payload, err := ReadFrame(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "agent: reading request frame")
		}

		if err := s.dispatch(ctx, w, op, payload); err != nil {
			s.Logger.Warn("agent: request failed", "opcode", byte(op), "error", err.Error())
		}
	}
}

func (s *Server) writeErr(w io.Writer, err error) error {
	payload, _ := Marshal(ErrorResponse{Message: err.Error()})
	return WriteFrame(w, opError, payload)
}

func (s *Server) writeOK(w io.Writer, op Opcode, v interface{}) error {
	payload, err := Marshal(v)
	if err != nil {
		return s.writeErr(w, err)
	}
	return WriteFrame(w, op, payload)
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, op Opcode, payload []byte) error {
	switch op {
	case OpList:
		var req ListRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		for res := range s.T.List(ctx, req.Root) {
			if res.Err != nil {
				if err := s.writeErr(w, res.Err); err != nil {
					return err
				}
				continue
			}
			if err := s.writeOK(w, OpList, StatResponse{Entry: ToWire(res.Entry)}); err != nil {
				return err
			}
		}
		return WriteFrame(w, opEnd, nil)

	case OpStat:
		var req StatRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		e, err := s.T.Stat(ctx, req.Path)
		if err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpStat, StatResponse{Entry: ToWire(e)})

	case OpRead:
		var req ReadRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		rc, err := s.T.Read(ctx, req.Path, req.Offset, req.Length)
		if err != nil {
			return s.writeErr(w, err)
		}
		defer rc.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				if werr := WriteFrame(w, OpRead, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return WriteFrame(w, opEnd, nil)
			}
			if err != nil {
				return s.writeErr(w, err)
			}
		}

	case OpWriteBegin:
		var req WriteBeginRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		token := uuid.NewString()
		s.mu.Lock()
		s.pending[token] = &writeSession{path: req.Path, mode: req.Mode, compressed: req.Compressed}
		s.mu.Unlock()
		return s.writeOK(w, OpWriteBegin, WriteBeginResponse{Token: token})

	case OpWriteChunk:
		var req WriteChunkRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		s.mu.Lock()
		sess, ok := s.pending[req.Token]
		if ok {
			sess.buf = append(sess.buf, req.Bytes...)
		}
		s.mu.Unlock()
		if !ok {
			return s.writeErr(w, errors.New("agent: unknown write token"))
		}
		return s.writeOK(w, OpWriteChunk, OKResponse{})

	case OpWriteCommit:
		var req WriteCommitRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		s.mu.Lock()
		sess, ok := s.pending[req.Token]
		if ok {
			delete(s.pending, req.Token)
		}
		s.mu.Unlock()
		if !ok {
			return s.writeErr(w, errors.New("agent: unknown write token"))
		}
		body := sess.buf
		if sess.compressed {
			zr, err := compress.NewReader(compress.Fast, bytes.NewReader(sess.buf))
			if err != nil {
				return s.writeErr(w, err)
			}
			decoded, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return s.writeErr(w, errors.Wrap(err, "agent: decompressing write body"))
			}
			body = decoded
		}
		err := s.T.Write(ctx, sess.path, bytesReader(body), int64(len(body)), sess.mode)
		if err != nil {
			return s.writeErr(w, err)
		}
		if len(req.Fingerprint.Bytes) > 0 {
			got, err := s.T.Fingerprint(ctx, sess.path, fingerprint.Kind(req.Fingerprint.Kind))
			if err != nil {
				return s.writeErr(w, err)
			}
			if !bytesEqual(got, req.Fingerprint.Bytes) {
				return s.writeErr(w, errors.New("agent: fingerprint mismatch after write"))
			}
		}
		return s.writeOK(w, OpWriteCommit, OKResponse{})

	case OpFingerprint:
		var req FingerprintRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		sum, err := s.T.Fingerprint(ctx, req.Path, fingerprint.Kind(req.Kind))
		if err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpFingerprint, FingerprintResponse{Fingerprint: FingerprintWire{Kind: req.Kind, Bytes: sum}})

	case OpChecksums:
		var req ChecksumsRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		rc, err := s.T.Read(ctx, req.Path, 0, -1)
		if err != nil {
			return s.writeErr(w, err)
		}
		defer rc.Close()
		sums, err := delta.Checksums(rc, req.BlockSize, fingerprint.Kind(req.Kind))
		if err != nil {
			return s.writeErr(w, err)
		}
		for _, c := range sums {
			wireC := ChecksumWire{Index: c.Index, Weak: c.Weak, Strong: c.Strong, Length: c.Length}
			if err := s.writeOK(w, OpChecksums, wireC); err != nil {
				return err
			}
		}
		return WriteFrame(w, opEnd, nil)

	case OpMkdir:
		var req MkdirRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		if err := s.T.MkdirAll(ctx, req.Path, req.Mode); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpMkdir, OKResponse{})

	case OpRemove:
		var req RemoveRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		if err := s.T.Remove(ctx, req.Path); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpRemove, OKResponse{})

	case OpRename:
		var req RenameRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		if err := s.T.Rename(ctx, req.From, req.To); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpRename, OKResponse{})

	case OpSetMetadata:
		var req SetMetadataRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		md := transport.Metadata{
			Mode:          req.Metadata.Mode,
			OwnerID:       req.Metadata.OwnerID,
			GroupID:       req.Metadata.GroupID,
			ModTime:       time.Unix(0, req.Metadata.ModTimeUnix),
			Xattrs:        req.Metadata.Xattrs,
			ACL:           req.Metadata.ACL,
			PlatformFlags: req.Metadata.PlatformFlags,
		}
		if err := s.T.SetMetadata(ctx, req.Path, md); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpSetMetadata, OKResponse{})

	case OpSymlink:
		var req SymlinkRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		if err := s.T.Symlink(ctx, req.Path, req.Target); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpSymlink, OKResponse{})

	case OpApplyDelta:
		var req ApplyDeltaRequest
		if err := Unmarshal(payload, &req); err != nil {
			return s.writeErr(w, err)
		}
		instructions := make([]delta.Instruction, len(req.Instructions))
		for i, wireIns := range req.Instructions {
			literal := wireIns.Literal
			if wireIns.Compressed {
				zr, err := compress.NewReader(compress.Fast, bytes.NewReader(wireIns.Literal))
				if err != nil {
					return s.writeErr(w, err)
				}
				decoded, err := io.ReadAll(zr)
				zr.Close()
				if err != nil {
					return s.writeErr(w, errors.Wrap(err, "agent: decompressing literal instruction"))
				}
				literal = decoded
			}
			instructions[i] = delta.Instruction{Op: delta.Op(wireIns.Op), BlockIndex: wireIns.BlockIndex, Length: wireIns.Length, Literal: literal}
		}
		if err := s.T.ApplyDelta(ctx, req.Path, req.BlockSize, instructions); err != nil {
			return s.writeErr(w, err)
		}
		return s.writeOK(w, OpApplyDelta, ApplyDeltaResponse{})

	default:
		return s.writeErr(w, errors.Errorf("agent: unknown opcode %#x", byte(op)))
	}
}

// ToWire projects e onto its wire representation (nil-safe).
func ToWire(e *entry.Entry) EntryWire {
	if e == nil {
		return EntryWire{}
	}
	return EntryWire{
		Path:          e.Path,
		Size:          e.Size,
		ModTimeUnix:   unixNano(e.ModTime),
		Kind:          byte(e.Kind),
		SymlinkTarget: e.SymlinkTarget,
		Mode:          e.Mode,
		OwnerID:       e.OwnerID,
		GroupID:       e.GroupID,
		HardLinkDev:   e.HardLink.Device,
		HardLinkInode: e.HardLink.Inode,
		Xattrs:        e.Xattrs,
		ACL:           e.ACL,
		PlatformFlags: e.PlatformFlags,
		AllocatedSize: e.AllocatedSize,
	}
}

// FromWire reconstructs an entry.Entry from its wire representation.
func FromWire(w EntryWire) *entry.Entry {
	return &entry.Entry{
		Path:          w.Path,
		Size:          w.Size,
		ModTime:       time.Unix(0, w.ModTimeUnix),
		Kind:          entry.Kind(w.Kind),
		SymlinkTarget: w.SymlinkTarget,
		Mode:          w.Mode,
		OwnerID:       w.OwnerID,
		GroupID:       w.GroupID,
		HardLink:      entry.HardLinkGroup{Device: w.HardLinkDev, Inode: w.HardLinkInode},
		Xattrs:        w.Xattrs,
		ACL:           w.ACL,
		PlatformFlags: w.PlatformFlags,
		AllocatedSize: w.AllocatedSize,
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type sliceReader struct {
	b []byte
	i int
}

func bytesReader(b []byte) *sliceReader { return &sliceReader{b: b} }

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
