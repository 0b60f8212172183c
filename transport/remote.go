package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"github.com/c4milo/syncd/compress"
	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/synclog"
	"github.com/c4milo/syncd/transport/agent"
)

// Remote is a Transport implementation reached over a bidirectional byte
// stream established by the host's remote-shell facility (spec §4.9): it
// shells out to the system `ssh` binary exactly as rsync/rclone do,
// inheriting the caller's SSH configuration and auth agent — spawning an
// external process is the literal mechanism spec.md delegates to, not a
// gap an ecosystem library fills (see DESIGN.md).
type Remote struct {
	Logger synclog.Logger

	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader

	mu sync.Mutex
}

// DialSSH spawns `ssh host syncd-agent remoteRoot` and returns a Remote
// transport speaking the framed protocol over the resulting pipes.
func DialSSH(ctx context.Context, host, remoteRoot, agentBinary string, sshArgs ...string) (*Remote, error) {
	if agentBinary == "" {
		agentBinary = "syncd-agent"
	}
	args := append(append([]string{}, sshArgs...), host, agentBinary, remoteRoot)
	cmd := exec.CommandContext(ctx, "ssh", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "transport: opening ssh stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "transport: opening ssh stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "transport: starting ssh")
	}

	return &Remote{
		Logger: synclog.Noop(),
		cmd:    cmd,
		in:     stdin,
		out:    bufio.NewReaderSize(stdout, 64*1024),
	}, nil
}

func (r *Remote) roundTrip(op agent.Opcode, req interface{}) (agent.Opcode, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := agent.Marshal(req)
	if err != nil {
		return 0, nil, err
	}
	if err := agent.WriteFrame(r.in, op, payload); err != nil {
		return 0, nil, err
	}
	respOp, respPayload, err := agent.ReadFrame(r.out)
	if err != nil {
		return 0, nil, err
	}
	return respOp, respPayload, nil
}

func (r *Remote) check(respOp agent.Opcode, respPayload []byte, out interface{}) error {
	if respOp == 0x7F { // opError is unexported; 0x7F matches agent.opError.
		var e agent.ErrorResponse
		if err := agent.Unmarshal(respPayload, &e); err != nil {
			return err
		}
		return errors.New(e.Message)
	}
	if out == nil {
		return nil
	}
	return agent.Unmarshal(respPayload, out)
}

func (r *Remote) List(ctx context.Context, root string) <-chan ListResult {
	out := make(chan ListResult)
	go func() {
		defer close(out)
		r.mu.Lock()
		payload, err := agent.Marshal(agent.ListRequest{Root: root})
		if err != nil {
			r.mu.Unlock()
			out <- ListResult{Err: err}
			return
		}
		if err := agent.WriteFrame(r.in, agent.OpList, payload); err != nil {
			r.mu.Unlock()
			out <- ListResult{Err: err}
			return
		}
		for {
			op, body, err := agent.ReadFrame(r.out)
			if err != nil {
				r.mu.Unlock()
				out <- ListResult{Err: err}
				return
			}
			if op == 0x7E { // opEnd
				r.mu.Unlock()
				return
			}
			if op == 0x7F {
				var e agent.ErrorResponse
				agent.Unmarshal(body, &e)
				out <- ListResult{Err: errors.New(e.Message)}
				continue
			}
			var resp agent.StatResponse
			if err := agent.Unmarshal(body, &resp); err != nil {
				out <- ListResult{Err: err}
				continue
			}
			out <- ListResult{Entry: agent.FromWire(resp.Entry)}
		}
	}()
	return out
}

func (r *Remote) Stat(ctx context.Context, path string) (*entry.Entry, error) {
	respOp, respPayload, err := r.roundTrip(agent.OpStat, agent.StatRequest{Path: path})
	if err != nil {
		return nil, err
	}
	var resp agent.StatResponse
	if err := r.check(respOp, respPayload, &resp); err != nil {
		return nil, err
	}
	return agent.FromWire(resp.Entry), nil
}

func (r *Remote) Read(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	r.mu.Lock()
	payload, err := agent.Marshal(agent.ReadRequest{Path: path, Offset: offset, Length: length})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := agent.WriteFrame(r.in, agent.OpRead, payload); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer r.mu.Unlock()
		defer pw.Close()
		for {
			op, body, err := agent.ReadFrame(r.out)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if op == 0x7E {
				return
			}
			if op == 0x7F {
				var e agent.ErrorResponse
				agent.Unmarshal(body, &e)
				pw.CloseWithError(errors.New(e.Message))
				return
			}
			if _, err := pw.Write(body); err != nil {
				return
			}
		}
	}()
	return pr, nil
}

// Write probes the first 32KiB of body for compressibility (spec.md leaves
// wire compression unspecified; this expansion applies it to full-copy
// bodies and rolling-delta literals crossing the remote transport, never to
// local-transport traffic) and, when worthwhile, streams the whole body,
// probed bytes included, through compress.Fast before chunking it to the
// agent.
func (r *Remote) Write(ctx context.Context, path string, body io.Reader, size int64, mode uint32) error {
	probe := make([]byte, 32*1024)
	n, _ := io.ReadFull(body, probe)
	probe = probe[:n]
	compressible := compress.ProbeCompressible(probe)

	algo := compress.None
	if compressible {
		algo = compress.Fast
	}

	_, respPayload, err := r.roundTrip(agent.OpWriteBegin, agent.WriteBeginRequest{
		Path: path, Size: size, Mode: mode, Compressed: compressible,
	})
	if err != nil {
		return err
	}
	var begin agent.WriteBeginResponse
	if err := r.check(agent.OpWriteBegin, respPayload, &begin); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	encErrc := make(chan error, 1)
	go func() {
		cw, err := compress.NewWriter(algo, pw)
		if err != nil {
			pw.CloseWithError(err)
			encErrc <- err
			return
		}
		full := io.MultiReader(bytes.NewReader(probe), body)
		if _, err := io.Copy(cw, full); err != nil {
			cw.Close()
			pw.CloseWithError(err)
			encErrc <- err
			return
		}
		err = cw.Close()
		pw.CloseWithError(err)
		encErrc <- err
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			_, respPayload, rtErr := r.roundTrip(agent.OpWriteChunk, agent.WriteChunkRequest{Token: begin.Token, Bytes: append([]byte(nil), buf[:n]...)})
			if rtErr != nil {
				return rtErr
			}
			if cerr := r.check(agent.OpWriteChunk, respPayload, nil); cerr != nil {
				return cerr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "transport: reading write body")
		}
	}
	if err := <-encErrc; err != nil {
		return errors.Wrap(err, "transport: compressing write body")
	}

	_, respPayload, err = r.roundTrip(agent.OpWriteCommit, agent.WriteCommitRequest{Token: begin.Token})
	if err != nil {
		return err
	}
	return r.check(agent.OpWriteCommit, respPayload, nil)
}

func (r *Remote) MkdirAll(ctx context.Context, path string, mode uint32) error {
	_, respPayload, err := r.roundTrip(agent.OpMkdir, agent.MkdirRequest{Path: path, Mode: mode})
	if err != nil {
		return err
	}
	return r.check(agent.OpMkdir, respPayload, nil)
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	_, respPayload, err := r.roundTrip(agent.OpRemove, agent.RemoveRequest{Path: path})
	if err != nil {
		return err
	}
	return r.check(agent.OpRemove, respPayload, nil)
}

func (r *Remote) Rename(ctx context.Context, from, to string) error {
	_, respPayload, err := r.roundTrip(agent.OpRename, agent.RenameRequest{From: from, To: to})
	if err != nil {
		return err
	}
	return r.check(agent.OpRename, respPayload, nil)
}

// SetMetadata applies md to path via the agent's OpSetMetadata, an
// expansion addition over spec §6.1's opcode table (which has no
// metadata-only update op) so that preserve flags for mode/owner/mtime/
// xattrs/acls are honored symmetrically on local and remote destinations.
func (r *Remote) SetMetadata(ctx context.Context, path string, md Metadata) error {
	_, respPayload, err := r.roundTrip(agent.OpSetMetadata, agent.SetMetadataRequest{
		Path: path,
		Metadata: agent.MetadataWire{
			Mode:          md.Mode,
			OwnerID:       md.OwnerID,
			GroupID:       md.GroupID,
			ModTimeUnix:   md.ModTime.UnixNano(),
			Xattrs:        md.Xattrs,
			ACL:           md.ACL,
			PlatformFlags: md.PlatformFlags,
		},
	})
	if err != nil {
		return err
	}
	return r.check(agent.OpSetMetadata, respPayload, nil)
}

func (r *Remote) Fingerprint(ctx context.Context, path string, kind fingerprint.Kind) ([]byte, error) {
	_, respPayload, err := r.roundTrip(agent.OpFingerprint, agent.FingerprintRequest{Path: path, Kind: byte(kind)})
	if err != nil {
		return nil, err
	}
	var resp agent.FingerprintResponse
	if err := r.check(agent.OpFingerprint, respPayload, &resp); err != nil {
		return nil, err
	}
	return resp.Fingerprint.Bytes, nil
}

func (r *Remote) Symlink(ctx context.Context, path, target string) error {
	_, respPayload, err := r.roundTrip(agent.OpSymlink, agent.SymlinkRequest{Path: path, Target: target})
	if err != nil {
		return err
	}
	return r.check(agent.OpSymlink, respPayload, nil)
}

// Checksums streams the remote side's per-block checksums for path,
// terminated by opEnd, the same framing List uses for its entry stream.
func (r *Remote) Checksums(ctx context.Context, path string, blockSize int, kind fingerprint.Kind) ([]delta.Checksum, error) {
	r.mu.Lock()
	payload, err := agent.Marshal(agent.ChecksumsRequest{Path: path, BlockSize: blockSize, Kind: byte(kind)})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := agent.WriteFrame(r.in, agent.OpChecksums, payload); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	defer r.mu.Unlock()

	var sums []delta.Checksum
	for {
		op, body, err := agent.ReadFrame(r.out)
		if err != nil {
			return nil, err
		}
		if op == 0x7E { // opEnd
			return sums, nil
		}
		if op == 0x7F {
			var e agent.ErrorResponse
			agent.Unmarshal(body, &e)
			return nil, errors.New(e.Message)
		}
		var wireC agent.ChecksumWire
		if err := agent.Unmarshal(body, &wireC); err != nil {
			return nil, err
		}
		sums = append(sums, delta.Checksum{Index: wireC.Index, Weak: wireC.Weak, Strong: wireC.Strong, Length: wireC.Length})
	}
}

// ApplyDelta ships instructions to the remote side, which reconstructs path
// from its own pre-delta blocks, the mirror image of Checksums. Literal
// payloads that probe as compressible are sent through compress.Fast, the
// same as Write's full-copy bodies.
func (r *Remote) ApplyDelta(ctx context.Context, path string, blockSize int, instructions []delta.Instruction) error {
	wireIns := make([]agent.InstructionWire, len(instructions))
	for i, ins := range instructions {
		w := agent.InstructionWire{Op: byte(ins.Op), BlockIndex: ins.BlockIndex, Length: ins.Length, Literal: ins.Literal}
		if ins.Op == delta.OpLiteral && compress.ProbeCompressible(ins.Literal) {
			var buf bytes.Buffer
			cw, err := compress.NewWriter(compress.Fast, &buf)
			if err == nil {
				if _, err := cw.Write(ins.Literal); err == nil && cw.Close() == nil {
					w.Literal = buf.Bytes()
					w.Compressed = true
				}
			}
		}
		wireIns[i] = w
	}
	_, respPayload, err := r.roundTrip(agent.OpApplyDelta, agent.ApplyDeltaRequest{Path: path, BlockSize: blockSize, Instructions: wireIns})
	if err != nil {
		return err
	}
	return r.check(agent.OpApplyDelta, respPayload, nil)
}

func (r *Remote) Close() error {
	r.in.Close()
	if r.cmd != nil {
		return r.cmd.Wait()
	}
	return nil
}
