package delta

import (
	"io"

	"github.com/pkg/errors"
)

// Apply reconstructs a file by executing instructions against oldData (the
// destination's pre-delta content, addressed by block offset = index *
// blockSize) and writing the result to w, per spec §4.8.1 "the receiver
// applies the delta by, for each instruction, either writing literal bytes
// or copying the referenced block ... into a temporary sibling".
func Apply(oldData io.ReaderAt, instructions <-chan Instruction, errs <-chan error, blockSize int, w io.Writer) error {
	buf := make([]byte, blockSize)
	for {
		select {
		case ins, ok := <-instructions:
			if !ok {
				instructions = nil
				if errs == nil {
					return nil
				}
				continue
			}
			if err := applyOne(oldData, ins, blockSize, buf, w); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if instructions == nil {
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
		}
		if instructions == nil && errs == nil {
			return nil
		}
	}
}

func applyOne(oldData io.ReaderAt, ins Instruction, blockSize int, buf []byte, w io.Writer) error {
	switch ins.Op {
	case OpLiteral:
		if _, err := w.Write(ins.Literal); err != nil {
			return errors.Wrap(err, "delta: writing literal")
		}
		return nil
	case OpCopy:
		offset := int64(ins.BlockIndex) * int64(blockSize)
		chunk := buf[:ins.Length]
		n, err := oldData.ReadAt(chunk, offset)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "delta: reading source block for copy")
		}
		if n != ins.Length {
			return errors.Errorf("delta: short read copying block %d: got %d want %d", ins.BlockIndex, n, ins.Length)
		}
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "delta: writing copied block")
		}
		return nil
	default:
		return errors.Errorf("delta: unknown instruction op %d", ins.Op)
	}
}
