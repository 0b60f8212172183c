// Package syncerr defines the error taxonomy shared by every core
// subsystem, following spec §7. Kinds are attached to errors produced with
// github.com/pkg/errors (matching the teacher's wrapping idiom) so callers
// can classify a wrapped error with errors.As/Is without losing context.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the taxonomy of error classes that flow through the core.
// Kinds, not concrete types, are what callers branch on.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally produced.
	KindUnknown Kind = iota
	// KindConfig covers invalid settings or incompatible flag combinations.
	// Fails fast, before any mutation.
	KindConfig
	// KindPath covers malformed, unsafe, or out-of-root paths.
	KindPath
	// KindScan covers I/O errors enumerating a single entry; recorded, skipped.
	KindScan
	// KindTransport covers connection, authentication, and framing failures.
	// Transient subclasses are retried.
	KindTransport
	// KindFilesystemCapability covers e.g. cross-device reflink requests;
	// strategy is downgraded transparently rather than failing the item.
	KindFilesystemCapability
	// KindIntegrity covers fingerprint mismatches. Non-retryable.
	KindIntegrity
	// KindPermission is non-retryable.
	KindPermission
	// KindNoSpace is non-retryable and aborts further scheduling.
	KindNoSpace
	// KindCancelled is a cooperative stop.
	KindCancelled
	// KindInternal means an invariant was violated; aborts the run.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindPath:
		return "path"
	case KindScan:
		return "scan"
	case KindTransport:
		return "transport"
	case KindFilesystemCapability:
		return "filesystem_capability"
	case KindIntegrity:
		return "integrity"
	case KindPermission:
		return "permission"
	case KindNoSpace:
		return "no_space"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried. Only a
// narrow transient subset of transport errors are retryable; every other
// kind is final once observed.
func (k Kind) Retryable() bool {
	return k == KindTransport
}

// Error is a classified error: a Kind plus the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Path string
	err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Path, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New wraps err (using errors.Wrap to retain a stack trace, matching the
// teacher's idiom) into a classified *Error.
func New(kind Kind, op, path string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind: kind,
		Op:   op,
		Path: path,
		err:  errors.Wrap(err, op),
	}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried by the executor: it must
// be classified and its kind must be retryable.
func Retryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind.Retryable()
}
