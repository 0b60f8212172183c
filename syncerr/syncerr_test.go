package syncerr

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNilPassthrough(t *testing.T) {
	require.Nil(t, New(KindScan, "read", "/tmp/x", nil))
}

func TestKindOfAndIs(t *testing.T) {
	err := New(KindIntegrity, "verify", "/tmp/x", io.ErrUnexpectedEOF)
	require.Equal(t, KindIntegrity, KindOf(err))
	require.True(t, Is(err, KindIntegrity))
	require.False(t, Is(err, KindTransport))
}

func TestRetryableOnlyTransport(t *testing.T) {
	require.True(t, Retryable(New(KindTransport, "read", "", io.ErrClosedPipe)))
	require.False(t, Retryable(New(KindIntegrity, "verify", "", io.ErrClosedPipe)))
	require.False(t, Retryable(io.ErrClosedPipe))
}

func TestErrorUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := New(KindScan, "stat", "/a/b", cause)
	require.ErrorIs(t, err, cause)
}
