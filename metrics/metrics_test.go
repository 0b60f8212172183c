package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/c4milo/syncd/syncerr"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	c := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				c.BytesWritten.Add(1)
				c.FilesUpdated.Add(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, uint64(8000), c.BytesWritten.Load())
	require.Equal(t, uint64(8000), c.FilesUpdated.Load())
}

func TestRecordErrorByKind(t *testing.T) {
	c := New()
	c.RecordError(syncerr.KindTransport)
	c.RecordError(syncerr.KindTransport)
	c.RecordError(syncerr.KindIntegrity)

	got := c.ErrorsByKind()
	require.Equal(t, uint64(2), got[syncerr.KindTransport])
	require.Equal(t, uint64(1), got[syncerr.KindIntegrity])
}

func TestCollectorExposesGatherableMetrics(t *testing.T) {
	c := New()
	c.BytesWritten.Add(42)
	c.FilesCreated.Add(3)
	col := NewCollector(c)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Greater(t, count, 0)
}
