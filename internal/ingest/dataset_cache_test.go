package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/dicom"
)

func countingProvider(t *testing.T, loads map[string]int) DatasetProvider {
	t.Helper()
	return func(publicID string) (*dicom.Dataset, error) {
		loads[publicID]++
		el, err := dcm.NewElement(tag.SOPInstanceUID, []string{publicID})
		require.NoError(t, err)
		return dicom.FromElements([]*dcm.Element{el}), nil
	}
}

func TestDatasetCacheLRU(t *testing.T) {
	loads := map[string]int{}
	c := NewDatasetCache(2, countingProvider(t, loads))

	access := func(id string) {
		guard, err := c.Access(id)
		require.NoError(t, err)
		v, ok := guard.Dataset().GetString(tag.SOPInstanceUID)
		require.True(t, ok)
		assert.Equal(t, id, v)
		guard.Release()
	}

	// Capacity 2, access order A,B,C,A: C evicts A, A rebuilds and evicts B.
	access("A")
	access("B")
	access("C")
	access("A")

	assert.Equal(t, 2, loads["A"], "A was evicted and rebuilt")
	assert.Equal(t, 1, loads["B"])
	assert.Equal(t, 1, loads["C"])
	assert.Equal(t, 2, c.Len())

	// B was evicted by A's rebuild (least recently used after C,A).
	access("B")
	assert.Equal(t, 2, loads["B"])
}

func TestDatasetCacheHitKeepsResident(t *testing.T) {
	loads := map[string]int{}
	c := NewDatasetCache(2, countingProvider(t, loads))

	for i := 0; i < 5; i++ {
		guard, err := c.Access("A")
		require.NoError(t, err)
		guard.Release()
	}
	assert.Equal(t, 1, loads["A"], "hits must not re-invoke the provider")
}

func TestDatasetCachePutAndInvalidate(t *testing.T) {
	loads := map[string]int{}
	c := NewDatasetCache(2, countingProvider(t, loads))

	el, err := dcm.NewElement(tag.SOPInstanceUID, []string{"X"})
	require.NoError(t, err)
	c.Put("X", dicom.FromElements([]*dcm.Element{el}))

	guard, err := c.Access("X")
	require.NoError(t, err)
	guard.Release()
	assert.Zero(t, loads["X"], "Put transfers ownership without a provider call")

	c.Invalidate("X")
	guard, err = c.Access("X")
	require.NoError(t, err)
	guard.Release()
	assert.Equal(t, 1, loads["X"], "invalidated entries reload")
}

func TestDatasetCacheGuardExclusivity(t *testing.T) {
	loads := map[string]int{}
	c := NewDatasetCache(2, countingProvider(t, loads))

	guard, err := c.Access("A")
	require.NoError(t, err)

	concurrent := make(chan struct{})
	go func() {
		g, err := c.Access("B")
		if err == nil {
			g.Release()
		}
		close(concurrent)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-concurrent:
		t.Fatal("second access must block while a guard is held")
	default:
	}

	guard.Release()
	<-concurrent
}
