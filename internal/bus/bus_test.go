package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/models"
)

type scriptedListener struct {
	BaseListener
	name    string
	accept  bool
	err     error
	calls   *[]string
	stored  int
	changes []int64
	mu      sync.Mutex
}

func (s *scriptedListener) FilterIncoming(context.Context, []byte, string) (bool, error) {
	*s.calls = append(*s.calls, s.name)
	return s.accept, s.err
}

func (s *scriptedListener) OnStored(context.Context, string, *dicom.Dataset, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored++
	return s.err
}

func (s *scriptedListener) OnChange(_ context.Context, change ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change.Seq)
	return s.err
}

func (s *scriptedListener) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.changes...)
}

func TestFilterOrderAndShortCircuit(t *testing.T) {
	b := New()
	var calls []string
	b.Register("first", &scriptedListener{name: "first", accept: true, calls: &calls})
	b.Register("second", &scriptedListener{name: "second", accept: false, calls: &calls})
	b.Register("third", &scriptedListener{name: "third", accept: true, calls: &calls})

	accepted, err := b.FilterIncoming(context.Background(), nil, "AET")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, []string{"first", "second"}, calls, "veto short-circuits the chain")
}

func TestFilterErrorPropagates(t *testing.T) {
	b := New()
	var calls []string
	b.Register("boom", &scriptedListener{name: "boom", err: errors.New("no"), calls: &calls})

	_, err := b.FilterIncoming(context.Background(), nil, "AET")
	assert.Error(t, err)
}

func TestStoredAndChangeSwallowErrors(t *testing.T) {
	b := New()
	var calls []string
	failing := &scriptedListener{name: "failing", err: errors.New("listener bug"), calls: &calls}
	healthy := &scriptedListener{name: "healthy", accept: true, calls: &calls}
	b.Register("failing", failing)
	b.Register("healthy", healthy)

	b.NotifyStored(context.Background(), "1.2.3", nil, nil)
	assert.Equal(t, 1, failing.stored)
	assert.Equal(t, 1, healthy.stored, "failure of one listener must not starve the next")

	b.NotifyChange(context.Background(), ChangeEvent{Seq: 7, Kind: models.ChangeNewInstance})
	assert.Equal(t, []int64{7}, healthy.seqs())
}

func TestUnregister(t *testing.T) {
	b := New()
	var calls []string
	b.Register("gone", &scriptedListener{name: "gone", accept: false, calls: &calls})
	b.Unregister("gone")

	accepted, err := b.FilterIncoming(context.Background(), nil, "")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Empty(t, calls)
}

func TestDispatcherPreservesOrder(t *testing.T) {
	b := New()
	var calls []string
	listener := &scriptedListener{name: "l", accept: true, calls: &calls}
	b.Register("l", listener)

	d := NewDispatcher(b, 8)
	d.Start()
	for seq := int64(1); seq <= 20; seq++ {
		d.Publish(ChangeEvent{Seq: seq, Kind: models.ChangeNewInstance})
	}
	d.Stop()

	seqs := listener.seqs()
	require.Len(t, seqs, 20, "stop must drain the queue")
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq, "emission order must survive dispatch")
	}
}

func TestDispatcherDecouplesPublisher(t *testing.T) {
	b := New()
	b.Register("slow", &slowListener{})

	d := NewDispatcher(b, 64)
	d.Start()
	defer d.Stop()

	start := time.Now()
	for seq := int64(1); seq <= 10; seq++ {
		d.Publish(ChangeEvent{Seq: seq})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"publishing must not wait for listeners")
}

type slowListener struct {
	BaseListener
}

func (slowListener) OnChange(context.Context, ChangeEvent) error {
	time.Sleep(10 * time.Millisecond)
	return nil
}
