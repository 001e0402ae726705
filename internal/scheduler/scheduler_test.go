package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcJob struct {
	fn     func(ctx context.Context, inputs []string) ([]string, error)
	ignore bool
}

func (j funcJob) Apply(ctx context.Context, inputs []string) ([]string, error) {
	return j.fn(ctx, inputs)
}

func (j funcJob) IgnoreExceptions() bool {
	return j.ignore
}

func newRunning(t *testing.T) *Scheduler {
	t.Helper()
	s := New(2, 0)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitStatus(t *testing.T, s *Scheduler, c *Chain, want ChainStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := s.Status(c.ID)
		return err == nil && status == want
	}, 2*time.Second, 5*time.Millisecond, "chain should reach %s", want)
}

func TestChainPipesOutputsToInputs(t *testing.T) {
	s := newRunning(t)

	var mu sync.Mutex
	var sequence [][]string
	record := func(inputs []string, outputs []string) ([]string, error) {
		mu.Lock()
		sequence = append(sequence, inputs)
		mu.Unlock()
		return outputs, nil
	}

	chain := NewChain("pipe", []string{"a", "b"}, 0,
		funcJob{fn: func(_ context.Context, in []string) ([]string, error) {
			return record(in, []string{"b"})
		}},
		funcJob{fn: func(_ context.Context, in []string) ([]string, error) {
			return record(in, nil)
		}},
	)

	_, err := s.Submit(chain)
	require.NoError(t, err)
	waitStatus(t, s, chain, ChainSucceeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sequence, 2)
	assert.Equal(t, []string{"a", "b"}, sequence[0])
	assert.Equal(t, []string{"b"}, sequence[1], "outputs of job N feed job N+1")
}

func TestChainFailureShortCircuits(t *testing.T) {
	s := newRunning(t)

	ran := make(chan struct{}, 1)
	chain := NewChain("fail", nil, 0,
		funcJob{fn: func(context.Context, []string) ([]string, error) {
			return nil, errors.New("broken")
		}},
		funcJob{fn: func(context.Context, []string) ([]string, error) {
			ran <- struct{}{}
			return nil, nil
		}},
	)

	_, err := s.Submit(chain)
	require.NoError(t, err)
	waitStatus(t, s, chain, ChainFailed)

	select {
	case <-ran:
		t.Fatal("second job must not run after a failure")
	default:
	}
}

func TestChainIgnoreExceptions(t *testing.T) {
	s := newRunning(t)

	chain := NewChain("tolerant", []string{"x"}, 0,
		funcJob{
			ignore: true,
			fn: func(context.Context, []string) ([]string, error) {
				return nil, errors.New("per-instance trouble")
			},
		},
		funcJob{fn: func(_ context.Context, in []string) ([]string, error) {
			return in, nil
		}},
	)

	_, err := s.Submit(chain)
	require.NoError(t, err)
	waitStatus(t, s, chain, ChainSucceeded)
}

func TestChainCancellationBetweenJobs(t *testing.T) {
	s := newRunning(t)

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	chain := NewChain("cancel", nil, 0,
		funcJob{fn: func(context.Context, []string) ([]string, error) {
			close(firstStarted)
			<-release
			return nil, nil
		}},
		funcJob{fn: func(context.Context, []string) ([]string, error) {
			t.Error("job after cancellation must not run")
			return nil, nil
		}},
	)

	_, err := s.Submit(chain)
	require.NoError(t, err)

	<-firstStarted
	require.NoError(t, s.Cancel(chain.ID))
	close(release)

	waitStatus(t, s, chain, ChainCancelled)
}

func TestIndependentChainsRunInParallel(t *testing.T) {
	s := newRunning(t)

	gate := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(2)

	mk := func() *Chain {
		return NewChain("parallel", nil, 0, funcJob{fn: func(context.Context, []string) ([]string, error) {
			ready.Done()
			<-gate
			return nil, nil
		}})
	}
	a, b := mk(), mk()
	_, err := s.Submit(a)
	require.NoError(t, err)
	_, err = s.Submit(b)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ready.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("two chains should run concurrently on two workers")
	}
	close(gate)
	waitStatus(t, s, a, ChainSucceeded)
	waitStatus(t, s, b, ChainSucceeded)
}

func TestStatusOfUnknownChain(t *testing.T) {
	s := newRunning(t)
	_, err := s.Status(NewChain("ghost", nil, 0).ID)
	assert.Error(t, err)
}
