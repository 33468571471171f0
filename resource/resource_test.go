package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/knowledge"
	"github.com/hupe1980/agentrelay/provider"
)

func TestMain(m *testing.M) {
	// bleve starts its analysis workers at package init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/blevesearch/bleve_index_api.AnalysisWorker"))
}

func TestManager_SingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context, primary provider.Provider) (*Resources, error) {
		calls.Add(1)
		<-release
		return &Resources{Backend: primary}, nil
	})

	primary := provider.NewMockProvider("mock")
	const n = 16
	var wg sync.WaitGroup
	got := make([]*Resources, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Initialize(context.Background(), primary)
			assert.NoError(t, err)
			got[i] = r
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), m.Builds())
	for _, r := range got {
		assert.Same(t, got[0], r)
	}
	assert.True(t, m.Ready())

	r, err := m.Resources()
	require.NoError(t, err)
	assert.Same(t, got[0], r)
}

func TestManager_FailureAllowsRetry(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(func(ctx context.Context, _ provider.Provider) (*Resources, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("index unavailable")
		}
		return &Resources{}, nil
	})

	_, err := m.Initialize(context.Background(), nil)
	require.Error(t, err)
	_, err = m.Resources()
	assert.ErrorIs(t, err, core.ErrResourcesNotInitialized)

	r, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Equal(t, int64(2), calls.Load())
}

func TestManager_NotInitialized(t *testing.T) {
	m := NewManager(KnowledgeBuilder(nil))
	_, err := m.Resources()
	assert.ErrorIs(t, err, core.ErrResourcesNotInitialized)
}

func TestManager_ShutdownIsTerminal(t *testing.T) {
	m := NewManager(KnowledgeBuilder([]knowledge.Document{{ID: "a", Content: "alpha"}}))
	r, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, r.Knowledge)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	_, err = m.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrShutdown)
	_, err = m.Resources()
	assert.ErrorIs(t, err, core.ErrShutdown)
	assert.ErrorIs(t, m.Reset(), core.ErrShutdown)
}

func TestManager_ResetRebuilds(t *testing.T) {
	m := NewManager(KnowledgeBuilder(nil))
	first, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, m.Reset())
	assert.False(t, m.Ready())

	second, err := m.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), m.Builds())
}

func TestManager_CallerCancellationDoesNotAbortBuild(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context, _ provider.Provider) (*Resources, error) {
		<-release
		return &Resources{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Initialize(ctx, nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, m.Ready, time.Second, 5*time.Millisecond)
}
