package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInMemorySink_Bounded(t *testing.T) {
	s := NewInMemorySink(3)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		s.Record(context.Background(), Record{RequestID: id})
	}
	recs := s.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "r2", recs[0].RequestID)
	assert.Equal(t, "r4", recs[2].RequestID)
	assert.NoError(t, s.Close(context.Background()))
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpSink{}, OrNoOp(nil))
	mem := NewInMemorySink(0)
	assert.Same(t, mem, OrNoOp(mem))
}

func TestSQLiteSink_RecordAndRecent(t *testing.T) {
	s, err := NewSQLiteSink(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	ctx := context.Background()
	s.Record(ctx, Record{
		RequestID: "r1", SessionID: "s1", AgentID: "builder", RoutedBy: "keyword",
		Provider: "mock", Model: "m", Confidence: 0.8, TotalTokens: 42, Duration: 15 * time.Millisecond,
	})
	s.Record(ctx, Record{RequestID: "r2", SessionID: "s1", AgentID: "creative", Degraded: true, Fallback: true, Error: "boom"})

	require.Eventually(t, func() bool {
		recs, err := s.Recent(ctx, 10)
		return err == nil && len(recs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "r2", recs[0].RequestID)
	assert.True(t, recs[0].Degraded)
	assert.True(t, recs[0].Fallback)
	assert.Equal(t, "boom", recs[0].Error)
	assert.Equal(t, "builder", recs[1].AgentID)
	assert.Equal(t, 42, recs[1].TotalTokens)
	assert.Equal(t, 15*time.Millisecond, recs[1].Duration)
	assert.InDelta(t, 0.8, recs[1].Confidence, 1e-9)
}

func TestSQLiteSink_CloseDrainsAndRejects(t *testing.T) {
	s, err := NewSQLiteSink(":memory:", func(o *SQLiteOptions) { o.QueueSize = 4 })
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	s.Record(context.Background(), Record{RequestID: "late"})
	_, err = s.Recent(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestSQLiteSink_OpenFailure(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("disk gone") }

	_, err := NewSQLiteSink(":memory:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}
