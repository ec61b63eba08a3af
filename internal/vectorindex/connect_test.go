package vectorindex

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type flakyIndex struct {
	*MemoryIndex
	failures int32
	calls    atomic.Int32
}

func (f *flakyIndex) Initialize(ctx context.Context) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyIndex) Ping(ctx context.Context) error {
	return f.Initialize(ctx)
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: NewMemoryIndex(), failures: 2}
	start := time.Now()
	err := Connect(context.Background(), idx, ConnectOptions{Attempts: 5, BaseDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, int32(3), idx.calls.Load())
	// 10ms + 20ms between the three attempts
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestConnectDelayIsCapped(t *testing.T) {
	o := ConnectOptions{BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}.normalized()
	require.Equal(t, 500*time.Millisecond, o.delay(1))
	require.Equal(t, 4*time.Second, o.delay(4))
	require.Equal(t, 5*time.Second, o.delay(5))
	for _, attempt := range []int{36, 64, 65, 500} {
		d := o.delay(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestConnectGivesUp(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: NewMemoryIndex(), failures: 100}
	err := Connect(context.Background(), idx, ConnectOptions{Attempts: 3, BaseDelay: time.Millisecond})
	require.ErrorIs(t, err, appErr.ErrBackendUnavailable)
	require.Equal(t, int32(3), idx.calls.Load())
}

func TestWaitReadyPollsUntilPing(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: NewMemoryIndex(), failures: 3}
	err := WaitReady(context.Background(), idx, ConnectOptions{ReadyTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, int32(4), idx.calls.Load())
}

func TestWaitReadyTimeout(t *testing.T) {
	idx := &flakyIndex{MemoryIndex: NewMemoryIndex(), failures: 1 << 20}
	err := WaitReady(context.Background(), idx, ConnectOptions{ReadyTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	require.ErrorIs(t, err, appErr.ErrBackendUnavailable)
}
