package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanPortRangeFindsOpenPortsSorted(t *testing.T) {
	b := testBridge(nil)
	b.probe = func(_ context.Context, port int) bool {
		return port == 5557 || port == 5555
	}

	open, err := b.ScanPortRange(context.Background(), 5550, 5560, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{5555, 5557}, open)
}

func TestScanPortRangeProbesEveryPortOnce(t *testing.T) {
	b := testBridge(nil)

	seen := make(chan int, 100)
	b.probe = func(_ context.Context, port int) bool {
		seen <- port
		return false
	}

	open, err := b.ScanPortRange(context.Background(), 5555, 5564, 3)
	require.NoError(t, err)
	assert.Empty(t, open)

	close(seen)
	counts := make(map[int]int)
	for port := range seen {
		counts[port]++
	}
	require.Len(t, counts, 10)
	for port, n := range counts {
		assert.Equal(t, 1, n, "port %d probed %d times", port, n)
		assert.GreaterOrEqual(t, port, 5555)
		assert.LessOrEqual(t, port, 5564)
	}
}

func TestScanPortRangeRejectsInvalidRange(t *testing.T) {
	b := testBridge(nil)
	b.probe = func(context.Context, int) bool { return false }

	_, err := b.ScanPortRange(context.Background(), 0, 100, 1)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = b.ScanPortRange(context.Background(), 6000, 5000, 1)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = b.ScanPortRange(context.Background(), 5000, 70000, 1)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScanPortRangeUnavailableBridge(t *testing.T) {
	b := testBridge(nil)
	b.path = ""

	_, err := b.ScanPortRange(context.Background(), 5555, 5560, 2)
	require.ErrorIs(t, err, ErrBridgeUnavailable)
}

func TestScanPortRangeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := testBridge(nil)
	b.probe = func(ctx context.Context, _ int) bool {
		<-ctx.Done()
		return false
	}

	cancel()
	_, err := b.ScanPortRange(ctx, 5555, 5600, 2)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProbePortParsesConnectOutput(t *testing.T) {
	b := testBridge(func(_ context.Context, _ string, _ ...string) ([]byte, []byte, int, error) {
		return []byte("connected to 127.0.0.1:5555\n"), nil, 0, nil
	})
	assert.True(t, b.probePort(context.Background(), 5555))

	b = testBridge(func(_ context.Context, _ string, _ ...string) ([]byte, []byte, int, error) {
		return []byte("cannot connect to 127.0.0.1:5556: Connection refused\n"), nil, 0, nil
	})
	assert.False(t, b.probePort(context.Background(), 5556))
}
