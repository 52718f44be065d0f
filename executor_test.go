package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShellBridge scripts Shell and RunCommand responses and records calls.
type fakeShellBridge struct {
	result CommandResult
	err    error
	calls  [][]string
}

func (f *fakeShellBridge) RunCommand(_ context.Context, _ time.Duration, deviceID string, args ...string) (CommandResult, error) {
	f.calls = append(f.calls, append([]string{deviceID}, args...))
	return f.result, f.err
}

func (f *fakeShellBridge) Shell(ctx context.Context, deviceID string, cmd ...string) (CommandResult, error) {
	return f.RunCommand(ctx, 0, deviceID, append([]string{"shell"}, cmd...)...)
}

func TestTapSuccess(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{ExitCode: 0}}
	e := NewActionExecutor(bridge)

	ok, err := e.Tap(context.Background(), "emulator-5554", 120, 340)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, bridge.calls, 1)
	assert.Equal(t, []string{"emulator-5554", "shell", "input", "tap", "120", "340"}, bridge.calls[0])
}

func TestTapDeviceRejection(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{ExitCode: 1, Stderr: "injection not permitted"}}
	e := NewActionExecutor(bridge)

	ok, err := e.Tap(context.Background(), "emulator-5554", 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTapBridgeUnavailable(t *testing.T) {
	bridge := &fakeShellBridge{err: fmt.Errorf("run: %w", ErrBridgeUnavailable)}
	e := NewActionExecutor(bridge)

	ok, err := e.Tap(context.Background(), "emulator-5554", 1, 1)
	require.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.False(t, ok)
}

func TestTapTransientErrorAbsorbed(t *testing.T) {
	bridge := &fakeShellBridge{err: fmt.Errorf("adb: %w", ErrBridgeTimeout)}
	e := NewActionExecutor(bridge)

	ok, err := e.Tap(context.Background(), "emulator-5554", 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwipeArguments(t *testing.T) {
	bridge := &fakeShellBridge{}
	e := NewActionExecutor(bridge)

	_, err := e.Swipe(context.Background(), "d1", 10, 20, 30, 40, 300)
	require.NoError(t, err)
	require.Len(t, bridge.calls, 1)
	assert.Equal(t, []string{"d1", "shell", "input", "swipe", "10", "20", "30", "40", "300"}, bridge.calls[0])
}

func TestLaunchAppArguments(t *testing.T) {
	bridge := &fakeShellBridge{}
	e := NewActionExecutor(bridge)

	_, err := e.LaunchApp(context.Background(), "d1", "com.my.defense")
	require.NoError(t, err)
	require.Len(t, bridge.calls, 1)
	assert.Equal(t, []string{"d1", "shell", "monkey", "-p", "com.my.defense",
		"-c", "android.intent.category.LAUNCHER", "1"}, bridge.calls[0])
}

func TestScreenshotCachesWithinTTL(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{Stdout: []byte("pngbytes")}}
	e := NewActionExecutor(bridge)

	now := time.Now()
	e.now = func() time.Time { return now }

	first, err := e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)
	second, err := e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, bridge.calls, 1, "second call within TTL must hit the cache")

	now = now.Add(screenshotTTL + time.Millisecond)
	_, err = e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, bridge.calls, 2, "expired cache must trigger a fresh capture")
}

func TestScreenshotCacheIsPerDevice(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{Stdout: []byte("pngbytes")}}
	e := NewActionExecutor(bridge)

	_, err := e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)
	_, err = e.Screenshot(context.Background(), "d2")
	require.NoError(t, err)
	assert.Len(t, bridge.calls, 2)
}

func TestScreenshotInvalidate(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{Stdout: []byte("pngbytes")}}
	e := NewActionExecutor(bridge)

	_, err := e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)
	e.InvalidateScreenshot("d1")
	_, err = e.Screenshot(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, bridge.calls, 2)
}

func TestScreenshotEmptyCaptureFails(t *testing.T) {
	bridge := &fakeShellBridge{result: CommandResult{Stdout: nil, Stderr: "error: closed"}}
	e := NewActionExecutor(bridge)

	_, err := e.Screenshot(context.Background(), "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "screencap failed")
}

func TestEscapeInputText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello world", "hello%sworld"},
		{"plain", "plain"},
		{"a&b", `a\&b`},
		{`quote"it'now`, `quote\"it\'now`},
		{"tab\there", "tabhere"},
		{"(parens)", `\(parens\)`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, escapeInputText(tc.in), tc.in)
	}
}
