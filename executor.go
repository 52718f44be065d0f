// Package main - executor.go
//
// Physical actions against one connected device.
// Every operation delegates to the bridge choke point. Command failures come
// back as false so the control loop can keep going after a missed tap; only
// bridge unavailability escalates as an error.
package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// screenshotTTL bounds how long a captured frame may be served from cache.
// Multiple consumers asking for a frame within one cycle share a capture.
const screenshotTTL = time.Second

// Android key codes used by the bot.
const (
	KeycodeBack = 4
	KeycodeHome = 3
)

// commandBridge is the slice of AdbBridge the executor needs; tests stub it.
type commandBridge interface {
	RunCommand(ctx context.Context, timeout time.Duration, deviceID string, args ...string) (CommandResult, error)
	Shell(ctx context.Context, deviceID string, cmd ...string) (CommandResult, error)
}

type cachedShot struct {
	data []byte
	at   time.Time
}

// ActionExecutor performs tap/swipe/text/key/screenshot commands.
type ActionExecutor struct {
	bridge commandBridge

	mu    sync.Mutex
	shots map[string]cachedShot
	now   func() time.Time
}

// NewActionExecutor returns an executor bound to the given bridge.
func NewActionExecutor(bridge commandBridge) *ActionExecutor {
	return &ActionExecutor{
		bridge: bridge,
		shots:  make(map[string]cachedShot),
		now:    time.Now,
	}
}

// Screenshot captures the device screen as raw PNG bytes. Captures are cached
// per device for up to one second.
func (e *ActionExecutor) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	e.mu.Lock()
	if shot, ok := e.shots[deviceID]; ok && e.now().Sub(shot.at) < screenshotTTL {
		data := shot.data
		e.mu.Unlock()
		return data, nil
	}
	e.mu.Unlock()

	res, err := e.bridge.RunCommand(ctx, 0, deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 || len(res.Stdout) == 0 {
		return nil, errors.New("screencap failed: " + strings.TrimSpace(res.Stderr))
	}

	e.mu.Lock()
	e.shots[deviceID] = cachedShot{data: res.Stdout, at: e.now()}
	e.mu.Unlock()

	return res.Stdout, nil
}

// InvalidateScreenshot drops the cached frame for a device, forcing the next
// Screenshot call to capture.
func (e *ActionExecutor) InvalidateScreenshot(deviceID string) {
	e.mu.Lock()
	delete(e.shots, deviceID)
	e.mu.Unlock()
}

// Tap taps the screen at (x, y).
func (e *ActionExecutor) Tap(ctx context.Context, deviceID string, x, y int) (bool, error) {
	return e.inputCommand(ctx, deviceID, "tap",
		"input", "tap", strconv.Itoa(x), strconv.Itoa(y))
}

// Swipe swipes from (x1, y1) to (x2, y2) over durationMs milliseconds.
func (e *ActionExecutor) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) (bool, error) {
	return e.inputCommand(ctx, deviceID, "swipe",
		"input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMs))
}

// SendText injects text, escaped for the bridge's input-text syntax.
func (e *ActionExecutor) SendText(ctx context.Context, deviceID, text string) (bool, error) {
	return e.inputCommand(ctx, deviceID, "text", "input", "text", escapeInputText(text))
}

// SendKeyEvent injects an Android key event.
func (e *ActionExecutor) SendKeyEvent(ctx context.Context, deviceID string, code int) (bool, error) {
	return e.inputCommand(ctx, deviceID, "keyevent", "input", "keyevent", strconv.Itoa(code))
}

// LaunchApp starts the game package via the activity launcher.
func (e *ActionExecutor) LaunchApp(ctx context.Context, deviceID, pkg string) (bool, error) {
	return e.inputCommand(ctx, deviceID, "launch",
		"monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
}

// inputCommand runs one device-side command, mapping everything except bridge
// unavailability to a logged false.
func (e *ActionExecutor) inputCommand(ctx context.Context, deviceID, name string, cmd ...string) (bool, error) {
	res, err := e.bridge.Shell(ctx, deviceID, cmd...)
	if err != nil {
		if errors.Is(err, ErrBridgeUnavailable) {
			return false, err
		}
		log.Warn().Str("action", name).Str("device", deviceID).Err(err).Msg("action failed")
		return false, nil
	}
	if res.ExitCode != 0 {
		log.Warn().Str("action", name).Str("device", deviceID).
			Str("stderr", strings.TrimSpace(res.Stderr)).Msg("action rejected by device")
		return false, nil
	}
	return true, nil
}

// escapeInputText rewrites text for `input text`: spaces become %s and shell
// metacharacters are backslash-escaped. Control characters are dropped.
func escapeInputText(text string) string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			sb.WriteString("%s")
		case r < 0x20 || r == 0x7f:
			// control characters have no input-text representation
		case strings.ContainsRune(`\()<>|;&*~"'$`+"`", r):
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
