// Package main - bridge.go
//
// ADB bridge session for the bot.
// Locates the adb executable, runs bridge commands with a hard per-command
// timeout, enumerates devices into a registry, and connects network-addressed
// devices. Every other component goes through RunCommand.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Bridge failure taxonomy. BridgeUnavailable is fatal to device features but
// not to the process; BridgeTimeout is surfaced per command.
var (
	ErrBridgeUnavailable = errors.New("adb executable not found")
	ErrBridgeTimeout     = errors.New("adb command timed out")
	ErrDeviceUnreachable = errors.New("no connectable device")
)

// DeviceStatus is the lifecycle status of an enumerated device.
type DeviceStatus int

const (
	DeviceDisconnected DeviceStatus = iota
	DeviceConnecting
	DeviceConnected
	DeviceUnauthorized
	DeviceErrored
)

// String returns the wire representation of the status.
func (s DeviceStatus) String() string {
	switch s {
	case DeviceDisconnected:
		return "disconnected"
	case DeviceConnecting:
		return "connecting"
	case DeviceConnected:
		return "connected"
	case DeviceUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// ConnectionKind describes how a device is attached.
type ConnectionKind int

const (
	ConnectionUSB ConnectionKind = iota
	ConnectionNetwork
	ConnectionEmulator
)

// String returns the wire representation of the connection kind.
func (k ConnectionKind) String() string {
	switch k {
	case ConnectionNetwork:
		return "network"
	case ConnectionEmulator:
		return "emulator"
	default:
		return "usb"
	}
}

// DeviceRecord is a read-only snapshot of one enumerated device. The registry
// inside AdbBridge owns the live records; callers only ever see copies.
type DeviceRecord struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"displayName"`
	Model        string         `json:"model"`
	OSVersion    string         `json:"osVersion"`
	Architecture string         `json:"architecture"`
	Resolution   string         `json:"resolution"`
	Battery      string         `json:"battery"`
	Memory       string         `json:"memory"`
	Status       DeviceStatus   `json:"-"`
	Kind         ConnectionKind `json:"-"`
	StatusName   string         `json:"status"`
	KindName     string         `json:"connectionKind"`
	LastSeen     time.Time      `json:"lastSeen"`
}

// CommandResult carries the outcome of one bridge command. A non-zero exit
// code is not an error at this level; callers decide what it means.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
}

// commandRunner abstracts process execution so tests can stub the bridge.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)

// execRunner is the real runner backed by os/exec.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return stdout.Bytes(), stderr.Bytes(), code, err
}

// AdbBridge manages the adb session and the device registry.
type AdbBridge struct {
	path    string
	timeout time.Duration
	run     commandRunner
	probe   probeFunc

	mu       sync.Mutex
	registry map[string]DeviceRecord

	scanMu sync.Mutex // serializes port scans
}

// NewAdbBridge locates the adb executable and returns a bridge. A bridge with
// no executable is still usable; all commands fail with ErrBridgeUnavailable.
func NewAdbBridge(cfg AdbConfig) *AdbBridge {
	path := findAdb(cfg.Path)
	if path == "" {
		log.Warn().Msg("adb executable not found, device features disabled")
	} else {
		log.Info().Str("path", path).Msg("adb located")
	}

	timeout := time.Duration(cfg.CommandTimeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	b := &AdbBridge{
		path:     path,
		timeout:  timeout,
		run:      execRunner,
		registry: make(map[string]DeviceRecord),
	}
	b.probe = b.probePort
	return b
}

// findAdb searches PATH first, then the usual SDK install locations.
func findAdb(override string) string {
	if override != "" {
		if info, err := os.Stat(override); err == nil && !info.IsDir() {
			return override
		}
		return ""
	}

	if path, err := exec.LookPath("adb"); err == nil {
		return path
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		"/usr/local/bin/adb",
		"/opt/homebrew/bin/adb",
		filepath.Join(home, "Android", "Sdk", "platform-tools", "adb"),
		filepath.Join(home, "Library", "Android", "sdk", "platform-tools", "adb"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Available reports whether the adb executable was located.
func (b *AdbBridge) Available() bool {
	return b.path != ""
}

// RunCommand is the single choke point for bridge execution. It enforces the
// timeout (the configured default when timeout is zero) and prefixes the
// device selector when deviceID is set.
func (b *AdbBridge) RunCommand(ctx context.Context, timeout time.Duration, deviceID string, args ...string) (CommandResult, error) {
	if b.path == "" {
		return CommandResult{}, fmt.Errorf("run %v: %w", args, ErrBridgeUnavailable)
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := args
	if deviceID != "" {
		full = append([]string{"-s", deviceID}, args...)
	}

	stdout, stderr, code, err := b.run(cctx, b.path, full...)
	if cctx.Err() == context.DeadlineExceeded {
		return CommandResult{}, fmt.Errorf("adb %s after %s: %w", strings.Join(args, " "), timeout, ErrBridgeTimeout)
	}
	if err != nil {
		return CommandResult{}, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}

	return CommandResult{ExitCode: code, Stdout: stdout, Stderr: string(stderr)}, nil
}

// Shell runs a device-side shell command.
func (b *AdbBridge) Shell(ctx context.Context, deviceID string, cmd ...string) (CommandResult, error) {
	return b.RunCommand(ctx, 0, deviceID, append([]string{"shell"}, cmd...)...)
}

// ListDevices enumerates devices, refreshes the registry, prunes records for
// devices no longer present, and returns snapshots.
//
// Enumeration output is one line per device: "<id>\t<statusToken>". Connected
// devices get a secondary batch of property queries; any of those failing
// degrades the field to "unknown" without failing the scan.
func (b *AdbBridge) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	res, err := b.RunCommand(ctx, 0, "", "devices")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]DeviceRecord)

	for _, line := range strings.Split(string(res.Stdout), "\n") {
		id, token, ok := parseDeviceLine(line)
		if !ok {
			continue
		}

		rec := DeviceRecord{
			ID:       id,
			Status:   statusFromToken(token),
			Kind:     kindFromID(id),
			LastSeen: now,
		}

		if rec.Status == DeviceConnected {
			b.describeDevice(ctx, &rec)
		} else {
			rec.Model = "unknown"
			rec.OSVersion = "unknown"
			rec.Architecture = "unknown"
			rec.Memory = "unknown"
			rec.DisplayName = shortID(id)
		}

		rec.StatusName = rec.Status.String()
		rec.KindName = rec.Kind.String()
		seen[id] = rec
	}

	b.mu.Lock()
	b.registry = seen
	out := make([]DeviceRecord, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Devices returns registry snapshots without re-enumerating.
func (b *AdbBridge) Devices() []DeviceRecord {
	b.mu.Lock()
	out := make([]DeviceRecord, 0, len(b.registry))
	for _, rec := range b.registry {
		out = append(out, rec)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device looks up one registry snapshot by id.
func (b *AdbBridge) Device(id string) (DeviceRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.registry[id]
	return rec, ok
}

// Connect issues an adb connect for a network-addressed device. USB devices
// connect implicitly via enumeration, so non-network ids are a no-op.
func (b *AdbBridge) Connect(ctx context.Context, idOrAddr string) error {
	if kindFromID(idOrAddr) != ConnectionNetwork {
		return nil
	}

	res, err := b.RunCommand(ctx, 0, "", "connect", idOrAddr)
	if err != nil {
		return err
	}

	out := strings.ToLower(string(res.Stdout))
	if !strings.Contains(out, "connected") {
		return fmt.Errorf("connect %s: %s", idOrAddr, strings.TrimSpace(string(res.Stdout)+res.Stderr))
	}
	return nil
}

// Disconnect drops a network-addressed device session.
func (b *AdbBridge) Disconnect(ctx context.Context, idOrAddr string) error {
	_, err := b.RunCommand(ctx, 0, "", "disconnect", idOrAddr)
	return err
}

// describeDevice runs the secondary property batch for a connected device.
// Each query fails soft: the field degrades to "unknown".
func (b *AdbBridge) describeDevice(ctx context.Context, rec *DeviceRecord) {
	rec.Model = b.getProp(ctx, rec.ID, "ro.product.model")
	rec.OSVersion = b.getProp(ctx, rec.ID, "ro.build.version.release")
	rec.Architecture = b.getProp(ctx, rec.ID, "ro.product.cpu.abi")
	rec.Resolution = b.displaySize(ctx, rec.ID)
	rec.Battery = b.batteryLevel(ctx, rec.ID)
	rec.Memory = b.memoryTotal(ctx, rec.ID)

	if rec.Model != "unknown" {
		rec.DisplayName = rec.Model
	} else {
		rec.DisplayName = shortID(rec.ID)
	}
}

func (b *AdbBridge) getProp(ctx context.Context, deviceID, prop string) string {
	res, err := b.Shell(ctx, deviceID, "getprop", prop)
	if err != nil || res.ExitCode != 0 {
		return "unknown"
	}
	val := strings.TrimSpace(string(res.Stdout))
	if val == "" {
		return "unknown"
	}
	return val
}

// displaySize parses "Physical size: 1080x1920" from wm size.
func (b *AdbBridge) displaySize(ctx context.Context, deviceID string) string {
	res, err := b.Shell(ctx, deviceID, "wm", "size")
	if err != nil || res.ExitCode != 0 {
		return "unknown"
	}
	out := string(res.Stdout)
	if idx := strings.Index(out, "Physical size:"); idx >= 0 {
		size := strings.TrimSpace(out[idx+len("Physical size:"):])
		if nl := strings.IndexByte(size, '\n'); nl >= 0 {
			size = strings.TrimSpace(size[:nl])
		}
		if strings.Contains(size, "x") {
			return size
		}
	}
	return "unknown"
}

// batteryLevel parses the "level:" line from dumpsys battery.
func (b *AdbBridge) batteryLevel(ctx context.Context, deviceID string) string {
	res, err := b.Shell(ctx, deviceID, "dumpsys", "battery")
	if err != nil || res.ExitCode != 0 {
		return "unknown"
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "level:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "level:")) + "%"
		}
	}
	return "unknown"
}

// memoryTotal parses the "MemTotal:" line from /proc/meminfo.
func (b *AdbBridge) memoryTotal(ctx context.Context, deviceID string) string {
	res, err := b.Shell(ctx, deviceID, "cat", "/proc/meminfo")
	if err != nil || res.ExitCode != 0 {
		return "unknown"
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "MemTotal:") {
			val := strings.TrimSpace(strings.TrimPrefix(line, "MemTotal:"))
			if val != "" {
				return val
			}
		}
	}
	return "unknown"
}

// parseDeviceLine splits one enumeration line into id and status token.
// Header and empty lines report ok=false.
func parseDeviceLine(line string) (id, token string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
		return "", "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// statusFromToken maps the raw enumeration token to a DeviceStatus.
func statusFromToken(token string) DeviceStatus {
	switch token {
	case "device":
		return DeviceConnected
	case "offline":
		return DeviceDisconnected
	case "unauthorized":
		return DeviceUnauthorized
	default:
		return DeviceErrored
	}
}

// kindFromID infers the connection kind from the id shape: "<a.b.c.d>:<port>"
// is a network device, anything mentioning emulator is an emulator, the rest
// is USB.
func kindFromID(id string) ConnectionKind {
	if strings.Contains(id, "emulator") {
		return ConnectionEmulator
	}
	if host, _, found := strings.Cut(id, ":"); found && strings.Count(host, ".") == 3 {
		return ConnectionNetwork
	}
	return ConnectionUSB
}

// shortID produces a display name for devices without a readable model.
func shortID(id string) string {
	if len(id) > 8 {
		return "Device " + id[:8]
	}
	return "Device " + id
}
