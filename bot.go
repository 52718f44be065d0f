// Package main - bot.go
//
// Bot orchestration: the perceive-decide-act loop and the state machine that
// drives it. One loop goroutine runs per session; Start, Stop, Pause, and
// Resume are serialized by the orchestrator mutex and validated against the
// current state so stale commands fail loudly instead of racing.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BotState is the lifecycle state of the orchestrator.
type BotState int

const (
	BotStopped BotState = iota
	BotStarting
	BotRunning
	BotPaused
	BotStopping
	BotError
)

func (s BotState) String() string {
	switch s {
	case BotStopped:
		return "stopped"
	case BotStarting:
		return "starting"
	case BotRunning:
		return "running"
	case BotPaused:
		return "paused"
	case BotStopping:
		return "stopping"
	case BotError:
		return "error"
	default:
		return "unknown"
	}
}

// stopGrace is how long Stop waits for the loop to drain before forcing the
// session context closed.
const stopGrace = 10 * time.Second

// deviceActor performs screen capture and input on a device.
type deviceActor interface {
	Screenshot(ctx context.Context, deviceID string) ([]byte, error)
	Tap(ctx context.Context, deviceID string, x, y int) (bool, error)
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) (bool, error)
	LaunchApp(ctx context.Context, deviceID, pkg string) (bool, error)
}

// perceiver turns a frame into structured game state.
type perceiver interface {
	AnalyzeGrid(frame []byte, cfg GridConfig) GridAnalysis
	AnalyzeMana(frame []byte, cfg ManaConfig) ManaReading
}

// deviceLocator enumerates attached devices.
type deviceLocator interface {
	Available() bool
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
}

// BotStats accumulates per-process counters. GamesPlayed counts sessions.
type BotStats struct {
	GamesPlayed      int `json:"gamesPlayed"`
	ActionsPerformed int `json:"actionsPerformed"`
	UnitsPlaced      int `json:"unitsPlaced"`
	MergesPerformed  int `json:"mergesPerformed"`
	Errors           int `json:"errors"`
}

// RuntimeState is the externally visible orchestrator snapshot.
type RuntimeState struct {
	State      string     `json:"state"`
	DeviceID   string     `json:"deviceId,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	ErrorCount int        `json:"errorCount"`
	LastAction string     `json:"lastAction,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	Stats      BotStats   `json:"stats"`
}

// OpResult is the outcome of a control command.
type OpResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// gate is a reusable open/closed latch. Wait blocks while the gate is
// cleared and returns false if stop fires first.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		close(g.ch)
	}
	return g
}

func (g *gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) Wait(stop <-chan struct{}) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-stop:
		return false
	}
}

// Orchestrator owns the bot lifecycle.
type Orchestrator struct {
	cfg     *ConfigManager
	locator deviceLocator
	actor   deviceActor
	vision  perceiver
	bus     *EventBus

	mu         sync.Mutex
	state      BotState
	deviceID   string
	startedAt  time.Time
	errorCount int
	lastAction string
	lastError  string
	stats      BotStats
	restarting bool

	runGate *gate
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	rng *rand.Rand
}

// NewOrchestrator wires the orchestrator. It starts in the stopped state.
func NewOrchestrator(cfg *ConfigManager, locator deviceLocator, actor deviceActor, vision perceiver, bus *EventBus) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		locator: locator,
		actor:   actor,
		vision:  vision,
		bus:     bus,
		state:   BotStopped,
		runGate: newGate(true),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() BotState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() RuntimeState {
	o.mu.Lock()
	defer o.mu.Unlock()

	rs := RuntimeState{
		State:      o.state.String(),
		DeviceID:   o.deviceID,
		ErrorCount: o.errorCount,
		LastAction: o.lastAction,
		LastError:  o.lastError,
		Stats:      o.stats,
	}
	if !o.startedAt.IsZero() && (o.state == BotRunning || o.state == BotPaused || o.state == BotStarting) {
		t := o.startedAt
		rs.StartedAt = &t
	}
	return rs
}

// Stats returns the accumulated counters.
func (o *Orchestrator) Stats() BotStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) setStateLocked(s BotState) {
	if o.state == s {
		return
	}
	from := o.state
	o.state = s
	log.Info().Stringer("from", from).Stringer("to", s).Msg("bot state changed")
	o.bus.Emit(EventStatusChanged, map[string]any{
		"from": from.String(),
		"to":   s.String(),
	})
}

// Start begins a session. Valid only from the stopped or error state. The
// device is resolved from the explicit argument, then the configured
// preference, then the first connected device.
//
// The mutex is released while the device resolves and the app launches; those
// are real bridge calls and the control surface must stay responsive under a
// slow adb. No other transition accepts the Starting state, so nothing can
// race the in-flight start.
func (o *Orchestrator) Start(deviceID string) OpResult {
	o.mu.Lock()
	if o.state != BotStopped && o.state != BotError {
		state := o.state
		o.mu.Unlock()
		return OpResult{Message: fmt.Sprintf("cannot start from state %q", state)}
	}
	o.setStateLocked(BotStarting)
	o.errorCount = 0
	o.lastError = ""
	o.mu.Unlock()

	cfg := o.cfg.Bot()
	target := deviceID
	if target == "" {
		target = cfg.PreferredDevice
	}

	ctx, cancelResolve := context.WithTimeout(context.Background(), 15*time.Second)
	resolved, err := o.resolveDevice(ctx, target)
	cancelResolve()
	if err != nil {
		o.mu.Lock()
		o.lastError = err.Error()
		o.setStateLocked(BotError)
		o.mu.Unlock()
		o.bus.Emit(EventErrorOccurred, map[string]any{"error": err.Error()})
		return OpResult{Message: err.Error()}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if cfg.AppPackage != "" {
		if ok, err := o.actor.LaunchApp(loopCtx, resolved, cfg.AppPackage); err != nil || !ok {
			log.Warn().Str("package", cfg.AppPackage).Err(err).Msg("app launch not confirmed")
		}
	}

	o.mu.Lock()
	if o.state != BotStarting {
		state := o.state
		o.mu.Unlock()
		cancel()
		return OpResult{Message: fmt.Sprintf("start interrupted, now %q", state)}
	}
	o.deviceID = resolved
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	o.cancel = cancel
	o.runGate.Set()
	o.startedAt = time.Now()
	o.stats.GamesPlayed++
	o.setStateLocked(BotRunning)
	o.bus.Emit(EventBotStarted, map[string]any{"deviceId": resolved})

	go o.loop(loopCtx, resolved, o.stopCh, o.done)
	o.mu.Unlock()

	log.Info().Str("device", resolved).Msg("bot session started")
	return OpResult{OK: true, Message: "started on " + resolved}
}

// resolveDevice picks the session device.
func (o *Orchestrator) resolveDevice(ctx context.Context, preferred string) (string, error) {
	if !o.locator.Available() {
		return "", ErrBridgeUnavailable
	}
	devices, err := o.locator.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}

	if preferred != "" {
		for _, d := range devices {
			if d.ID == preferred && d.Status == DeviceConnected {
				return d.ID, nil
			}
		}
		return "", fmt.Errorf("device %q not connected: %w", preferred, ErrDeviceUnreachable)
	}
	for _, d := range devices {
		if d.Status == DeviceConnected {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("no connected devices: %w", ErrDeviceUnreachable)
}

// Stop ends the session. Valid from running or paused. The loop gets a grace
// period to finish its cycle before the session context is cancelled.
func (o *Orchestrator) Stop() OpResult {
	o.mu.Lock()
	if o.state != BotRunning && o.state != BotPaused {
		state := o.state
		o.mu.Unlock()
		return OpResult{Message: fmt.Sprintf("cannot stop from state %q", state)}
	}
	o.setStateLocked(BotStopping)

	close(o.stopCh)
	o.runGate.Set() // release a paused loop so it can observe the stop
	done := o.done
	cancel := o.cancel
	o.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGrace):
		log.Warn().Msg("loop did not drain in time, forcing cancellation")
		cancel()
		<-done
	}
	cancel()

	o.mu.Lock()
	o.setStateLocked(BotStopped)
	o.bus.Emit(EventBotStopped, map[string]any{"deviceId": o.deviceID})
	o.mu.Unlock()

	log.Info().Msg("bot session stopped")
	return OpResult{OK: true, Message: "stopped"}
}

// Pause suspends the loop between cycles. Valid only while running.
func (o *Orchestrator) Pause() OpResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != BotRunning {
		return OpResult{Message: fmt.Sprintf("cannot pause from state %q", o.state)}
	}
	o.runGate.Clear()
	o.setStateLocked(BotPaused)
	o.bus.Emit(EventBotPaused, nil)
	return OpResult{OK: true, Message: "paused"}
}

// Resume releases a paused loop. Valid only while paused.
func (o *Orchestrator) Resume() OpResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != BotPaused {
		return OpResult{Message: fmt.Sprintf("cannot resume from state %q", o.state)}
	}
	o.runGate.Set()
	o.setStateLocked(BotRunning)
	o.bus.Emit(EventBotResumed, nil)
	return OpResult{OK: true, Message: "resumed"}
}

// TogglePause flips between running and paused.
func (o *Orchestrator) TogglePause() OpResult {
	switch o.State() {
	case BotRunning:
		return o.Pause()
	case BotPaused:
		return o.Resume()
	default:
		return OpResult{Message: fmt.Sprintf("cannot toggle from state %q", o.State())}
	}
}

// loop runs perception cycles until stopped.
func (o *Orchestrator) loop(ctx context.Context, deviceID string, stopCh, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !o.runGate.Wait(stopCh) {
			return
		}

		cfg := o.cfg.Bot()
		o.cycle(ctx, deviceID, cfg)

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(cfg.CycleIntervalDuration()):
		}
	}
}

// cycle runs one perceive-decide-act pass.
func (o *Orchestrator) cycle(ctx context.Context, deviceID string, cfg BotConfig) {
	frame, err := o.actor.Screenshot(ctx, deviceID)
	if err != nil {
		o.recordLoopError(fmt.Errorf("screenshot: %w", err))
		return
	}

	grid := o.vision.AnalyzeGrid(frame, cfg.Grid)
	mana := o.vision.AnalyzeMana(frame, cfg.Mana)

	log.Debug().Int("occupied", grid.OccupiedCells).Int("empty", grid.EmptyCells).
		Int("mana", mana.Current).Msg("cycle perception")

	acted := false

	if cfg.AutoUpgrade && mana.Current >= cfg.MinUnitCost && grid.EmptyCells > 0 {
		if o.placeUnit(ctx, deviceID, grid) {
			acted = true
		}
	}

	if cfg.AutoMerge {
		pairs := MergeablePairs(grid, cfg.VisionConfidenceThreshold)
		if len(pairs) > 0 {
			if acted {
				o.pause(ctx, cfg.ActionDelayDuration())
			}
			if o.mergeUnits(ctx, deviceID, pairs[0]) {
				acted = true
			}
		}
	}

	if acted {
		o.mu.Lock()
		o.errorCount = 0
		o.mu.Unlock()
	}
}

// placeUnit taps a random empty cell, which spends mana to summon.
func (o *Orchestrator) placeUnit(ctx context.Context, deviceID string, grid GridAnalysis) bool {
	empty := make([]GridCell, 0, grid.EmptyCells)
	for _, c := range grid.Cells {
		if !c.Occupied {
			empty = append(empty, c)
		}
	}
	if len(empty) == 0 {
		return false
	}

	o.mu.Lock()
	cell := empty[o.rng.Intn(len(empty))]
	o.mu.Unlock()

	x, y := cell.Center()
	ok, err := o.actor.Tap(ctx, deviceID, x, y)
	if err != nil {
		o.recordLoopError(fmt.Errorf("place unit: %w", err))
		return false
	}
	if !ok {
		log.Debug().Int("row", cell.Row).Int("col", cell.Col).Msg("placement tap not delivered")
		return false
	}

	o.mu.Lock()
	o.stats.UnitsPlaced++
	o.stats.ActionsPerformed++
	o.lastAction = fmt.Sprintf("place at (%d,%d)", cell.Row, cell.Col)
	o.mu.Unlock()
	return true
}

// mergeUnits drags one mergeable cell onto its partner.
func (o *Orchestrator) mergeUnits(ctx context.Context, deviceID string, pair MergePair) bool {
	fx, fy := pair.From.Center()
	tx, ty := pair.To.Center()

	ok, err := o.actor.Swipe(ctx, deviceID, fx, fy, tx, ty, 300)
	if err != nil {
		o.recordLoopError(fmt.Errorf("merge: %w", err))
		return false
	}
	if !ok {
		log.Debug().Str("unit", pair.From.UnitLabel).Msg("merge swipe not delivered")
		return false
	}

	o.mu.Lock()
	o.stats.MergesPerformed++
	o.stats.ActionsPerformed++
	o.lastAction = fmt.Sprintf("merge %s (%d,%d)->(%d,%d)",
		pair.From.UnitLabel, pair.From.Row, pair.From.Col, pair.To.Row, pair.To.Col)
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// recordLoopError counts a cycle failure and, once the threshold is crossed
// with restart enabled, schedules exactly one stop-then-start.
func (o *Orchestrator) recordLoopError(err error) {
	cfg := o.cfg.Bot()

	o.mu.Lock()
	o.errorCount++
	o.stats.Errors++
	o.lastError = err.Error()
	count := o.errorCount
	deviceID := o.deviceID
	shouldRestart := count >= cfg.MaxErrors && cfg.RestartOnError && !o.restarting
	if shouldRestart {
		o.restarting = true
	}
	o.mu.Unlock()

	if errors.Is(err, ErrBridgeUnavailable) {
		log.Error().Err(err).Msg("cycle failed, bridge unavailable")
	} else {
		log.Warn().Err(err).Int("errorCount", count).Msg("cycle failed")
	}
	o.bus.Emit(EventErrorOccurred, map[string]any{
		"error":      err.Error(),
		"errorCount": count,
	})

	if shouldRestart {
		log.Warn().Int("errors", count).Msg("error threshold reached, restarting session")
		go func() {
			o.Stop()
			res := o.Start(deviceID)
			o.mu.Lock()
			o.restarting = false
			o.mu.Unlock()
			if !res.OK {
				log.Error().Str("reason", res.Message).Msg("automatic restart failed")
			}
		}()
	}
}
