// Package main - config.go
//
// YAML-backed configuration for the bot.
// A single Config value is loaded at startup; runtime updates go through
// ConfigManager.UpdateBot, which validates the delta and atomically replaces
// the bot section. An invalid delta is rejected and the prior config kept.
package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a config file or update delta fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// GridConfig defines the fixed playfield geometry. Immutable after load;
// grid analysis always produces exactly Rows*Cols cells.
type GridConfig struct {
	Rows       int `yaml:"rows" json:"rows"`
	Cols       int `yaml:"cols" json:"cols"`
	CellWidth  int `yaml:"cellWidth" json:"cellWidth"`
	CellHeight int `yaml:"cellHeight" json:"cellHeight"`
	OriginX    int `yaml:"originX" json:"originX"`
	OriginY    int `yaml:"originY" json:"originY"`
	Spacing    int `yaml:"spacing" json:"spacing"`
}

// ManaConfig defines the mana bar screen region and the HSV range that
// counts as "filled". Hue uses the OpenCV 0-179 scale.
type ManaConfig struct {
	X       int `yaml:"x" json:"x"`
	Y       int `yaml:"y" json:"y"`
	Width   int `yaml:"width" json:"width"`
	Height  int `yaml:"height" json:"height"`
	MinH    int `yaml:"minH" json:"minH"`
	MaxH    int `yaml:"maxH" json:"maxH"`
	MinS    int `yaml:"minS" json:"minS"`
	MaxS    int `yaml:"maxS" json:"maxS"`
	MinV    int `yaml:"minV" json:"minV"`
	MaxV    int `yaml:"maxV" json:"maxV"`
	MaxMana int `yaml:"maxMana" json:"maxMana"`
}

// BotConfig holds the runtime tunables of the orchestrator.
type BotConfig struct {
	AutoStart                 bool    `yaml:"autoStart" json:"autoStart"`
	AutoMerge                 bool    `yaml:"autoMerge" json:"autoMerge"`
	AutoUpgrade               bool    `yaml:"autoUpgrade" json:"autoUpgrade"`
	CycleInterval             float64 `yaml:"cycleInterval" json:"cycleInterval"` // seconds
	ActionDelay               float64 `yaml:"actionDelay" json:"actionDelay"`     // seconds
	MaxErrors                 int     `yaml:"maxErrors" json:"maxErrors"`
	RestartOnError            bool    `yaml:"restartOnError" json:"restartOnError"`
	PreferredDevice           string  `yaml:"preferredDevice" json:"preferredDevice"`
	VisionConfidenceThreshold float64 `yaml:"visionConfidenceThreshold" json:"visionConfidenceThreshold"`
	MinUnitCost               int     `yaml:"minUnitCost" json:"minUnitCost"`
	AppPackage                string  `yaml:"appPackage" json:"appPackage"`

	Grid GridConfig `yaml:"grid" json:"grid"`
	Mana ManaConfig `yaml:"mana" json:"mana"`
}

// BotConfigDelta is a partial update to BotConfig. Nil fields are left
// untouched; an empty delta is a validated no-op.
type BotConfigDelta struct {
	AutoStart                 *bool       `json:"autoStart,omitempty"`
	AutoMerge                 *bool       `json:"autoMerge,omitempty"`
	AutoUpgrade               *bool       `json:"autoUpgrade,omitempty"`
	CycleInterval             *float64    `json:"cycleInterval,omitempty"`
	ActionDelay               *float64    `json:"actionDelay,omitempty"`
	MaxErrors                 *int        `json:"maxErrors,omitempty"`
	RestartOnError            *bool       `json:"restartOnError,omitempty"`
	PreferredDevice           *string     `json:"preferredDevice,omitempty"`
	VisionConfidenceThreshold *float64    `json:"visionConfidenceThreshold,omitempty"`
	MinUnitCost               *int        `json:"minUnitCost,omitempty"`
	AppPackage                *string     `json:"appPackage,omitempty"`
	Grid                      *GridConfig `json:"grid,omitempty"`
	Mana                      *ManaConfig `json:"mana,omitempty"`
}

// AdbConfig configures bridge discovery and command execution.
type AdbConfig struct {
	Path           string  `yaml:"path"`           // empty: search PATH and common SDK locations
	CommandTimeout float64 `yaml:"commandTimeout"` // seconds, per adb invocation
	ScanStartPort  int     `yaml:"scanStartPort"`
	ScanEndPort    int     `yaml:"scanEndPort"`
	ScanWorkers    int     `yaml:"scanWorkers"`
}

// VisionConfig points at the perception assets on disk.
type VisionConfig struct {
	UnitsDir     string `yaml:"unitsDir"`
	TemplatesDir string `yaml:"templatesDir"`
	ModelPath    string `yaml:"modelPath"`
}

// ServerConfig configures the HTTP/WebSocket command surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogSize int    `yaml:"logSize"` // entries kept for get_logs
}

// Config is the root configuration document.
type Config struct {
	Bot     BotConfig     `yaml:"bot"`
	Adb     AdbConfig     `yaml:"adb"`
	Vision  VisionConfig  `yaml:"vision"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Bot: BotConfig{
			AutoStart:                 false,
			AutoMerge:                 true,
			AutoUpgrade:               true,
			CycleInterval:             1.0,
			ActionDelay:               0.5,
			MaxErrors:                 3,
			RestartOnError:            true,
			VisionConfidenceThreshold: 0.5,
			MinUnitCost:               3,
			AppPackage:                "com.my.defense",
			Grid: GridConfig{
				Rows:       4,
				Cols:       4,
				CellWidth:  80,
				CellHeight: 80,
				OriginX:    100,
				OriginY:    200,
				Spacing:    10,
			},
			Mana: ManaConfig{
				X: 50, Y: 50, Width: 200, Height: 30,
				MinH: 100, MaxH: 120,
				MinS: 150, MaxS: 255,
				MinV: 200, MaxV: 255,
				MaxMana: 10,
			},
		},
		Adb: AdbConfig{
			CommandTimeout: 10.0,
			ScanStartPort:  5555,
			ScanEndPort:    5585,
			ScanWorkers:    10,
		},
		Vision: VisionConfig{
			UnitsDir:     "assets/units",
			TemplatesDir: "assets/templates",
			ModelPath:    "assets/rank_model.json",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogSize: 1000,
		},
	}
}

// Validate checks bot-level invariants. Called on load and on every update.
func (c BotConfig) Validate() error {
	if c.CycleInterval <= 0 {
		return fmt.Errorf("%w: cycleInterval must be positive", ErrInvalidConfig)
	}
	if c.ActionDelay < 0 {
		return fmt.Errorf("%w: actionDelay must not be negative", ErrInvalidConfig)
	}
	if c.MaxErrors < 1 {
		return fmt.Errorf("%w: maxErrors must be at least 1", ErrInvalidConfig)
	}
	if c.VisionConfidenceThreshold < 0 || c.VisionConfidenceThreshold > 1 {
		return fmt.Errorf("%w: visionConfidenceThreshold must be in [0,1]", ErrInvalidConfig)
	}
	if c.Grid.Rows < 1 || c.Grid.Cols < 1 {
		return fmt.Errorf("%w: grid must have at least one row and column", ErrInvalidConfig)
	}
	if c.Grid.CellWidth < 1 || c.Grid.CellHeight < 1 {
		return fmt.Errorf("%w: grid cells must have positive size", ErrInvalidConfig)
	}
	if c.Mana.MaxMana < 1 {
		return fmt.Errorf("%w: maxMana must be at least 1", ErrInvalidConfig)
	}
	if c.Mana.Width < 1 || c.Mana.Height < 1 {
		return fmt.Errorf("%w: mana region must have positive size", ErrInvalidConfig)
	}
	return nil
}

// CycleIntervalDuration converts the configured interval to a time.Duration.
func (c BotConfig) CycleIntervalDuration() time.Duration {
	return time.Duration(c.CycleInterval * float64(time.Second))
}

// ActionDelayDuration converts the configured action delay to a time.Duration.
func (c BotConfig) ActionDelayDuration() time.Duration {
	return time.Duration(c.ActionDelay * float64(time.Second))
}

// ConfigManager owns the process-wide Config value. Reads hand out copies;
// updates validate first and replace the value atomically.
type ConfigManager struct {
	mu  sync.RWMutex
	cfg Config
}

// LoadConfig reads a YAML config file, falling back to defaults when path is
// empty or the file does not exist.
func LoadConfig(path string) (*ConfigManager, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// missing file: run on defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.Bot.Validate(); err != nil {
		return nil, err
	}

	return &ConfigManager{cfg: cfg}, nil
}

// Snapshot returns a copy of the full configuration.
func (m *ConfigManager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Bot returns a copy of the bot section.
func (m *ConfigManager) Bot() BotConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Bot
}

// UpdateBot applies a partial update to the bot section. The candidate is
// validated before the swap; on failure the prior config is retained and the
// error wraps ErrInvalidConfig.
func (m *ConfigManager) UpdateBot(delta BotConfigDelta) (BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg.Bot
	delta.apply(&next)

	if err := next.Validate(); err != nil {
		return m.cfg.Bot, err
	}

	m.cfg.Bot = next
	return next, nil
}

func (d BotConfigDelta) apply(c *BotConfig) {
	if d.AutoStart != nil {
		c.AutoStart = *d.AutoStart
	}
	if d.AutoMerge != nil {
		c.AutoMerge = *d.AutoMerge
	}
	if d.AutoUpgrade != nil {
		c.AutoUpgrade = *d.AutoUpgrade
	}
	if d.CycleInterval != nil {
		c.CycleInterval = *d.CycleInterval
	}
	if d.ActionDelay != nil {
		c.ActionDelay = *d.ActionDelay
	}
	if d.MaxErrors != nil {
		c.MaxErrors = *d.MaxErrors
	}
	if d.RestartOnError != nil {
		c.RestartOnError = *d.RestartOnError
	}
	if d.PreferredDevice != nil {
		c.PreferredDevice = *d.PreferredDevice
	}
	if d.VisionConfidenceThreshold != nil {
		c.VisionConfidenceThreshold = *d.VisionConfidenceThreshold
	}
	if d.MinUnitCost != nil {
		c.MinUnitCost = *d.MinUnitCost
	}
	if d.AppPackage != nil {
		c.AppPackage = *d.AppPackage
	}
	if d.Grid != nil {
		c.Grid = *d.Grid
	}
	if d.Mana != nil {
		c.Mana = *d.Mana
	}
}
