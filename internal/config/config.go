// Package config loads and validates the settings shared by the
// camsync master and slave daemons.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the capture synchronization
// protocol, plus the ambient server/logging/storage settings.
type Config struct {
	Port                int `json:"Port" yaml:"Port"`
	ReadTimeoutSeconds  int `json:"ReadTimeout" yaml:"ReadTimeout"`
	WriteTimeoutSeconds int `json:"WriteTimeout" yaml:"WriteTimeout"`
	MaxHeaderBytes      int `json:"MaxHeaderBytes" yaml:"MaxHeaderBytes"`

	CaptureDir    string `json:"CaptureDir" yaml:"CaptureDir"`
	HistoryFolder string `json:"HistoryFolder" yaml:"HistoryFolder"`
	LogFolder     string `json:"LogFolder" yaml:"LogFolder"`
	Debug         bool   `json:"Debug" yaml:"Debug"`

	// SlaveHTTPURL is the base URL of the slave's HTTP capture-prepare
	// endpoint. Only read by the master.
	SlaveHTTPURL string `json:"SlaveHTTPURL" yaml:"SlaveHTTPURL"`
	// SlaveUDPAddr is host:port of the slave's UDP sync server. Only
	// read by the master.
	SlaveUDPAddr string `json:"SlaveUDPAddr" yaml:"SlaveUDPAddr"`

	// ProbePort is the UDP port the slave's sync server listens on.
	// The master does not read it; it connects to SlaveUDPAddr as
	// given.
	ProbePort      int `json:"ProbePort" yaml:"ProbePort"`
	ProbePingCount int `json:"ProbePingCount" yaml:"ProbePingCount"`

	DropFrames int `json:"DropFrames" yaml:"DropFrames"`

	SafetyMarginUs int `json:"SafetyMarginUs" yaml:"SafetyMarginUs"`

	SlavePrepareSettleMs int `json:"SlavePrepareSettleMs" yaml:"SlavePrepareSettleMs"`
	SlaveReadyTimeoutMs  int `json:"SlaveReadyTimeoutMs" yaml:"SlaveReadyTimeoutMs"`
	SlaveReadyPollMs     int `json:"SlaveReadyPollMs" yaml:"SlaveReadyPollMs"`

	StartRetries      int `json:"StartRetries" yaml:"StartRetries"`
	StartRetryDelayMs int `json:"StartRetryDelayMs" yaml:"StartRetryDelayMs"`

	AllowSlaveMissing bool `json:"AllowSlaveMissing" yaml:"AllowSlaveMissing"`

	// LedgerDriver selects the gorm backend for the capture audit
	// ledger: "sqlite" (default), "mysql" or "postgres".
	LedgerDriver string `json:"LedgerDriver" yaml:"LedgerDriver"`
	LedgerDSN    string `json:"LedgerDSN" yaml:"LedgerDSN"`

	// PowerCyclePin names the GPIO pin wired to the sensor's PWDN
	// line, resolved via periph.io's gpioreg. Empty disables the
	// power-cycle step (used in tests and on boards without a wired
	// PWDN pin).
	PowerCyclePin string `json:"PowerCyclePin" yaml:"PowerCyclePin"`
}

// Check validates the config and fills in defaults. The directory of
// configPath roots the default folder settings; folders that are set
// explicitly are used as given.
func (c *Config) Check(configPath string) error {
	if c.Port < 1024 || c.Port > 65535 {
		c.Port = 8080
	}
	if c.ReadTimeoutSeconds < 1 {
		c.ReadTimeoutSeconds = 5
	}
	if c.WriteTimeoutSeconds < 1 {
		c.WriteTimeoutSeconds = 7
	}
	if c.MaxHeaderBytes < 4096 {
		c.MaxHeaderBytes = 1 << 20
	}
	configDir := filepath.Dir(configPath)
	if c.CaptureDir == "" {
		c.CaptureDir = filepath.Join(configDir, "captures")
	}
	if c.HistoryFolder == "" {
		c.HistoryFolder = filepath.Join(configDir, "history")
	}
	if c.LogFolder == "" {
		c.LogFolder = filepath.Join(configDir, "logs")
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		c.ProbePort = 65
	}
	if c.ProbePingCount < 1 {
		c.ProbePingCount = 4
	}
	if c.DropFrames < 0 {
		c.DropFrames = 5
	}
	if c.SafetyMarginUs < 0 {
		return errors.New("safetyMarginUs must not be negative")
	}
	if c.SafetyMarginUs == 0 {
		c.SafetyMarginUs = 1000
	}
	if c.SlavePrepareSettleMs < 1 {
		c.SlavePrepareSettleMs = 3000
	}
	if c.SlaveReadyTimeoutMs < 1 {
		c.SlaveReadyTimeoutMs = 5000
	}
	if c.SlaveReadyPollMs < 1 {
		c.SlaveReadyPollMs = 100
	}
	if c.StartRetries < 1 {
		c.StartRetries = 3
	}
	if c.StartRetryDelayMs < 1 {
		c.StartRetryDelayMs = 200
	}
	if c.LedgerDriver == "" {
		c.LedgerDriver = "sqlite"
	}
	if c.LedgerDSN == "" && c.LedgerDriver == "sqlite" {
		c.LedgerDSN = filepath.Join(configDir, "ledger.sqlite")
	}
	return nil
}

// Load reads a JSON or YAML config file (sniffed from the extension)
// and validates it.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Check(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}
