// Package config carries the parsed command-line arguments, optional
// defaults file, and environment credentials for a load test run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	// FilePermissions is the default permission mode for regular files
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories
	DirPermissions = 0755
)

// Environment variables enabling authenticated playback. Both must be set.
const (
	EnvUser = "SHINYCANNON_USER"
	EnvPass = "SHINYCANNON_PASS"
)

// Args is the resolved configuration for one invocation.
type Args struct {
	RecordingPath         string  `json:"recordingPath" yaml:"recordingPath"`
	AppURL                string  `json:"appUrl" yaml:"appUrl"`
	Workers               int     `json:"workers" yaml:"workers"`
	LoadedDurationMinutes float64 `json:"loadedDurationMinutes" yaml:"loadedDurationMinutes"`
	OutputDir             string  `json:"outputDir" yaml:"outputDir"`
	OverwriteOutput       bool    `json:"overwriteOutput" yaml:"overwriteOutput"`
	DebugLog              bool    `json:"debugLog" yaml:"debugLog"`
	StartIntervalMs       int     `json:"startIntervalMs" yaml:"startIntervalMs"`
	LogLevel              string  `json:"logLevel" yaml:"logLevel"`
	MetricsAddr           string  `json:"metricsAddr" yaml:"metricsAddr"`
}

// Credentials is the optional (user, password) pair from the environment.
type Credentials struct {
	User     string
	Password string
}

// CredentialsFromEnv returns nil unless both variables are set.
func CredentialsFromEnv() *Credentials {
	user := os.Getenv(EnvUser)
	pass := os.Getenv(EnvPass)
	if user == "" || pass == "" {
		return nil
	}
	return &Credentials{User: user, Password: pass}
}

// Validate checks the arguments before any session starts.
func (a *Args) Validate() error {
	if a.RecordingPath == "" {
		return fmt.Errorf("recording path is required")
	}
	if _, err := os.Stat(a.RecordingPath); err != nil {
		return fmt.Errorf("recording not found: %w", err)
	}
	if a.AppURL == "" {
		return fmt.Errorf("app url is required")
	}
	if !strings.HasPrefix(a.AppURL, "http://") && !strings.HasPrefix(a.AppURL, "https://") {
		return fmt.Errorf("app url must be http or https: %s", a.AppURL)
	}
	if a.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if a.Workers > 10000 {
		return fmt.Errorf("workers cannot exceed 10000")
	}
	if a.LoadedDurationMinutes < 0 {
		return fmt.Errorf("loaded duration cannot be negative")
	}
	if a.StartIntervalMs < 0 {
		return fmt.Errorf("start interval cannot be negative")
	}
	if a.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

// JSONString serializes the arguments for the CSV header comment.
func (a *Args) JSONString() string {
	data, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LoadDefaults fills zero-valued fields of a from a YAML or JSON defaults
// file. JSON files may contain comments. Values already set (by explicit
// flags) win over file values.
func (a *Args) LoadDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var defaults Args
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(jsonc.ToJSON(data), &defaults); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}

	if a.Workers == 0 {
		a.Workers = defaults.Workers
	}
	if a.LoadedDurationMinutes == 0 {
		a.LoadedDurationMinutes = defaults.LoadedDurationMinutes
	}
	if a.OutputDir == "" {
		a.OutputDir = defaults.OutputDir
	}
	if a.StartIntervalMs == 0 {
		a.StartIntervalMs = defaults.StartIntervalMs
	}
	if a.LogLevel == "" {
		a.LogLevel = defaults.LogLevel
	}
	if a.MetricsAddr == "" {
		a.MetricsAddr = defaults.MetricsAddr
	}
	if !a.DebugLog {
		a.DebugLog = defaults.DebugLog
	}
	return nil
}
