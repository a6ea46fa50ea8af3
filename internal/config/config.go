package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"photomark/internal/fonts"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath     = "PHOTOMARK_CONFIG"
	defaultConfigPath = "~/.config/photomark/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the watermark tool.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Fonts      Fonts      `json:"fonts"`
	Export     Export     `json:"export"`
	Preview    Preview    `json:"preview"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures storage locations.
type Paths struct {
	TemplatesDir  string `json:"templates_dir"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Fonts configures the font fallback chain.
type Fonts struct {
	Candidates []string `json:"candidates"`
	CacheSize  int      `json:"cache_size"`
}

// Export tunes the batch exporter.
type Export struct {
	JPEGQuality     int `json:"jpeg_quality"`
	Margin          int `json:"margin"`
	WatchDebounceMS int `json:"watch_debounce_ms"`
}

// WatchDebounce returns the hot-folder settle delay.
func (e Export) WatchDebounce() time.Duration {
	return time.Duration(e.WatchDebounceMS) * time.Millisecond
}

// Preview sets the default preview surface.
type Preview struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Server configures the local preview service.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := Path()
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	for _, p := range []*string{&cfg.Paths.TemplatesDir, &cfg.Paths.DefaultOutput, &cfg.Paths.DatabasePath, &cfg.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Export.JPEGQuality < 1 || c.Export.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("export.jpeg_quality must be within 1..100, got %d", c.Export.JPEGQuality))
	}
	if c.Export.Margin < 0 {
		errs = append(errs, fmt.Errorf("export.margin must be >= 0, got %d", c.Export.Margin))
	}
	if c.Preview.Width < 1 || c.Preview.Height < 1 {
		errs = append(errs, fmt.Errorf("preview size must be positive, got %dx%d", c.Preview.Width, c.Preview.Height))
	}
	if c.Paths.TemplatesDir == "" {
		errs = append(errs, errors.New("paths.templates_dir must be set"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := filepath.Join(userDir(), ".local", "share", "photomark")
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     filepath.Join(dataDir, "logs"),
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			TemplatesDir:  filepath.Join(dataDir, "templates"),
			DefaultOutput: "./watermarked",
			DatabasePath:  filepath.Join(dataDir, "photomark.db"),
		},
		Fonts: Fonts{
			Candidates: append([]string(nil), fonts.DefaultCandidates...),
			CacheSize:  16,
		},
		Export: Export{
			JPEGQuality:     95,
			Margin:          10,
			WatchDebounceMS: 500,
		},
		Preview: Preview{
			Width:  800,
			Height: 600,
		},
		Server: Server{
			Addr: "127.0.0.1:8765",
		},
	}
}

func userDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
