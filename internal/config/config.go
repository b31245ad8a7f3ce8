// Package config assembles manager configuration from defaults, an
// optional YAML file, environment variables and finally CLI flags
// (highest precedence), mirroring the layering warren's cmd/warren
// applies for its global flags over environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables holds the runtime-settable knobs listed in spec.md sec 6.
type Tunables struct {
	ResourceSubmitMultiplier  float64       `yaml:"resource-submit-multiplier"`
	MinTransferTimeout        time.Duration `yaml:"min-transfer-timeout"`
	DefaultTransferRate       int64         `yaml:"default-transfer-rate"` // bytes/sec
	TransferOutlierFactor     float64       `yaml:"transfer-outlier-factor"`
	FastAbortMultiplier       float64       `yaml:"fast-abort-multiplier"`
	KeepaliveInterval         time.Duration `yaml:"keepalive-interval"`
	KeepaliveTimeout          time.Duration `yaml:"keepalive-timeout"`
	ShortTimeout              time.Duration `yaml:"short-timeout"`
	LongTimeout               time.Duration `yaml:"long-timeout"`
	CategorySteadyNTasks      int           `yaml:"category-steady-n-tasks"`
	HungryMinimum             int           `yaml:"hungry-minimum"`
	WaitForWorkers            int           `yaml:"wait-for-workers"`
	WaitRetrieveMany          bool          `yaml:"wait-retrieve-many"`
	ForceProportionalResources bool         `yaml:"force-proportional-resources"`
}

// DefaultTunables matches the constants spec.md calls out (short
// timeout 5s, long timeout 3600s, minimum transfer timeout floor 60s).
func DefaultTunables() Tunables {
	return Tunables{
		ResourceSubmitMultiplier:   1.0,
		MinTransferTimeout:         60 * time.Second,
		DefaultTransferRate:        1 << 20, // 1 MB/s until measured
		TransferOutlierFactor:      10,
		FastAbortMultiplier:        -1, // use category default
		KeepaliveInterval:          120 * time.Second,
		KeepaliveTimeout:           900 * time.Second,
		ShortTimeout:               5 * time.Second,
		LongTimeout:                3600 * time.Second,
		CategorySteadyNTasks:       10,
		HungryMinimum:              0,
		WaitForWorkers:             0,
		WaitRetrieveMany:           false,
		ForceProportionalResources: false,
	}
}

// Config is the manager's full configuration.
type Config struct {
	ListenAddr string `yaml:"listen-addr"`
	Name       string `yaml:"name"` // DS_NAME, advertised project name
	Password   string `yaml:"password"`
	TLSCert    string `yaml:"tls-cert"`
	TLSKey     string `yaml:"tls-key"`
	DataDir    string `yaml:"data-dir"`

	CatalogHost string `yaml:"catalog-host"`
	CatalogPort int    `yaml:"catalog-port"`

	Tunables Tunables `yaml:"tunables"`
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		ListenAddr: ":0",
		DataDir:    "./dswarm-data",
		Tunables:   DefaultTunables(),
	}
}

// LoadFile merges a YAML config file over the receiver's current
// values. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the DS_PORT, DS_NAME, CATALOG_HOST, CATALOG_PORT
// and DS_BANDWIDTH environment variables. DS_LOW_PORT and DS_HIGH_PORT
// are not read.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DS_PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	if v := os.Getenv("DS_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CATALOG_HOST"); v != "" {
		c.CatalogHost = v
	}
	if v := os.Getenv("CATALOG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.CatalogPort = p
		}
	}
	if v := os.Getenv("DS_BANDWIDTH"); v != "" {
		if rate, err := parseBandwidth(v); err == nil {
			c.Tunables.DefaultTransferRate = rate
		}
	}
}

// parseBandwidth parses strings like "10MB", "512KB", "1GB" into a
// bytes/sec rate.
func parseBandwidth(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty bandwidth string")
	}
	unit := int64(1)
	numEnd := len(s)
	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		unit = 1 << 10
		numEnd = len(s) - 2
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		unit = 1 << 20
		numEnd = len(s) - 2
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		unit = 1 << 30
		numEnd = len(s) - 2
	}
	n, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return int64(n * float64(unit)), nil
}
