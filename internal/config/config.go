// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/multiplex"
	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds the configuration file.
const MaxFileSize = 1 << 20

// Config is the full service configuration.
type Config struct {
	BusName           string        `yaml:"bus_name"`
	ObjectPath        string        `yaml:"object_path"`
	DataDirs          []string      `yaml:"data_dirs"`
	HomeDir           string        `yaml:"home_dir"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	MetricsAddr       string        `yaml:"metrics_addr"`

	Services map[string]multiplex.Target `yaml:"services"`
}

// Default mirrors the stock installation: the V3 search provider name, a
// 12 second inactivity timeout and content under $XDG_DATA_DIRS/ekn/data.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BusName:           api.ServiceName,
		ObjectPath:        ObjectPathFor(api.ServiceName),
		DataDirs:          defaultDataDirs(),
		HomeDir:           home,
		InactivityTimeout: 12 * time.Second,
		QueryTimeout:      30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		Services:          multiplex.DefaultTargets(),
	}
}

// ObjectPathFor turns a bus name into its conventional object path.
func ObjectPathFor(name string) string {
	return "/" + strings.ReplaceAll(name, ".", "/")
}

func defaultDataDirs() []string {
	dirs := os.Getenv("XDG_DATA_DIRS")
	if dirs == "" {
		dirs = "/usr/local/share:/usr/share"
	}
	var out []string
	for _, d := range filepath.SplitList(dirs) {
		if d == "" {
			continue
		}
		out = append(out, filepath.Join(d, "ekn", "data"))
	}
	return out
}

// Load reads path on top of Default. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxFileSize {
		return cfg, fmt.Errorf("config %s exceeds %d bytes", path, MaxFileSize)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.BusName == "" {
		errs = append(errs, errors.New("bus_name is empty"))
	}
	if !validObjectPath(c.ObjectPath) {
		errs = append(errs, fmt.Errorf("object_path %q is not a valid object path", c.ObjectPath))
	}
	if len(c.DataDirs) == 0 {
		errs = append(errs, errors.New("data_dirs is empty"))
	}
	if c.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("inactivity_timeout must be positive"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func validObjectPath(p string) bool {
	if p == "/" {
		return true
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || path.Clean(p) != p {
		return false
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" {
			return false
		}
		for _, c := range seg {
			if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
				return false
			}
		}
	}
	return true
}
