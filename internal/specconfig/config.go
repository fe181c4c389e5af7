// Package specconfig defines the in-memory "already merged" configuration
// view the core consumes from its config-discovery collaborator (spec.md
// §6), plus a reference loader used by the standalone binary and tests.
package specconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// CronRetrigger is the policy deciding whether a cron fire actually runs
// given the previous run's state (spec.md §4.6, GLOSSARY).
type CronRetrigger string

const (
	RetriggerFinish  CronRetrigger = "finish"
	RetriggerAlways  CronRetrigger = "always"
	RetriggerSuccess CronRetrigger = "success"
	RetriggerFail    CronRetrigger = "fail"
)

// CronConfig bundles the cron schedule with its retrigger policy.
type CronConfig struct {
	Schedule  string        `toml:"schedule" yaml:"schedule"`
	Retrigger CronRetrigger `toml:"retrigger" yaml:"retrigger"`
}

// RetryConfig captures retry_policy.max with the "true = unbounded" escape
// hatch from spec.md §3.
type RetryConfig struct {
	Max       uint32 `toml:"max" yaml:"max"`
	Unbounded bool   `toml:"unbounded" yaml:"unbounded"`
}

// Count returns the effective retry budget: a very large number standing
// in for "unbounded" so callers can do ordinary arithmetic without a
// special case at every comparison site.
func (r RetryConfig) Count() uint32 {
	if r.Unbounded {
		return ^uint32(0)
	}
	return r.Max
}

// DaemonConfig is one daemon's merged configuration entry.
type DaemonConfig struct {
	Run           string            `toml:"run" yaml:"run"`
	Dir           string            `toml:"dir" yaml:"dir"`
	ConfigPath    string            `toml:"-" yaml:"-"`
	Env           map[string]string `toml:"env" yaml:"env"`
	Retry         RetryConfig       `toml:"retry" yaml:"retry"`
	ReadyDelay    *uint64           `toml:"ready_delay" yaml:"ready_delay"`
	ReadyOutput   string            `toml:"ready_output" yaml:"ready_output"`
	ReadyHTTP     string            `toml:"ready_http" yaml:"ready_http"`
	ReadyPort     *uint16           `toml:"ready_port" yaml:"ready_port"`
	ReadyCmd      string            `toml:"ready_cmd" yaml:"ready_cmd"`
	AutoStart     bool              `toml:"auto_start" yaml:"auto_start"`
	AutoStop      bool              `toml:"auto_stop" yaml:"auto_stop"`
	BootStart     bool              `toml:"boot_start" yaml:"boot_start"`
	Depends       []string          `toml:"depends" yaml:"depends"`
	Watch         []string          `toml:"watch" yaml:"watch"`
	Cron          *CronConfig       `toml:"cron" yaml:"cron"`
	OnReady       string            `toml:"on_ready" yaml:"on_ready"`
	OnFail        string            `toml:"on_fail" yaml:"on_fail"`
	OnRetry       string            `toml:"on_retry" yaml:"on_retry"`
	OnCronTrigger string            `toml:"on_cron_trigger" yaml:"on_cron_trigger"`
	Port          []uint16          `toml:"port" yaml:"port"`
	AutoBumpPort  bool              `toml:"auto_bump_port" yaml:"auto_bump_port"`
}

// ResolvedDir returns the directory a daemon should run in: Dir if set
// (expanded per spec.md §4.3 rules elsewhere), otherwise the directory of
// the config file it came from.
func (d DaemonConfig) ResolvedDir() string {
	if d.Dir != "" {
		return d.Dir
	}
	if d.ConfigPath != "" {
		return filepath.Dir(d.ConfigPath)
	}
	return ""
}

// MergedConfig is the "last wins" merge of system/user/project configs
// the core receives from its collaborator.
type MergedConfig struct {
	Namespace string                  `toml:"namespace" yaml:"namespace"`
	Daemons   map[string]DaemonConfig `toml:"daemons" yaml:"daemons"`
}

// Merge overlays other on top of c ("last wins"), returning a new value.
func (c MergedConfig) Merge(other MergedConfig) MergedConfig {
	out := MergedConfig{Namespace: c.Namespace, Daemons: map[string]DaemonConfig{}}
	if other.Namespace != "" {
		out.Namespace = other.Namespace
	}
	for k, v := range c.Daemons {
		out.Daemons[k] = v
	}
	for k, v := range other.Daemons {
		out.Daemons[k] = v
	}
	return out
}

// Load reads a single merged config file, dispatching on extension
// (teacher's loadConfig pattern in supervisor.go: try yaml/json by
// extension; here TOML is the primary format per spec.md §6, YAML is kept
// for parity with the teacher's config loading style).
func Load(path string) (*MergedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg MergedConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s as toml: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s as yaml: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	for name, d := range cfg.Daemons {
		d.ConfigPath = path
		cfg.Daemons[name] = d
	}
	return &cfg, nil
}
