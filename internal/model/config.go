package model

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full pop-server configuration. It is read from
// pop-server.yaml (or --config) with POPSERVER_* environment overrides.
type Config struct {
	Listen    string          `mapstructure:"listen" yaml:"listen"`
	Verbose   bool            `mapstructure:"verbose" yaml:"verbose"`
	Toolchain ToolchainConfig `mapstructure:"toolchain" yaml:"toolchain"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Jobs      JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Warm      WarmConfig      `mapstructure:"warm" yaml:"warm"`
}

// ToolchainConfig describes the external compiler invocation. The
// environment is fully explicit: the child process inherits nothing
// beyond what is listed here (plus per-job workspace variables), so
// concurrent builds cannot corrupt each other's caches.
type ToolchainConfig struct {
	Path         string            `mapstructure:"path" yaml:"path"`
	BuildArgs    []string          `mapstructure:"build_args" yaml:"build_args"`
	ScaffoldArgs []string          `mapstructure:"scaffold_args" yaml:"scaffold_args"`
	DeployArgs   []string          `mapstructure:"deploy_args" yaml:"deploy_args"`
	WarmArgs     []string          `mapstructure:"warm_args" yaml:"warm_args"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
	CacheDir     string            `mapstructure:"cache_dir" yaml:"cache_dir"`
	Timeout      time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// Environ renders the configured environment as KEY=value pairs.
// Values starting with $ are expanded from the server's environment,
// which is the only implicit inheritance allowed.
func (t ToolchainConfig) Environ() []string {
	env := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)
	return env
}

// WorkspaceConfig controls where per-job build directories live.
type WorkspaceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// JobsConfig holds orchestration limits.
type JobsConfig struct {
	// MaxConcurrent bounds simultaneously running compilations.
	// Zero or negative means unbounded.
	MaxConcurrent int64 `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// RetainBytes caps the aggregated stdout/stderr kept per job for
	// full-text retrieval. Live subscribers still see everything.
	RetainBytes int `mapstructure:"retain_bytes" yaml:"retain_bytes"`
}

// WarmConfig schedules periodic toolchain cache warming.
type WarmConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Cron    string        `mapstructure:"cron" yaml:"cron"`
	Every   time.Duration `mapstructure:"every" yaml:"every"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Toolchain: ToolchainConfig{
			Path:         "pop",
			BuildArgs:    []string{"build", "--release"},
			ScaffoldArgs: []string{"new", "contract"},
			DeployArgs:   []string{"up", "contract"},
			WarmArgs:     []string{"build", "--release"},
			Env: map[string]string{
				"path": "$PATH",
				"home": "$HOME",
			},
			Timeout: 10 * time.Minute,
		},
		Workspace: WorkspaceConfig{Root: os.TempDir()},
		Jobs: JobsConfig{
			MaxConcurrent: 4,
			RetainBytes:   1 << 20,
		},
		Warm: WarmConfig{Enabled: false, Every: time.Hour},
	}
}

// LoadConfig reads path (optional) over the defaults and applies
// POPSERVER_* environment overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("toolchain.path", def.Toolchain.Path)
	v.SetDefault("toolchain.build_args", def.Toolchain.BuildArgs)
	v.SetDefault("toolchain.scaffold_args", def.Toolchain.ScaffoldArgs)
	v.SetDefault("toolchain.deploy_args", def.Toolchain.DeployArgs)
	v.SetDefault("toolchain.warm_args", def.Toolchain.WarmArgs)
	v.SetDefault("toolchain.env", def.Toolchain.Env)
	v.SetDefault("toolchain.timeout", def.Toolchain.Timeout)
	v.SetDefault("workspace.root", def.Workspace.Root)
	v.SetDefault("jobs.max_concurrent", def.Jobs.MaxConcurrent)
	v.SetDefault("jobs.retain_bytes", def.Jobs.RetainBytes)
	v.SetDefault("warm.enabled", def.Warm.Enabled)
	v.SetDefault("warm.every", def.Warm.Every)

	v.SetEnvPrefix("POPSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
