package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/oracle"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/synth"
	"github.com/rendis/conductor/internal/workers"
)

// Config holds all conductor configuration.
// Priority: flags > CONDUCTOR_* env vars > config file > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	Metrics    bool   `mapstructure:"metrics"`

	Oracle     OracleConfig            `mapstructure:"oracle"`
	Policy     oracle.PolicyConfig     `mapstructure:"policy"`
	Run        engine.RunConfig        `mapstructure:"run"`
	Dispatcher engine.DispatcherConfig `mapstructure:"dispatcher"`
	Workers    WorkersConfig           `mapstructure:"workers"`
	Synthesis  synth.Config            `mapstructure:"synthesis"`
	Schedules  []scheduler.Schedule    `mapstructure:"schedules"`
	Archive    ArchiveConfig           `mapstructure:"archive"`
}

// OracleConfig selects the decision oracle.
type OracleConfig struct {
	// Provider is one of policy, anthropic or openai.
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// WorkersConfig configures the built-in capability workers.
type WorkersConfig struct {
	Command  CommandWorkerConfig  `mapstructure:"command"`
	Research ResearchWorkerConfig `mapstructure:"research"`
	// Tools registers extra capabilities served by MCP server tools.
	Tools []workers.ToolConfig `mapstructure:"tools"`
}

type CommandWorkerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Shell          string        `mapstructure:"shell"`
	SandboxDir     string        `mapstructure:"sandbox_dir"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DenyPaths      []string      `mapstructure:"deny_paths"`
}

type ResearchWorkerConfig struct {
	Endpoint     string            `mapstructure:"endpoint"`
	QueryParam   string            `mapstructure:"query_param"`
	Headers      map[string]string `mapstructure:"headers"`
	ResultsQuery string            `mapstructure:"results_query"`
	MaxResults   int               `mapstructure:"max_results"`
}

// ArchiveConfig drives the periodic archive sweep.
type ArchiveConfig struct {
	Cron      string        `mapstructure:"cron"`
	Retention time.Duration `mapstructure:"retention"`
}

const (
	providerPolicy    = "policy"
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"

	memoryDB = ":memory:"
)

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// setDefaults registers every key so CONDUCTOR_* env vars can override it.
func setDefaults(v *viper.Viper) {
	run := engine.DefaultRunConfig()
	disp := engine.DefaultDispatcherConfig()

	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", filepath.Join(conductorDir(), "conductor.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics", true)

	v.SetDefault("oracle.provider", providerPolicy)
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.max_tokens", 2048)

	v.SetDefault("policy.retry_threshold", oracle.DefaultRetryThreshold)
	v.SetDefault("policy.complete_when", oracle.DefaultCompleteWhen)
	v.SetDefault("policy.block_when", oracle.DefaultBlockWhen)
	v.SetDefault("policy.default_capability", "research")

	v.SetDefault("run.oracle_timeout", run.OracleTimeout)
	v.SetDefault("run.oracle_attempts", run.OracleAttempts)
	v.SetDefault("run.oracle_backoff.strategy", string(run.OracleBackoff.Strategy))
	v.SetDefault("run.oracle_backoff.delay", run.OracleBackoff.Delay)
	v.SetDefault("run.oracle_backoff.max_delay", run.OracleBackoff.MaxDelay)
	v.SetDefault("run.max_idle_decisions", run.MaxIdleDecisions)
	v.SetDefault("run.max_discarded_decisions", run.MaxDiscardedDecisions)
	v.SetDefault("run.max_decisions", run.MaxDecisions)
	v.SetDefault("run.cancel_grace", run.CancelGrace)

	v.SetDefault("dispatcher.pool_size", disp.PoolSize)
	v.SetDefault("dispatcher.call_timeout", disp.CallTimeout)
	v.SetDefault("dispatcher.max_steps", disp.MaxSteps)
	v.SetDefault("dispatcher.breaker.failure_threshold", disp.Breaker.FailureThreshold)
	v.SetDefault("dispatcher.breaker.cooldown", disp.Breaker.Cooldown)
	v.SetDefault("dispatcher.breaker.half_open_max", disp.Breaker.HalfOpenMax)

	v.SetDefault("workers.command.enabled", true)
	v.SetDefault("workers.command.shell", "/bin/sh")
	v.SetDefault("workers.command.sandbox_dir", filepath.Join(conductorDir(), "sandbox"))
	v.SetDefault("workers.command.max_output_bytes", 1<<20)
	v.SetDefault("workers.command.timeout", time.Duration(0))
	v.SetDefault("workers.research.endpoint", "")
	v.SetDefault("workers.research.query_param", "q")
	v.SetDefault("workers.research.results_query", "")
	v.SetDefault("workers.research.max_results", 5)

	v.SetDefault("synthesis.reports_dir", "")
	v.SetDefault("synthesis.summary_threshold", synth.DefaultSummaryThreshold)
	v.SetDefault("synthesis.agenda_diagram", true)

	v.SetDefault("archive.cron", "")
	v.SetDefault("archive.retention", 30*24*time.Hour)
}

// newViper creates a viper instance with defaults and env binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// loadConfig reads the optional config file and decodes the merged settings.
// An explicit path must exist; the default path is ignored when missing.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(conductorDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Oracle.Provider {
	case providerPolicy:
	case providerAnthropic, providerOpenAI:
		if c.Oracle.APIKey == "" {
			return fmt.Errorf("oracle.api_key is required for provider %s", c.Oracle.Provider)
		}
		if c.Oracle.Model == "" {
			return fmt.Errorf("oracle.model is required for provider %s", c.Oracle.Provider)
		}
	default:
		return fmt.Errorf("unknown oracle.provider %q (want policy, anthropic or openai)", c.Oracle.Provider)
	}
	if !c.Workers.Command.Enabled && c.Workers.Research.Endpoint == "" && len(c.Workers.Tools) == 0 {
		return fmt.Errorf("no capability workers enabled")
	}
	if c.Archive.Cron != "" && c.Archive.Retention <= 0 {
		return fmt.Errorf("archive.retention must be positive")
	}
	return nil
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		Schedules:   c.Schedules,
		ArchiveCron: c.Archive.Cron,
		Retention:   c.Archive.Retention,
	}
}

// dsn turns db_path into a libsql connection string.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
