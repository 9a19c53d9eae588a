// Package config loads duet's runtime settings from layered TOML files:
// compiled defaults, then ~/.duet/config.toml, then a project-local
// .duet/config.toml, each overriding the one before it.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultTool           = "claude"
	defaultLogLevel       = "info"
	defaultHistoryLimit   = 50
	defaultTerminateGrace = 5 * time.Second
	defaultForwardHeader  = "Response from %s:"
	defaultOTLPEndpoint   = "localhost:4318"
	defaultServiceName    = "duet"
)

const (
	// ModePersistent keeps one PTY-backed process per tool across turns.
	ModePersistent = "persistent"
	// ModeOneShot runs a fresh non-interactive invocation per prompt.
	ModeOneShot = "oneshot"
)

// builtinTools are the adapters duet ships with. Any other [tools.*] table
// declares a custom tool.
var builtinTools = []string{"claude", "codex", "gemini"}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultTool    string
	Mode           string
	LogLevel       string
	LogDir         string
	HistoryEnabled bool
	HistoryPath    string
	HistoryLimit   int
	TerminateGrace time.Duration
	ForwardHeader  string
	Telemetry      TelemetryConfig
	Tools          map[string]ToolConfig
}

// TelemetryConfig controls the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// ToolConfig overrides one tool's command line and timing. For custom tools
// it is the whole definition; for built-in tools only the set fields apply.
type ToolConfig struct {
	Command         string
	Args            []string
	OneShotArgs     []string
	InteractiveArgs []string
	ResumeArgs      []string
	PromptPattern   string
	AnswerMarker    string
	ChromePatterns  []string
	IdleTimeout     time.Duration
	StartupDelay    time.Duration
	Disabled        bool
}

type fileConfig struct {
	DefaultTool    *string                   `toml:"default_tool"`
	Mode           *string                   `toml:"mode"`
	LogLevel       *string                   `toml:"log_level"`
	LogDir         *string                   `toml:"log_dir"`
	HistoryEnabled *bool                     `toml:"history_enabled"`
	HistoryPath    *string                   `toml:"history_path"`
	HistoryLimit   *int                      `toml:"history_limit"`
	TerminateGrace *string                   `toml:"terminate_grace"`
	ForwardHeader  *string                   `toml:"forward_header"`
	Telemetry      *telemetryFileConfig      `toml:"telemetry"`
	Tools          map[string]toolFileConfig `toml:"tools"`
}

type telemetryFileConfig struct {
	Enabled     *bool   `toml:"enabled"`
	Endpoint    *string `toml:"endpoint"`
	ServiceName *string `toml:"service_name"`
}

type toolFileConfig struct {
	Command         *string  `toml:"command"`
	Args            []string `toml:"args"`
	OneShotArgs     []string `toml:"one_shot_args"`
	InteractiveArgs []string `toml:"interactive_args"`
	ResumeArgs      []string `toml:"resume_args"`
	PromptPattern   *string  `toml:"prompt_pattern"`
	AnswerMarker    *string  `toml:"answer_marker"`
	ChromePatterns  []string `toml:"chrome_patterns"`
	IdleTimeout     *string  `toml:"idle_timeout"`
	StartupDelay    *string  `toml:"startup_delay"`
	Disabled        *bool    `toml:"disabled"`
}

// Load reads config from ~/.duet/config.toml and overlays a project-local
// .duet/config.toml.
func Load(ctx context.Context) (*Config, error) {
	paths, err := Paths()
	if err != nil {
		return nil, err
	}
	return LoadPaths(ctx, paths...)
}

// LoadPaths overlays the given files, in order, over compiled defaults.
// Missing files are skipped.
func LoadPaths(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	_ = ctx
	return &cfg, nil
}

// StateDir returns ~/.duet, where duet keeps its lock file, child ledger,
// logs, and history database unless config points elsewhere.
func StateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".duet"), nil
}

// Paths returns the config file locations in overlay order: user level
// first, project level second.
func Paths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return []string{
		filepath.Join(homeDir, ".duet", "config.toml"),
		filepath.Join(workingDir, ".duet", "config.toml"),
	}, nil
}

func defaults() Config {
	return Config{
		DefaultTool:    defaultTool,
		Mode:           ModePersistent,
		LogLevel:       defaultLogLevel,
		HistoryEnabled: true,
		HistoryLimit:   defaultHistoryLimit,
		TerminateGrace: defaultTerminateGrace,
		ForwardHeader:  defaultForwardHeader,
		Telemetry: TelemetryConfig{
			Endpoint:    defaultOTLPEndpoint,
			ServiceName: defaultServiceName,
		},
		Tools: map[string]ToolConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyTelemetryOverrides(cfg, decoded)
	return applyToolOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.DefaultTool != nil {
		cfg.DefaultTool = normalizeKey(*decoded.DefaultTool)
	}
	if decoded.Mode != nil {
		mode := normalizeKey(*decoded.Mode)
		if mode != ModePersistent && mode != ModeOneShot {
			return fmt.Errorf("parse mode in %q: must be %q or %q", path, ModePersistent, ModeOneShot)
		}
		cfg.Mode = mode
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.LogDir != nil {
		cfg.LogDir = strings.TrimSpace(*decoded.LogDir)
	}
	if decoded.HistoryEnabled != nil {
		cfg.HistoryEnabled = *decoded.HistoryEnabled
	}
	if decoded.HistoryPath != nil {
		cfg.HistoryPath = strings.TrimSpace(*decoded.HistoryPath)
	}
	if decoded.HistoryLimit != nil {
		if *decoded.HistoryLimit <= 0 {
			return fmt.Errorf("parse history_limit in %q: must be > 0", path)
		}
		cfg.HistoryLimit = *decoded.HistoryLimit
	}
	if decoded.TerminateGrace != nil {
		value, err := parseDuration(*decoded.TerminateGrace, "terminate_grace", path)
		if err != nil {
			return err
		}
		cfg.TerminateGrace = value
	}
	if decoded.ForwardHeader != nil {
		cfg.ForwardHeader = *decoded.ForwardHeader
	}
	return nil
}

func applyTelemetryOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Telemetry == nil {
		return
	}
	if decoded.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *decoded.Telemetry.Enabled
	}
	if decoded.Telemetry.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.Telemetry.Endpoint)
	}
	if decoded.Telemetry.ServiceName != nil {
		cfg.Telemetry.ServiceName = strings.TrimSpace(*decoded.Telemetry.ServiceName)
	}
}

func applyToolOverrides(cfg *Config, decoded fileConfig, path string) error {
	if len(decoded.Tools) == 0 {
		return nil
	}
	if cfg.Tools == nil {
		cfg.Tools = map[string]ToolConfig{}
	}
	for name, decodedTool := range decoded.Tools {
		normalized := normalizeKey(name)
		if normalized == "" {
			return fmt.Errorf("parse tools table in %q: tool name must not be empty", path)
		}
		tool := cfg.Tools[normalized]
		if err := applySingleToolOverride(&tool, decodedTool, normalized, path); err != nil {
			return err
		}
		cfg.Tools[normalized] = tool
	}
	return nil
}

func applySingleToolOverride(tool *ToolConfig, decoded toolFileConfig, name, path string) error {
	if decoded.Command != nil {
		tool.Command = strings.TrimSpace(*decoded.Command)
	}
	if decoded.Args != nil {
		tool.Args = append([]string(nil), decoded.Args...)
	}
	if decoded.OneShotArgs != nil {
		tool.OneShotArgs = append([]string(nil), decoded.OneShotArgs...)
	}
	if decoded.InteractiveArgs != nil {
		tool.InteractiveArgs = append([]string(nil), decoded.InteractiveArgs...)
	}
	if decoded.ResumeArgs != nil {
		tool.ResumeArgs = append([]string(nil), decoded.ResumeArgs...)
	}
	if decoded.PromptPattern != nil {
		if _, err := regexp.Compile(*decoded.PromptPattern); err != nil {
			return fmt.Errorf("parse tools.%s.prompt_pattern in %q: %w", name, path, err)
		}
		tool.PromptPattern = *decoded.PromptPattern
	}
	if decoded.AnswerMarker != nil {
		tool.AnswerMarker = *decoded.AnswerMarker
	}
	if decoded.ChromePatterns != nil {
		for _, pattern := range decoded.ChromePatterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("parse tools.%s.chrome_patterns in %q: %w", name, path, err)
			}
		}
		tool.ChromePatterns = append([]string(nil), decoded.ChromePatterns...)
	}
	if decoded.IdleTimeout != nil {
		value, err := parseDuration(*decoded.IdleTimeout, fmt.Sprintf("tools.%s.idle_timeout", name), path)
		if err != nil {
			return err
		}
		tool.IdleTimeout = value
	}
	if decoded.StartupDelay != nil {
		value, err := parseDuration(*decoded.StartupDelay, fmt.Sprintf("tools.%s.startup_delay", name), path)
		if err != nil {
			return err
		}
		tool.StartupDelay = value
	}
	if decoded.Disabled != nil {
		tool.Disabled = *decoded.Disabled
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

// Structural reports whether the override redefines how the tool is driven
// rather than just where it lives: patterns, markers, or argument forms.
func (t ToolConfig) Structural() bool {
	return t.PromptPattern != "" || t.AnswerMarker != "" || len(t.ChromePatterns) > 0 ||
		len(t.OneShotArgs) > 0 || len(t.InteractiveArgs) > 0 || len(t.ResumeArgs) > 0
}

// ToolOverride returns the configured override for a tool, if any.
func (c *Config) ToolOverride(name string) (ToolConfig, bool) {
	if c == nil || c.Tools == nil {
		return ToolConfig{}, false
	}
	tool, ok := c.Tools[normalizeKey(name)]
	return tool, ok
}

// CustomTools lists configured tool names that are not built in, sorted.
func (c *Config) CustomTools() []string {
	if c == nil || len(c.Tools) == 0 {
		return nil
	}
	builtin := map[string]bool{}
	for _, name := range builtinTools {
		builtin[name] = true
	}
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		if !builtin[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
