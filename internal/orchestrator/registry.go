package orchestrator

import (
	"fmt"
	"strings"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/adapter/claude"
	"github.com/duet-cli/duet/internal/adapter/codex"
	"github.com/duet-cli/duet/internal/adapter/gemini"
	"github.com/duet-cli/duet/internal/adapter/generic"
	"github.com/duet-cli/duet/internal/config"
)

// builtinTools fixes the registration order of the shipped adapters.
// Registration order decides availability fallback and which tool a two-tool
// forward targets, so it stays stable across runs.
var builtinTools = []string{"claude", "codex", "gemini"}

// BuildRegistry assembles the adapter registry from configuration: the
// shipped tools with their overrides applied, then every config-declared
// custom tool. A shipped tool whose stanza rewrites detection patterns or
// argument forms is rebuilt as a config-defined adapter under the same name,
// since the compiled-in profile no longer describes it.
func BuildRegistry(cfg *config.Config) (*adapter.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	reg := adapter.NewRegistry()
	for _, name := range builtinTools {
		override, _ := cfg.ToolOverride(name)
		if override.Disabled {
			continue
		}
		built, err := buildBuiltin(name, override)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(built); err != nil {
			return nil, err
		}
	}

	for _, name := range cfg.CustomTools() {
		declared, _ := cfg.ToolOverride(name)
		if declared.Disabled {
			continue
		}
		built, err := buildCustom(name, declared)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(built); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func buildBuiltin(name string, override config.ToolConfig) (adapter.Adapter, error) {
	if override.Structural() {
		command := override.Command
		if command == "" {
			command = name
		}
		return generic.New(generic.Options{
			Name:            name,
			DisplayName:     displayName(name),
			Command:         command,
			Args:            override.Args,
			OneShotArgs:     override.OneShotArgs,
			InteractiveArgs: override.InteractiveArgs,
			ResumeArgs:      override.ResumeArgs,
			PromptPattern:   override.PromptPattern,
			AnswerMarker:    override.AnswerMarker,
			ChromePatterns:  override.ChromePatterns,
			IdleTimeout:     override.IdleTimeout,
			StartupDelay:    override.StartupDelay,
		})
	}

	switch name {
	case "claude":
		return claude.New(claude.Options{
			Command:      override.Command,
			ExtraArgs:    override.Args,
			IdleTimeout:  override.IdleTimeout,
			StartupDelay: override.StartupDelay,
		}), nil
	case "codex":
		return codex.New(codex.Options{
			Command:      override.Command,
			ExtraArgs:    override.Args,
			IdleTimeout:  override.IdleTimeout,
			StartupDelay: override.StartupDelay,
		}), nil
	case "gemini":
		return gemini.New(gemini.Options{
			Command:      override.Command,
			ExtraArgs:    override.Args,
			IdleTimeout:  override.IdleTimeout,
			StartupDelay: override.StartupDelay,
		}), nil
	}
	return nil, fmt.Errorf("unknown built-in tool %q", name)
}

func buildCustom(name string, declared config.ToolConfig) (adapter.Adapter, error) {
	if strings.TrimSpace(declared.Command) == "" {
		return nil, fmt.Errorf("tool %s: command is required for config-defined tools", name)
	}
	return generic.New(generic.Options{
		Name:            name,
		DisplayName:     displayName(name),
		Command:         declared.Command,
		Args:            declared.Args,
		OneShotArgs:     declared.OneShotArgs,
		InteractiveArgs: declared.InteractiveArgs,
		ResumeArgs:      declared.ResumeArgs,
		PromptPattern:   declared.PromptPattern,
		AnswerMarker:    declared.AnswerMarker,
		ChromePatterns:  declared.ChromePatterns,
		IdleTimeout:     declared.IdleTimeout,
		StartupDelay:    declared.StartupDelay,
	})
}

func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
