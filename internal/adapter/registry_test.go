package adapter

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, name := range []string{"claude", "gemini", "codex"} {
		if err := reg.Register(newStubAdapter(name, true)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	names := reg.Names()
	want := []string{"claude", "gemini", "codex"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], name)
		}
	}

	adapters := reg.All()
	if len(adapters) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(adapters))
	}
	for i, name := range want {
		if adapters[i].Name() != name {
			t.Fatalf("All()[%d].Name() = %q, want %q", i, adapters[i].Name(), name)
		}
	}
}

func TestRegistryGetIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(newStubAdapter("claude", true)); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, ok := reg.Get("  Claude ")
	if !ok {
		t.Fatal("Get(\"  Claude \") not found")
	}
	if a.Name() != "claude" {
		t.Fatalf("name = %q, want claude", a.Name())
	}

	if _, ok := reg.Get("gemini"); ok {
		t.Fatal("Get(\"gemini\") found unregistered adapter")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(newStubAdapter("claude", true)); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := reg.Register(newStubAdapter("Claude", true))
	if err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryRejectsNilAdapter(t *testing.T) {
	t.Parallel()

	if err := NewRegistry().Register(nil); err == nil {
		t.Fatal("expected nil adapter error")
	}
}

func TestRegistryReplaceKeepsOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", true))
	mustRegister(t, reg, newStubAdapter("codex", true))

	swapped := newStubAdapter("claude", false)
	if err := reg.Replace(swapped); err != nil {
		t.Fatalf("Replace(claude) error = %v, want nil", err)
	}

	got, ok := reg.Get("claude")
	if !ok {
		t.Fatal("Get(claude) not found after replace")
	}
	if got != Adapter(swapped) {
		t.Fatal("Get(claude) did not return the replacement adapter")
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "claude" || names[1] != "codex" {
		t.Fatalf("names = %v, want [claude codex]", names)
	}
}

func TestRegistryReplaceRejectsUnknownName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", true))

	err := reg.Replace(newStubAdapter("cursor", true))
	if err == nil {
		t.Fatal("expected unknown-name error")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveDefaultToolPrefersConfiguredTool(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", true))
	mustRegister(t, reg, newStubAdapter("gemini", true))

	name, warnings, err := ResolveDefaultTool("gemini", reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "gemini" {
		t.Fatalf("tool = %q, want gemini", name)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
}

func TestResolveDefaultToolFallsBackWhenConfiguredUnavailable(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", true))
	mustRegister(t, reg, newStubAdapter("gemini", false))

	name, warnings, err := ResolveDefaultTool("gemini", reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "claude" {
		t.Fatalf("tool = %q, want claude fallback", name)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unavailable") {
		t.Fatalf("warnings = %v, want one unavailable warning", warnings)
	}
}

func TestResolveDefaultToolWarnsOnUnknownTool(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", true))

	name, warnings, err := ResolveDefaultTool("cursor", reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "claude" {
		t.Fatalf("tool = %q, want claude fallback", name)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unknown tool") {
		t.Fatalf("warnings = %v, want one unknown-tool warning", warnings)
	}
}

func TestResolveDefaultToolUsesRegistrationOrderWhenUnconfigured(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", false))
	mustRegister(t, reg, newStubAdapter("codex", true))
	mustRegister(t, reg, newStubAdapter("gemini", true))

	name, warnings, err := ResolveDefaultTool("", reg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "codex" {
		t.Fatalf("tool = %q, want codex (first available)", name)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
}

func TestResolveDefaultToolFailsWhenNothingAvailable(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mustRegister(t, reg, newStubAdapter("claude", false))
	mustRegister(t, reg, newStubAdapter("gemini", false))

	_, _, err := ResolveDefaultTool("claude", reg)
	if err == nil {
		t.Fatal("expected no-tool-available error")
	}
	if !strings.Contains(err.Error(), "claude/gemini") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustRegister(t *testing.T, reg *Registry, a Adapter) {
	t.Helper()
	if err := reg.Register(a); err != nil {
		t.Fatalf("register %s: %v", a.Name(), err)
	}
}

// stubAdapter fills the builder methods the shared Profile does not provide.
type stubAdapter struct {
	Profile
	ContinuationFlag
}

func newStubAdapter(name string, available bool) *stubAdapter {
	lookPath := func(string) (string, error) { return "/usr/bin/stub", nil }
	if !available {
		lookPath = func(file string) (string, error) {
			return "", errors.New("not found: " + file)
		}
	}
	return &stubAdapter{
		Profile: NewProfile(ProfileOptions{Name: name, LookPath: lookPath}),
	}
}

func (s *stubAdapter) BuildCommand(prompt string, continuation bool) []string {
	return []string{s.Command(), prompt}
}

func (s *stubAdapter) BuildInteractiveCommand(continuation bool) []string {
	return []string{s.Command()}
}

func (s *stubAdapter) BuildPersistentArgs(continuation bool) []string {
	return nil
}

var _ Adapter = (*stubAdapter)(nil)
