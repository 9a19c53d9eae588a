package claude

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildCommandConstructsPrintModeInvocation(t *testing.T) {
	t.Parallel()

	a := New(Options{})

	argv := a.BuildCommand("summarize main.go", false)
	want := []string{"claude", "-p", "summarize main.go"}
	assertArgv(t, argv, want)

	argv = a.BuildCommand("and the tests", true)
	want = []string{"claude", "--continue", "-p", "and the tests"}
	assertArgv(t, argv, want)
}

func TestBuildCommandKeepsPromptAsSingleArgument(t *testing.T) {
	t.Parallel()

	prompt := `explain "$(rm -rf /)" and; echo done`
	argv := New(Options{}).BuildCommand(prompt, false)
	if argv[len(argv)-1] != prompt {
		t.Fatalf("prompt argument = %q, want verbatim prompt", argv[len(argv)-1])
	}
}

func TestBuildInteractiveCommandAddsResumeOnlyWithContinuation(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	assertArgv(t, a.BuildInteractiveCommand(false), []string{"claude"})
	assertArgv(t, a.BuildInteractiveCommand(true), []string{"claude", "--continue"})
}

func TestBuildPersistentArgsCarriesExtraArgs(t *testing.T) {
	t.Parallel()

	a := New(Options{ExtraArgs: []string{"--model", "sonnet"}})

	assertArgv(t, a.BuildPersistentArgs(false), []string{"--model", "sonnet"})
	assertArgv(t, a.BuildPersistentArgs(true), []string{"--model", "sonnet", "--continue"})
	assertArgv(t, a.BuildCommand("hi", false), []string{"claude", "--model", "sonnet", "-p", "hi"})
}

func TestCommandOverrideChangesExecutable(t *testing.T) {
	t.Parallel()

	a := New(Options{Command: "/opt/anthropic/claude"})
	if a.Command() != "/opt/anthropic/claude" {
		t.Fatalf("command = %q, want /opt/anthropic/claude", a.Command())
	}
	argv := a.BuildInteractiveCommand(false)
	if argv[0] != "/opt/anthropic/claude" {
		t.Fatalf("argv[0] = %q, want override", argv[0])
	}
}

func TestPromptPatternMatchesIdleInputLine(t *testing.T) {
	t.Parallel()

	pattern := New(Options{}).PromptPattern()

	for _, line := range []string{"> ", "│ >          │", "  >"} {
		if !pattern.MatchString(line) {
			t.Fatalf("pattern rejected idle line %q", line)
		}
	}
	for _, line := range []string{"> how do PTYs work", "│ > draft │", "plain response"} {
		if pattern.MatchString(line) {
			t.Fatalf("pattern matched busy line %q", line)
		}
	}
}

func TestCleanResponseExtractsMarkedAnswer(t *testing.T) {
	t.Parallel()

	raw := []byte("✢ Pondering\x1b[2K\r" +
		"⏺ The watcher uses fsnotify.\n" +
		"It falls back to polling on NFS.\n" +
		"\n" +
		"  ? for shortcuts\n")

	got := New(Options{}).CleanResponse(raw)
	want := "The watcher uses fsnotify.\nIt falls back to polling on NFS."
	if got != want {
		t.Fatalf("CleanResponse = %q, want %q", got, want)
	}
}

func TestIsAvailableUsesInjectedLookPath(t *testing.T) {
	t.Parallel()

	found := New(Options{
		LookPath: func(file string) (string, error) {
			if file != "claude" {
				t.Fatalf("probed %q, want claude", file)
			}
			return "/usr/local/bin/claude", nil
		},
	})
	if !found.IsAvailable() {
		t.Fatal("IsAvailable() = false, want true")
	}

	missing := New(Options{
		LookPath: func(string) (string, error) {
			return "", errors.New("executable file not found in $PATH")
		},
	})
	if missing.IsAvailable() {
		t.Fatal("IsAvailable() = true, want false")
	}
}

func TestIdentity(t *testing.T) {
	t.Parallel()

	a := New(Options{})
	if a.Name() != "claude" || a.DisplayName() != "Claude" {
		t.Fatalf("identity = %q/%q, want claude/Claude", a.Name(), a.DisplayName())
	}
	if a.Continuation() {
		t.Fatal("fresh adapter reports continuation")
	}
}

func assertArgv(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Fatalf("argv = %v, want %v", got, want)
	}
}
