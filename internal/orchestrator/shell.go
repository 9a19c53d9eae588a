package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/duet-cli/duet/internal/transcript"
)

// errQuit signals a user-requested shutdown through the command table.
var errQuit = errors.New("quit requested")

const defaultHistoryShown = 10

// inputPump owns the user's input stream for the whole run. Exactly one
// consumer reads from it at a time: the shell assembles lines from the
// chunks, attach mode passes them through as raw keystrokes. A single
// reader goroutine means no buffered bytes are lost when ownership moves
// between the two.
type inputPump struct {
	src    io.Reader
	chunks chan []byte
	errs   chan error
	once   sync.Once
}

func newInputPump(src io.Reader) *inputPump {
	return &inputPump{
		src:    src,
		chunks: make(chan []byte),
		errs:   make(chan error, 1),
	}
}

// start launches the reader goroutine. The chunks channel closes on EOF.
func (p *inputPump) start() {
	p.once.Do(func() {
		go func() {
			defer close(p.chunks)
			buf := make([]byte, 4096)
			for {
				n, err := p.src.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					p.chunks <- chunk
				}
				if err != nil {
					if !errors.Is(err, io.EOF) {
						p.errs <- err
					}
					return
				}
			}
		}()
	})
}

// Run drives the interactive shell until the user quits, input ends, or the
// context is cancelled. Plain lines go to the active tool; slash commands
// hit the command table. Tool processes are terminated on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.pump.start()

	o.console.Banner(o.version, o.registry.Names(), o.Active())
	for _, warning := range o.warnings {
		o.console.Warnf("%s", warning)
	}
	o.console.Println("")

	for {
		o.console.Prompt(o.Active())
		line, err := o.readLine(ctx)
		if err != nil {
			o.console.Println("")
			if errors.Is(err, io.EOF) {
				return o.Shutdown(ctx)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The context that asked us to stop is already done, so
				// shutdown gets a fresh one.
				return o.Shutdown(context.Background())
			}
			shutdownErr := o.Shutdown(ctx)
			return errors.Join(err, shutdownErr)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := o.handleLine(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return o.Shutdown(ctx)
			}
			o.console.Errorf("%v", err)
		}
	}
}

// readLine blocks until a full input line is available. It returns io.EOF
// once the input stream is exhausted.
func (o *Orchestrator) readLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(o.lineBuf, '\n'); i >= 0 {
			line := string(o.lineBuf[:i])
			o.lineBuf = o.lineBuf[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-o.pump.errs:
			return "", fmt.Errorf("read input: %w", err)
		case chunk, ok := <-o.pump.chunks:
			if !ok {
				if len(o.lineBuf) > 0 {
					line := strings.TrimRight(string(o.lineBuf), "\r")
					o.lineBuf = nil
					return line, nil
				}
				return "", io.EOF
			}
			o.lineBuf = append(o.lineBuf, chunk...)
		}
	}
}

func (o *Orchestrator) handleLine(ctx context.Context, line string) error {
	if strings.HasPrefix(line, "/") {
		name, args := splitCommand(line)
		return o.runCommand(ctx, name, args)
	}
	return o.sendAndRender(ctx, o.Active(), line)
}

// sendAndRender delivers a prompt and frames the tool's reply.
func (o *Orchestrator) sendAndRender(ctx context.Context, tool, prompt string) error {
	ad, err := o.lookup(tool)
	if err != nil {
		return err
	}
	o.console.Noticef("%s is thinking...", ad.DisplayName())
	response, err := o.Send(ctx, ad.Name(), prompt)
	if err != nil {
		return err
	}
	o.console.Response(ad.Name(), ad.DisplayName(), response)
	return nil
}

// command is one slash command in the shell.
type command struct {
	name    string
	aliases []string
	usage   string
	summary string
	run     func(ctx context.Context, o *Orchestrator, args string) error
}

// commands is the shell's command table. A slash word that matches no entry
// is tried as a tool name, so /codex is shorthand for /switch codex.
// Populated in init to break the initialization cycle with runHelp, which
// iterates the table.
var commands []command

func init() {
	commands = []command{
		{
			name: "help", aliases: []string{"h", "?"},
			usage: "/help", summary: "show available commands",
			run: runHelp,
		},
		{
			name: "tools", aliases: []string{"status"},
			usage: "/tools", summary: "list tools with phase and availability",
			run: runTools,
		},
		{
			name: "switch", aliases: []string{"use"},
			usage: "/switch <tool>", summary: "route plain input to another tool",
			run: runSwitch,
		},
		{
			name: "forward", aliases: []string{"fwd"},
			usage: "/forward [tool] [message]", summary: "send the latest response to another tool",
			run: runForward,
		},
		{
			name: "interactive", aliases: []string{"i"},
			usage: "/interactive [tool]", summary: "attach the terminal to a tool's own UI",
			run: runInteractive,
		},
		{
			name: "forwardi", aliases: []string{"fwdi"},
			usage: "/forwardi [tool] [message]", summary: "forward, then attach to watch the reply",
			run: runForwardInteractive,
		},
		{
			name:  "reset",
			usage: "/reset [tool]", summary: "clear a tool's conversation context",
			run: runReset,
		},
		{
			name:  "history",
			usage: "/history [n]", summary: "show recent exchanges",
			run: runHistory,
		},
		{
			name: "quit", aliases: []string{"q", "exit"},
			usage: "/quit", summary: "stop all tools and leave",
			run: runQuit,
		},
	}
}

func (o *Orchestrator) runCommand(ctx context.Context, name, args string) error {
	for i := range commands {
		cmd := &commands[i]
		if cmd.name == name {
			return cmd.run(ctx, o, args)
		}
		for _, alias := range cmd.aliases {
			if alias == name {
				return cmd.run(ctx, o, args)
			}
		}
	}

	// Not a command: maybe a tool shortcut. /codex switches, /codex <text>
	// switches and sends in one step.
	if _, ok := o.registry.Get(name); ok {
		if err := o.switchAndReport(name); err != nil {
			return err
		}
		if args != "" {
			return o.sendAndRender(ctx, name, args)
		}
		return nil
	}
	return fmt.Errorf("unknown command /%s; /help lists commands", name)
}

func splitCommand(line string) (string, string) {
	rest := strings.TrimPrefix(line, "/")
	name, args, _ := strings.Cut(rest, " ")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(args)
}

// parseForwardArgs splits "/forward codex look at this" into target and
// message. The first word is a target only when it names a registered tool;
// otherwise the whole argument string is the message.
func (o *Orchestrator) parseForwardArgs(args string) (string, string) {
	first, rest, _ := strings.Cut(args, " ")
	if _, ok := o.registry.Get(strings.ToLower(first)); ok {
		return first, strings.TrimSpace(rest)
	}
	return "", args
}

func (o *Orchestrator) switchAndReport(name string) error {
	ad, err := o.Switch(name)
	if err != nil {
		return err
	}
	o.console.Noticef("now talking to %s", ad.DisplayName())
	if !ad.IsAvailable() {
		o.console.Warnf("%s is not installed (%q not found in PATH)", ad.DisplayName(), ad.Command())
	}
	return nil
}

func runHelp(_ context.Context, o *Orchestrator, _ string) error {
	o.console.Println("commands:")
	for _, cmd := range commands {
		usage := cmd.usage
		if len(cmd.aliases) > 0 {
			usage += " (" + strings.Join(cmd.aliases, ", ") + ")"
		}
		o.console.Println(fmt.Sprintf("  %-34s %s", usage, cmd.summary))
	}
	o.console.Println(fmt.Sprintf("  %-34s %s", "/<tool> [message]", "switch to a tool, optionally sending right away"))
	o.console.Println("anything else goes to the active tool")
	return nil
}

func runTools(_ context.Context, o *Orchestrator, _ string) error {
	o.console.ToolsTable(o.ToolRows())
	return nil
}

func runSwitch(_ context.Context, o *Orchestrator, args string) error {
	if args == "" {
		return errors.New("usage: /switch <tool>")
	}
	return o.switchAndReport(args)
}

func runForward(ctx context.Context, o *Orchestrator, args string) error {
	target, message := o.parseForwardArgs(args)
	res, err := o.Forward(ctx, target, message)
	if err != nil {
		return err
	}
	ad, lookupErr := o.lookup(res.Target)
	if lookupErr != nil {
		return lookupErr
	}
	o.console.Noticef("forwarded %s's response to %s", res.Source, res.Target)
	o.console.Response(ad.Name(), ad.DisplayName(), res.Response)
	return nil
}

func runReset(ctx context.Context, o *Orchestrator, args string) error {
	display, err := o.ResetTool(ctx, args)
	if err != nil {
		return err
	}
	o.console.Noticef("%s context cleared; the next prompt starts fresh", display)
	return nil
}

func runHistory(ctx context.Context, o *Orchestrator, args string) error {
	n := defaultHistoryShown
	if args != "" {
		parsed, err := strconv.Atoi(args)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("usage: /history [n], got %q", args)
		}
		n = parsed
	}
	entries, err := o.History(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		o.console.Noticef("no exchanges recorded yet")
		return nil
	}
	for _, entry := range entries {
		o.console.Println(renderHistoryEntry(entry))
	}
	return nil
}

func runQuit(_ context.Context, o *Orchestrator, _ string) error {
	o.console.Noticef("stopping tools...")
	return errQuit
}

// renderHistoryEntry formats one transcript row as two lines: a stamp with
// the prompt, then the indented response snippet.
func renderHistoryEntry(entry transcript.Entry) string {
	stamp := entry.CreatedAt.Local().Format("15:04:05")
	head := fmt.Sprintf("%s  %s  %s", stamp, entry.Tool, snippet(entry.Prompt, 64))
	body := "          " + snippet(entry.Response, 96)
	return head + "\n" + body
}

// snippet collapses whitespace runs and truncates to max runes.
func snippet(s string, max int) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max]) + "…"
}
