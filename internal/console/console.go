package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/duet-cli/duet/internal/state"
)

// BadgeOpt configures optional rendering behavior for PhaseBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var phaseBadgeVariants = map[state.Phase]badgeVariant{
	state.Unstarted: {
		icon:  IconIdle,
		label: "IDLE",
		color: GrayColor,
	},
	state.Starting: {
		icon:  IconStarting,
		label: "STARTING",
		color: YellowColor,
	},
	state.AwaitingReady: {
		icon:  IconStarting,
		label: "WARMING",
		color: YellowColor,
	},
	state.Ready: {
		icon:  IconReady,
		label: "READY",
		color: GreenColor,
	},
	state.Sending: {
		icon:  IconBusy,
		label: "SENDING",
		color: GoldColor,
	},
	state.AwaitingBoundary: {
		icon:  IconBusy,
		label: "THINKING",
		color: GoldColor,
	},
	state.Terminated: {
		icon:  IconStopped,
		label: "STOPPED",
		color: RedColor,
	},
}

// PhaseBadge renders `icon LABEL` for a session phase.
func PhaseBadge(phase state.Phase, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	variant, ok := phaseBadgeVariants[phase]
	if !ok {
		variant = badgeVariant{
			icon:  IconAlert,
			label: strings.ToUpper(strings.TrimSpace(string(phase))),
			color: GrayColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}
	return lipgloss.NewStyle().Foreground(variant.color).Render(content)
}

// ToolRow is one line of the /tools listing.
type ToolRow struct {
	Name        string
	DisplayName string
	Phase       state.Phase
	Available   bool
	Disabled    bool
	Active      bool
}

// RenderToolsTable renders the /tools listing: active marker, colored tool
// name, phase badge, availability note.
func RenderToolsTable(rows []ToolRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("no tools registered")
	}

	nameWidth := 0
	for _, row := range rows {
		if len(row.Name) > nameWidth {
			nameWidth = len(row.Name)
		}
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		marker := "  "
		if row.Active {
			marker = ActiveStyle.Render("▶ ")
		}
		name := ToolStyle(row.Name).Render(padRight(row.Name, nameWidth))

		var status string
		switch {
		case row.Disabled:
			status = MutedStyle.Render(IconDisabled + " DISABLED")
		case !row.Available:
			status = ErrorStyle.Render(IconStopped + " NOT FOUND")
		default:
			status = PhaseBadge(row.Phase)
		}

		line := marker + name + "  " + status
		if row.DisplayName != "" && !strings.EqualFold(row.DisplayName, row.Name) {
			line += "  " + MutedStyle.Render(row.DisplayName)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RenderPrompt renders the shell prompt for the active tool.
func RenderPrompt(active string) string {
	return MutedStyle.Render("duet") + " " + ToolStyle(active).Render(active) + " " + ActiveStyle.Render("❯") + " "
}

// RenderResponse frames a cleaned tool response with the tool's accent.
func RenderResponse(tool, displayName, text string) string {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return MutedStyle.Render(displayName + " finished without any output")
	}
	header := ToolStyle(tool).Render(displayName)
	body := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(ToolColor(tool)).
		PaddingLeft(1).
		Render(text)
	return header + "\n" + body
}

// RenderBanner renders the startup banner.
func RenderBanner(version string, names []string, active string) string {
	title := ActiveStyle.Render("duet")
	if version != "" {
		title += " " + MutedStyle.Render(version)
	}

	styled := make([]string, 0, len(names))
	for _, name := range names {
		styled = append(styled, ToolStyle(name).Render(name))
	}
	tools := MutedStyle.Render("tools:") + " " + strings.Join(styled, " ")
	if active != "" {
		tools += "  " + MutedStyle.Render("active:") + " " + ToolStyle(active).Render(active)
	}

	help := MutedStyle.Render("type /help for commands, /quit to leave")
	return title + "\n" + tools + "\n" + help
}

// Console writes rendered output to a terminal.
type Console struct {
	out io.Writer
}

// Option configures Console creation.
type Option func(*Console)

// WithWriter overrides the output writer. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(c *Console) {
		c.out = w
	}
}

// New builds a Console writing to stdout unless overridden.
func New(options ...Option) *Console {
	c := &Console{out: os.Stdout}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Print writes raw text without a trailing newline.
func (c *Console) Print(s string) {
	if c == nil || c.out == nil {
		return
	}
	fmt.Fprint(c.out, s)
}

// Println writes a line.
func (c *Console) Println(s string) {
	if c == nil || c.out == nil {
		return
	}
	fmt.Fprintln(c.out, s)
}

// Noticef writes a muted informational line.
func (c *Console) Noticef(format string, args ...any) {
	c.Println(MutedStyle.Render("• " + fmt.Sprintf(format, args...)))
}

// Warnf writes a caution line.
func (c *Console) Warnf(format string, args ...any) {
	c.Println(WarnStyle.Render(IconAlert+" ") + fmt.Sprintf(format, args...))
}

// Errorf writes a failure line.
func (c *Console) Errorf(format string, args ...any) {
	c.Println(ErrorStyle.Render(IconStopped+" ") + fmt.Sprintf(format, args...))
}

// Response writes a framed tool response.
func (c *Console) Response(tool, displayName, text string) {
	c.Println(RenderResponse(tool, displayName, text))
}

// ToolsTable writes the /tools listing.
func (c *Console) ToolsTable(rows []ToolRow) {
	c.Println(RenderToolsTable(rows))
}

// Banner writes the startup banner.
func (c *Console) Banner(version string, names []string, active string) {
	c.Println(RenderBanner(version, names, active))
}

// Prompt writes the shell prompt without a newline.
func (c *Console) Prompt(active string) {
	c.Print(RenderPrompt(active))
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
