// Package console renders duet's shell surface: the prompt, tool banners,
// phase badges, framed responses, and notices. Render functions are pure
// and return styled strings; Console writes them to a terminal.
package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Coral is the accent for claude.
	Coral = "#D97757"
	// Teal is the accent for codex.
	Teal = "#10A37F"
	// Sky is the accent for gemini.
	Sky = "#4E8CD9"
	// Violet is the first accent assigned to custom tools.
	Violet = "#9966FF"
	// Rose is the second accent assigned to custom tools.
	Rose = "#FF99CC"
	// Gold marks the active tool and selection highlights.
	Gold = "#FFAA00"
	// Green marks ready and successful states.
	Green = "#33CC66"
	// Yellow marks caution states.
	Yellow = "#FFCC00"
	// Red marks failures.
	Red = "#FF4444"
	// Gray is the muted neutral for idle and disabled states.
	Gray = "#6B6B80"
	// White is the primary text color.
	White = "#F0F1F5"
)

const (
	// IconReady indicates a session ready for input.
	IconReady = "✓"
	// IconBusy indicates a session working on a request.
	IconBusy = "●"
	// IconIdle indicates a session that has not started.
	IconIdle = "⏸"
	// IconStarting indicates a session warming up.
	IconStarting = "▸"
	// IconStopped indicates a terminated session.
	IconStopped = "✗"
	// IconAlert indicates a warning.
	IconAlert = "⚠"
	// IconDisabled indicates a tool disabled by config.
	IconDisabled = "⊘"
)

var (
	// CoralColor is the profile-aware terminal color for Coral.
	CoralColor = duetColor(Coral, "209", "9")
	// TealColor is the profile-aware terminal color for Teal.
	TealColor = duetColor(Teal, "36", "6")
	// SkyColor is the profile-aware terminal color for Sky.
	SkyColor = duetColor(Sky, "68", "12")
	// VioletColor is the profile-aware terminal color for Violet.
	VioletColor = duetColor(Violet, "99", "5")
	// RoseColor is the profile-aware terminal color for Rose.
	RoseColor = duetColor(Rose, "218", "13")
	// GoldColor is the profile-aware terminal color for Gold.
	GoldColor = duetColor(Gold, "214", "11")
	// GreenColor is the profile-aware terminal color for Green.
	GreenColor = duetColor(Green, "42", "10")
	// YellowColor is the profile-aware terminal color for Yellow.
	YellowColor = duetColor(Yellow, "220", "11")
	// RedColor is the profile-aware terminal color for Red.
	RedColor = duetColor(Red, "203", "9")
	// GrayColor is the profile-aware terminal color for Gray.
	GrayColor = duetColor(Gray, "60", "8")
	// WhiteColor is the profile-aware terminal color for White.
	WhiteColor = duetColor(White, "255", "15")
)

var (
	// ActiveStyle marks the active tool.
	ActiveStyle = lipgloss.NewStyle().Foreground(GoldColor).Bold(true)
	// SuccessStyle marks ready and completed states.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	// WarnStyle marks caution notices.
	WarnStyle = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	// ErrorStyle marks failures.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	// MutedStyle marks secondary text.
	MutedStyle = lipgloss.NewStyle().Foreground(GrayColor)
)

// builtinAccents maps the built-in tools to their fixed accents.
var builtinAccents = map[string]lipgloss.TerminalColor{
	"claude": CoralColor,
	"codex":  TealColor,
	"gemini": SkyColor,
}

// customAccents rotate across config-defined tools.
var customAccents = []lipgloss.TerminalColor{VioletColor, RoseColor, GoldColor, GreenColor}

// ToolColor returns a stable accent for a tool name. Built-in tools keep
// their fixed accents; custom names hash onto the rotation.
func ToolColor(name string) lipgloss.TerminalColor {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if color, ok := builtinAccents[normalized]; ok {
		return color
	}
	if normalized == "" {
		return GrayColor
	}
	sum := 0
	for _, r := range normalized {
		sum += int(r)
	}
	return customAccents[sum%len(customAccents)]
}

// ToolStyle returns a bold style in the tool's accent.
func ToolStyle(name string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(ToolColor(name)).Bold(true)
}

var colorProfileFn = lipgloss.ColorProfile

func duetColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.TrueColor:
		// AdaptiveColor keeps light/dark terminal detection in TrueColor mode.
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	case termenv.ANSI256, termenv.ANSI:
		return lipgloss.CompleteAdaptiveColor{
			Light: lipgloss.CompleteColor{
				TrueColor: hex,
				ANSI256:   ansi256,
				ANSI:      ansi,
			},
			Dark: lipgloss.CompleteColor{
				TrueColor: hex,
				ANSI256:   ansi256,
				ANSI:      ansi,
			},
		}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
