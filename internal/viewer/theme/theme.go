// Package theme provides the Lip Gloss palette and reusable styles for the
// overlay viewer. It is a leaf package with no internal imports besides the
// message model.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/native-helper/helper/internal/overlay"
)

// Message kind colors.
var (
	ColorStatus     = lipgloss.Color("#3b82f6")
	ColorAnswer     = lipgloss.Color("#22c55e")
	ColorTranscript = lipgloss.Color("#e5e7eb")
	ColorError      = lipgloss.Color("#dc2626")
	ColorDefault    = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorAccent  = lipgloss.Color("#7c3aed")
)

// KindColor returns the color for a message kind. Unknown kinds are dimmed.
func KindColor(kind overlay.Kind) lipgloss.Color {
	switch kind {
	case overlay.KindStatus:
		return ColorStatus
	case overlay.KindAnswer:
		return ColorAnswer
	case overlay.KindTranscript:
		return ColorTranscript
	case overlay.KindError:
		return ColorError
	default:
		return ColorDefault
	}
}

// KindBadge returns a fixed-width colored label for a message kind.
func KindBadge(kind overlay.Kind) string {
	label := string(kind)
	if len(label) > 10 {
		label = label[:10]
	}
	return lipgloss.NewStyle().
		Foreground(KindColor(kind)).
		Bold(true).
		Width(11).
		Render(label)
}

// HealthColor maps capture health and session states to a color.
func HealthColor(state string) lipgloss.Color {
	switch state {
	case "healthy", "active":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "failed":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)
)
