// Copyright (c) 2025 Neomantra Corp

package tui

import "github.com/charmbracelet/lipgloss"

var (
	// TradeForge Color Palette
	colorDarkTeal  = lipgloss.Color("#0F3B4C")
	colorLightTeal = lipgloss.Color("#2A7F8E")
	colorRed       = lipgloss.Color("#E24F36")
	colorGreen     = lipgloss.Color("#5FA776")
	colorYellow    = lipgloss.Color("#FBF4A5")
	colorWhite     = lipgloss.Color("#FFFFFF")

	forgeBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true).
				BorderForeground(colorLightTeal).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow).
			Background(colorDarkTeal).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(colorLightTeal)
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	gainStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	lossStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	dimStyle   = lipgloss.NewStyle().Faint(true)
)
