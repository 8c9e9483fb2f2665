// Copyright (c) 2025 Neomantra Corp

// Package tui is the live run-progress dashboard for backtest-run: an
// alternate-screen view of the hot loop's per-bar progress events with
// equity, trade count, and stop classification.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/engine"
)

// Config names the run the dashboard is observing.
type Config struct {
	PlayName string
	Symbol   string
	ExecTF   string
}

// Run consumes progress events until the channel closes, rendering the
// dashboard. The feeding side is the engine's Progress callback; Feed
// adapts the callback to the channel.
func Run(config Config, events <-chan engine.ProgressEvent) error {
	model := newRunModel(config)
	p := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		for ev := range events {
			p.Send(progressMsg(ev))
		}
		p.Send(runDoneMsg{})
	}()
	_, err := p.Run()
	return err
}

// Feed returns an engine.Progress callback feeding ch, plus a close
// function to call when the run finishes. The send never blocks: when the
// dashboard stops draining (user quit early), events are dropped so the
// hot loop keeps running.
func Feed(ch chan engine.ProgressEvent) (func(engine.ProgressEvent), func()) {
	send := func(ev engine.ProgressEvent) {
		select {
		case ch <- ev:
		default:
		}
	}
	return send, func() { close(ch) }
}

//////////////////////////////////////////////////////////////////////////////

type progressMsg engine.ProgressEvent

type runDoneMsg struct{}

type runModel struct {
	config   Config
	progress progress.Model

	last        engine.ProgressEvent
	startEquity float64
	haveStart   bool
	done        bool

	width  int
	height int
}

func newRunModel(config Config) runModel {
	return runModel{
		config:   config,
		progress: progress.New(progress.WithDefaultGradient()),
		width:    60,
		height:   20,
	}
}

func (m runModel) Init() tea.Cmd {
	return nil
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 12
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case progressMsg:
		m.last = engine.ProgressEvent(msg)
		if !m.haveStart && !m.last.Warmup {
			m.startEquity = m.last.Equity
			m.haveStart = true
		}
		return m, nil
	case runDoneMsg:
		m.done = true
		return m, nil
	}
	return m, nil
}

func (m runModel) View() string {
	var b strings.Builder

	title := fmt.Sprintf(" %s · %s · %s ", m.config.PlayName, m.config.Symbol, m.config.ExecTF)
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")

	pct := 0.0
	if m.last.TotalBars > 0 {
		pct = float64(m.last.BarIndex+1) / float64(m.last.TotalBars)
	}
	b.WriteString(m.progress.ViewAs(pct))
	b.WriteString(fmt.Sprintf(" %d/%d\n\n", m.last.BarIndex+1, m.last.TotalBars))

	equityStyle := valueStyle
	if m.haveStart {
		if m.last.Equity >= m.startEquity {
			equityStyle = gainStyle
		} else {
			equityStyle = lossStyle
		}
	}

	rows := []string{
		labelStyle.Render("bar close  ") + valueStyle.Render(barCloseString(m.last.TsCloseMs)),
		labelStyle.Render("equity     ") + equityStyle.Render(humanize.CommafWithDigits(m.last.Equity, 2)+" USDT"),
		labelStyle.Render("trades     ") + valueStyle.Render(humanize.Comma(int64(m.last.Trades))),
		labelStyle.Render("state      ") + stateString(m.last),
	}
	b.WriteString(forgeBorderStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if m.done {
		b.WriteString("\n" + valueStyle.Render("run complete") + dimStyle.Render("  press q to exit"))
	} else {
		b.WriteString("\n" + dimStyle.Render("press q to abandon the dashboard (the run continues)"))
	}
	return lipgloss.NewStyle().MaxWidth(m.width).Render(b.String())
}

func barCloseString(tsMs int64) string {
	if tsMs == 0 {
		return "-"
	}
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02 15:04")
}

func stateString(ev engine.ProgressEvent) string {
	if ev.Warmup {
		return dimStyle.Render("warming up")
	}
	switch ev.State {
	case backtest.RunStarved:
		return lossStyle.Render("starved (entries disabled)")
	case backtest.RunTerminallyStopped:
		return lossStyle.Render("terminally stopped")
	default:
		return gainStyle.Render("running")
	}
}
