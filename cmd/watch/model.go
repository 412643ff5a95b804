package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/paulgrammer/comicbatch/internal/broadcast"
	"github.com/paulgrammer/comicbatch/internal/progress"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
)

type envelopeMsg broadcast.Envelope

type disconnectedMsg struct{ err error }

// jobView is everything shown for one progress topic.
type jobView struct {
	tracker *progress.Tracker
	current progress.Snapshot
	last    *progress.JobDetail
}

type model struct {
	url   string
	bar   bar.Model
	jobs  map[string]*jobView
	err   error
	width int
}

func newModel(url string) model {
	return model{
		url:  url,
		bar:  bar.New(bar.WithDefaultGradient(), bar.WithoutPercentage()),
		jobs: make(map[string]*jobView),
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) job(name string) *jobView {
	v, ok := m.jobs[name]
	if !ok {
		v = &jobView{tracker: progress.NewTracker()}
		m.jobs[name] = v
	}
	return v
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(60, msg.Width-40))
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case disconnectedMsg:
		m.err = msg.err
		return m, tea.Quit
	case envelopeMsg:
		m.apply(broadcast.Envelope(msg))
		return m, nil
	}
	return m, nil
}

func (m model) apply(env broadcast.Envelope) {
	if env.Topic == progress.DetailTopic {
		var d progress.JobDetail
		if err := json.Unmarshal(env.Payload, &d); err != nil || !d.Status.Terminal() {
			return
		}
		m.job(d.JobName).last = &d
		return
	}
	name, ok := strings.CutPrefix(env.Topic, progress.Topic(""))
	if !ok {
		return
	}
	var s progress.Snapshot
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return
	}
	v := m.job(name)
	v.current = v.tracker.Apply(s)
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("comicbatch progress"))
	b.WriteString(" " + mutedStyle.Render(m.url) + "\n\n")

	names := make([]string, 0, len(m.jobs))
	for n := range m.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		b.WriteString(mutedStyle.Render("waiting for jobs...") + "\n")
	}
	for _, n := range names {
		b.WriteString(m.line(n, m.jobs[n]) + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("disconnected: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("q to quit") + "\n")
	return b.String()
}

func (m model) line(name string, v *jobView) string {
	s := v.current
	var frac float64
	if s.Total > 0 {
		frac = float64(s.Processed) / float64(s.Total)
	}
	status := mutedStyle.Render("idle")
	switch {
	case s.Active:
		status = activeStyle.Render("running " + s.StepName)
	case v.last != nil && v.last.ExitMessage != "":
		status = errorStyle.Render(string(v.last.Status) + ": " + v.last.ExitMessage)
	case v.last != nil:
		status = okStyle.Render(string(v.last.Status))
	}
	return fmt.Sprintf("%-10s %s %d/%d  %s", name, m.bar.ViewAs(frac), s.Processed, s.Total, status)
}
