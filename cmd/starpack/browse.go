package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/starpack/starpack/archive"
	"github.com/starpack/starpack/index"
	"github.com/starpack/starpack/interp"
	"github.com/starpack/starpack/respack"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	kindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func cmdBrowse(args []string) error {
	fs := flag.NewFlagSet("browse", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: starpack browse <archive>")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("browse needs an interactive terminal; use 'starpack list' instead")
	}

	p := tea.NewProgram(newBrowseModel(fs.Arg(0)), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type browseModel struct {
	path    string
	loadErr error

	records []*respack.Record
	backend archive.Backend
	in      *interp.Interp

	filter   textinput.Model
	visible  []int
	selected int

	detail     string
	imported   string
	importName string
	importErr  error
	state      browseState
}

type browseState int

const (
	stateSelectRecord browseState = iota
	stateShowDetail
	stateShowImport
)

func newBrowseModel(path string) *browseModel {
	filter := textinput.New()
	filter.Placeholder = "filter"
	filter.Prompt = "/ "
	filter.Width = 30
	return &browseModel{path: path, filter: filter}
}

type archiveLoadedMsg struct {
	err     error
	records []*respack.Record
	backend archive.Backend
	in      *interp.Interp
}

type importDoneMsg struct {
	err      error
	name     string
	rendered string
}

func (m *browseModel) Init() tea.Cmd {
	return m.loadArchive
}

// loadArchive opens the file once and shares the backend between the
// record listing and the interpreter that serves imports.
func (m *browseModel) loadArchive() tea.Msg {
	records, backend, _, err := openArchive(m.path)
	if err != nil {
		return archiveLoadedMsg{err: err}
	}
	ix, err := index.Build(records)
	if err != nil {
		backend.Close()
		return archiveLoadedMsg{err: err}
	}
	in, err := interp.Start(interp.Config{
		Archives:         []interp.Archive{{Label: m.path, Index: ix, Backend: backend}},
		EnableExtensions: true,
	})
	if err != nil {
		backend.Close()
		return archiveLoadedMsg{err: err}
	}
	return archiveLoadedMsg{records: records, backend: backend, in: in}
}

func (m *browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filter.Focused() {
			return m.updateFilter(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			m.closeAll()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectRecord && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectRecord && m.selected < len(m.visible)-1 {
				m.selected++
			}

		case "/":
			if m.state == stateSelectRecord {
				m.filter.Focus()
				return m, textinput.Blink
			}

		case "enter":
			if m.state == stateSelectRecord {
				if rec := m.current(); rec != nil {
					m.detail = m.renderDetail(rec)
					m.state = stateShowDetail
				}
			}

		case "i":
			if m.state == stateSelectRecord || m.state == stateShowDetail {
				if rec := m.current(); rec != nil {
					return m, m.importRecord(rec.Name)
				}
			}

		case "esc":
			switch m.state {
			case stateShowDetail, stateShowImport:
				m.state = stateSelectRecord
				m.detail = ""
				m.imported = ""
				m.importErr = nil
			}
		}

	case archiveLoadedMsg:
		if msg.err != nil {
			m.loadErr = msg.err
			return m, nil
		}
		m.records = msg.records
		m.backend = msg.backend
		m.in = msg.in
		m.applyFilter()

	case importDoneMsg:
		m.imported = msg.rendered
		m.importName = msg.name
		m.importErr = msg.err
		m.state = stateShowImport
	}

	return m, nil
}

func (m *browseModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.closeAll()
		return m, tea.Quit
	case "enter":
		m.filter.Blur()
		return m, nil
	case "esc":
		m.filter.SetValue("")
		m.filter.Blur()
		m.applyFilter()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

// applyFilter recomputes which records are visible and keeps the
// selection inside the filtered list.
func (m *browseModel) applyFilter() {
	needle := strings.ToLower(m.filter.Value())
	m.visible = m.visible[:0]
	for i, rec := range m.records {
		if needle == "" || strings.Contains(strings.ToLower(rec.Name), needle) {
			m.visible = append(m.visible, i)
		}
	}
	if m.selected >= len(m.visible) {
		m.selected = len(m.visible) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *browseModel) current() *respack.Record {
	if m.selected >= len(m.visible) {
		return nil
	}
	return m.records[m.visible[m.selected]]
}

func (m *browseModel) closeAll() {
	if m.in != nil {
		m.in.Close()
	}
	if m.backend != nil {
		m.backend.Close()
	}
}

func (m *browseModel) importRecord(name string) tea.Cmd {
	return func() tea.Msg {
		globals, err := m.in.Import(name)
		if err != nil {
			return importDoneMsg{name: name, err: err}
		}
		names := make([]string, 0, len(globals))
		for n := range globals {
			names = append(names, n)
		}
		sort.Strings(names)

		var b strings.Builder
		if len(names) == 0 {
			b.WriteString("(no globals)")
		}
		for _, n := range names {
			b.WriteString(nameStyle.Render(n))
			b.WriteString(" = ")
			b.WriteString(truncate(globals[n].String(), 100))
			b.WriteString("\n")
		}
		return importDoneMsg{name: name, rendered: b.String()}
	}
}

// renderDetail fetches every payload of the record so the sizes shown
// are what the archive actually serves.
func (m *browseModel) renderDetail(rec *respack.Record) string {
	var b strings.Builder
	b.WriteString(nameStyle.Render(rec.Name))
	b.WriteString(" ")
	b.WriteString(kindStyle.Render(recordKind(rec)))
	b.WriteString("\n\n")

	line := func(label string, data []byte, err error) {
		if err != nil {
			b.WriteString(fmt.Sprintf("  %-14s %s\n", label, errorStyle.Render(err.Error())))
			return
		}
		b.WriteString(fmt.Sprintf("  %-14s %d bytes\n", label, len(data)))
	}

	if rec.Builtin {
		b.WriteString("  provided by the host as a builtin\n")
	}
	if rec.Frozen {
		b.WriteString("  frozen into the host binary\n")
	}
	if rec.Source != nil {
		data, err := m.backend.Source(rec)
		line("source", data, err)
	}
	if rec.Bytecode != nil {
		data, err := m.backend.Bytecode(rec)
		label := "bytecode"
		if rec.BytecodeTag != 0 {
			label = fmt.Sprintf("bytecode(tag=%d)", rec.BytecodeTag)
		}
		line(label, data, err)
	}
	if rec.Extension != nil {
		data, err := m.backend.Extension(rec)
		line("extension", data, err)
	}
	names := make([]string, 0, len(rec.Resources))
	for name := range rec.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := m.backend.Resource(rec, name)
		line(name, data, err)
	}

	if rec.DistMetadata != nil {
		data, err := m.backend.Metadata(rec)
		if err != nil {
			line("metadata", nil, err)
		} else {
			b.WriteString("\n")
			lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(lines) > 6 {
				lines = lines[:6]
			}
			for _, l := range lines {
				b.WriteString("  " + kindStyle.Render(l) + "\n")
			}
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (m *browseModel) View() string {
	if m.loadErr != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.loadErr))
	}
	if m.backend == nil {
		return "Loading archive..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Starpack Browser"))
	b.WriteString(" ")
	b.WriteString(m.path)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectRecord:
		if m.filter.Focused() || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n\n")
		}
		if len(m.visible) == 0 {
			b.WriteString(helpStyle.Render("no records match"))
			b.WriteString("\n")
		}
		for pos, i := range m.visible {
			rec := m.records[i]
			row := m.formatRecord(rec)
			if pos == m.selected {
				b.WriteString(selectedStyle.Render("> " + row))
			} else {
				b.WriteString("  " + row)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter details • i import • / filter • q quit"))

	case stateShowDetail:
		b.WriteString(m.detail)
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("i import • esc back • q quit"))

	case stateShowImport:
		b.WriteString(fmt.Sprintf("Globals of %s:\n\n", nameStyle.Render(m.importName)))
		if m.importErr != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.importErr)))
		} else {
			b.WriteString(resultStyle.Render(m.imported))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc back • q quit"))
	}

	return b.String()
}

func (m *browseModel) formatRecord(rec *respack.Record) string {
	return nameStyle.Render(rec.Name) + " " +
		kindStyle.Render(recordKind(rec)) + " " +
		strings.Join(payloadTokens(rec), " ")
}
