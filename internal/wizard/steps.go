package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// InputStep collects one line of text, optionally validated.
type InputStep struct {
	id           string
	title        string
	description  string
	placeholder  string
	defaultValue string
	skipFunc     func(State) bool
	validate     func(string) error
}

// NewInputStep creates a text input step; the answer lands in state
// under the step id.
func NewInputStep(id, title string) *InputStep {
	return &InputStep{id: id, title: title}
}

// WithDescription sets the step description.
func (s *InputStep) WithDescription(desc string) *InputStep {
	s.description = desc
	return s
}

// WithPlaceholder sets the placeholder text.
func (s *InputStep) WithPlaceholder(placeholder string) *InputStep {
	s.placeholder = placeholder
	return s
}

// WithDefault sets the pre-filled value.
func (s *InputStep) WithDefault(val string) *InputStep {
	s.defaultValue = val
	return s
}

// WithValidate rejects answers the validator errors on; the step stays
// on screen with the error shown.
func (s *InputStep) WithValidate(fn func(string) error) *InputStep {
	s.validate = fn
	return s
}

// WithSkipFunc skips the step when fn returns true.
func (s *InputStep) WithSkipFunc(fn func(State) bool) *InputStep {
	s.skipFunc = fn
	return s
}

func (s *InputStep) ID() string          { return s.id }
func (s *InputStep) Title() string       { return s.title }
func (s *InputStep) Description() string { return s.description }

func (s *InputStep) Skip(state State) bool {
	if s.skipFunc != nil {
		return s.skipFunc(state)
	}
	return false
}

func (s *InputStep) Init(state State) tea.Model {
	ti := textinput.New()
	ti.Placeholder = s.placeholder
	ti.SetValue(s.defaultValue)
	ti.Focus()
	ti.Width = 50
	return &inputModel{textInput: ti, validate: s.validate}
}

func (s *InputStep) Result(model tea.Model, state State) {
	if m, ok := model.(*inputModel); ok {
		state[s.id] = strings.TrimSpace(m.textInput.Value())
	}
}

type inputModel struct {
	textInput textinput.Model
	validate  func(string) error
	err       error
}

func (m *inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		if m.validate != nil {
			if err := m.validate(strings.TrimSpace(m.textInput.Value())); err != nil {
				m.err = err
				return m, nil
			}
		}
		return m, completeStep()
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *inputModel) View() string {
	s := m.textInput.View() + "\n\n"
	if m.err != nil {
		s += errStyle.Render("Error: "+m.err.Error()) + "\n"
	}
	return s + hintStyle.Render("enter: confirm")
}

// ConfirmStep asks a yes/no question.
type ConfirmStep struct {
	id          string
	title       string
	description string
	defaultVal  bool
	skipFunc    func(State) bool
}

// NewConfirmStep creates a yes/no step defaulting to yes.
func NewConfirmStep(id, title string) *ConfirmStep {
	return &ConfirmStep{id: id, title: title, defaultVal: true}
}

// WithDescription sets the step description.
func (s *ConfirmStep) WithDescription(desc string) *ConfirmStep {
	s.description = desc
	return s
}

// WithDefault sets the default answer.
func (s *ConfirmStep) WithDefault(val bool) *ConfirmStep {
	s.defaultVal = val
	return s
}

// WithSkipFunc skips the step when fn returns true.
func (s *ConfirmStep) WithSkipFunc(fn func(State) bool) *ConfirmStep {
	s.skipFunc = fn
	return s
}

func (s *ConfirmStep) ID() string          { return s.id }
func (s *ConfirmStep) Title() string       { return s.title }
func (s *ConfirmStep) Description() string { return s.description }

func (s *ConfirmStep) Skip(state State) bool {
	if s.skipFunc != nil {
		return s.skipFunc(state)
	}
	return false
}

func (s *ConfirmStep) Init(state State) tea.Model {
	return &confirmModel{value: s.defaultVal}
}

func (s *ConfirmStep) Result(model tea.Model, state State) {
	if m, ok := model.(*confirmModel); ok {
		state[s.id] = m.value
	}
}

type confirmModel struct {
	value bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.value = true
		return m, completeStep()
	case "n", "N":
		m.value = false
		return m, completeStep()
	case "enter":
		return m, completeStep()
	case "left", "h":
		m.value = true
	case "right", "l":
		m.value = false
	}
	return m, nil
}

func (m *confirmModel) View() string {
	yes, no := hintStyle.Render(" Yes "), cursorStyle.Bold(true).Render("[No]")
	if m.value {
		yes, no = cursorStyle.Bold(true).Render("[Yes]"), hintStyle.Render(" No ")
	}
	return fmt.Sprintf("%s / %s\n\n%s", yes, no,
		hintStyle.Render("y/n: select • ←/→: toggle • enter: confirm"))
}

// SelectOption is one entry in a SelectStep.
type SelectOption struct {
	Value       string
	Label       string
	Description string
}

// SelectStep picks one option from a list.
type SelectStep struct {
	id          string
	title       string
	description string
	options     []SelectOption
	skipFunc    func(State) bool
}

// NewSelectStep creates a single-choice step.
func NewSelectStep(id, title string, options []SelectOption) *SelectStep {
	return &SelectStep{id: id, title: title, options: options}
}

// WithDescription sets the step description.
func (s *SelectStep) WithDescription(desc string) *SelectStep {
	s.description = desc
	return s
}

// WithSkipFunc skips the step when fn returns true.
func (s *SelectStep) WithSkipFunc(fn func(State) bool) *SelectStep {
	s.skipFunc = fn
	return s
}

func (s *SelectStep) ID() string          { return s.id }
func (s *SelectStep) Title() string       { return s.title }
func (s *SelectStep) Description() string { return s.description }

func (s *SelectStep) Skip(state State) bool {
	if s.skipFunc != nil {
		return s.skipFunc(state)
	}
	return false
}

func (s *SelectStep) Init(state State) tea.Model {
	return &selectModel{options: s.options, selected: -1}
}

func (s *SelectStep) Result(model tea.Model, state State) {
	if m, ok := model.(*selectModel); ok && m.selected >= 0 {
		state[s.id] = m.options[m.selected].Value
	}
}

type selectModel struct {
	options  []SelectOption
	cursor   int
	selected int
}

func (m *selectModel) Init() tea.Cmd { return nil }

func (m *selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.options)-1 {
			m.cursor++
		}
	case "enter", " ":
		m.selected = m.cursor
		return m, completeStep()
	}
	return m, nil
}

func (m *selectModel) View() string {
	var b strings.Builder
	for i, opt := range m.options {
		line := "  " + opt.Label
		if i == m.cursor {
			line = "> " + opt.Label
		}
		if opt.Description != "" {
			line += " - " + hintStyle.Render(opt.Description)
		}
		if i == m.cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + hintStyle.Render("↑/↓: navigate • enter: select"))
	return b.String()
}

// DisplayStep shows content without collecting an answer.
type DisplayStep struct {
	id          string
	title       string
	description string
	content     func(State) string
	skipFunc    func(State) bool
}

// NewDisplayStep creates an informational step; content renders from
// the answers collected so far.
func NewDisplayStep(id, title string, content func(State) string) *DisplayStep {
	return &DisplayStep{id: id, title: title, content: content}
}

// WithDescription sets the step description.
func (s *DisplayStep) WithDescription(desc string) *DisplayStep {
	s.description = desc
	return s
}

// WithSkipFunc skips the step when fn returns true.
func (s *DisplayStep) WithSkipFunc(fn func(State) bool) *DisplayStep {
	s.skipFunc = fn
	return s
}

func (s *DisplayStep) ID() string          { return s.id }
func (s *DisplayStep) Title() string       { return s.title }
func (s *DisplayStep) Description() string { return s.description }

func (s *DisplayStep) Skip(state State) bool {
	if s.skipFunc != nil {
		return s.skipFunc(state)
	}
	return false
}

func (s *DisplayStep) Init(state State) tea.Model {
	return &displayModel{content: s.content(state)}
}

func (s *DisplayStep) Result(tea.Model, State) {}

type displayModel struct {
	content string
}

func (m *displayModel) Init() tea.Cmd { return nil }

func (m *displayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter", " ":
			return m, completeStep()
		}
	}
	return m, nil
}

func (m *displayModel) View() string {
	return m.content + "\n\n" + hintStyle.Render("enter: continue")
}
