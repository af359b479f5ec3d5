package status

import (
	"log/slog"
	"sync"
)

// Presenter applies status values to UI state.
// Implementations must be safe for concurrent use.
type Presenter interface {
	SetLabel(text string)
	SetActiveButton(id string)
	ClearActiveButtons()
	SetInvalidMarker(on bool)
}

// Shower is implemented by presenters that apply a whole status atomically.
// Apply prefers it over the individual setters.
type Shower interface {
	Show(s Status)
}

// Apply renders s through p.
//
// Off, Serving and Consuming set their label, leave exactly one button active
// and clear the invalid marker. Invalid sets the error label and the invalid
// marker, and leaves no button active.
func Apply(p Presenter, s Status) {
	if p == nil {
		return
	}
	if sh, ok := p.(Shower); ok {
		sh.Show(s)
		return
	}
	applyEach(p, s)
}

func applyEach(p Presenter, s Status) {
	if !s.Valid() {
		p.SetLabel(InvalidLabel)
		p.SetInvalidMarker(true)
		p.ClearActiveButtons()
		return
	}
	p.SetLabel(s.Label())
	p.ClearActiveButtons()
	p.SetActiveButton(s.ButtonID())
	p.SetInvalidMarker(false)
}

// View is a snapshot of presenter state.
type View struct {
	Label        string `json:"label"`
	ActiveButton string `json:"active_button"`
	Invalid      bool   `json:"invalid"`
}

// Status derives the status currently displayed by v.
func (v View) Status() Status {
	if v.Invalid {
		return Invalid
	}
	s, err := Parse(v.ActiveButton)
	if err != nil {
		return Invalid
	}
	return s
}

// Board keeps the displayed state in memory. It is what the HTTP API reads.
type Board struct {
	mu      sync.RWMutex
	label   string
	active  string
	invalid bool
}

func NewBoard() *Board { return &Board{} }

func (b *Board) SetLabel(text string) {
	b.mu.Lock()
	b.label = text
	b.mu.Unlock()
}

// SetActiveButton marks id active. Only one button is active at a time.
func (b *Board) SetActiveButton(id string) {
	b.mu.Lock()
	b.active = id
	b.mu.Unlock()
}

func (b *Board) ClearActiveButtons() {
	b.mu.Lock()
	b.active = ""
	b.mu.Unlock()
}

func (b *Board) SetInvalidMarker(on bool) {
	b.mu.Lock()
	b.invalid = on
	b.mu.Unlock()
}

// Show replaces the whole displayed state under one lock, so a concurrent
// Snapshot never sees a half applied status.
func (b *Board) Show(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.Valid() {
		b.label, b.active, b.invalid = InvalidLabel, "", true
		return
	}
	b.label, b.active, b.invalid = s.Label(), s.ButtonID(), false
}

// Snapshot returns a copy of the displayed state.
func (b *Board) Snapshot() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return View{Label: b.label, ActiveButton: b.active, Invalid: b.invalid}
}

// LogPresenter logs label and marker changes.
type LogPresenter struct {
	Logger *slog.Logger
}

func (l LogPresenter) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l LogPresenter) SetLabel(text string)      { l.log().Info("node status", "label", text) }
func (l LogPresenter) SetActiveButton(id string) { l.log().Debug("status button active", "id", id) }
func (l LogPresenter) ClearActiveButtons()       {}
func (l LogPresenter) SetInvalidMarker(on bool) {
	if on {
		l.log().Warn("node status invalid: DNS is subverted but no node is running")
	}
}

// Multi fans every call out to each presenter in order.
type Multi []Presenter

// Show applies s to each presenter, letting each one use its own Show.
func (m Multi) Show(s Status) {
	for _, p := range m {
		Apply(p, s)
	}
}

func (m Multi) SetLabel(text string) {
	for _, p := range m {
		p.SetLabel(text)
	}
}

func (m Multi) SetActiveButton(id string) {
	for _, p := range m {
		p.SetActiveButton(id)
	}
}

func (m Multi) ClearActiveButtons() {
	for _, p := range m {
		p.ClearActiveButtons()
	}
}

func (m Multi) SetInvalidMarker(on bool) {
	for _, p := range m {
		p.SetInvalidMarker(on)
	}
}
