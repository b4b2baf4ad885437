package wizard

import (
	"encoding/json"
	"fmt"
)

// Screen kinds.
const (
	KindInstruction = "instruction"
	KindList        = "list"
	KindInput       = "input"
)

// Input is one field of an input screen.
type Input struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Screen is one page of the wizard delivered to the operator.
type Screen struct {
	Kind           string
	Title          string
	Detail         string
	ShowNextButton bool
	Items          []string // list screens
	Inputs         []Input  // input screens
}

func instruction(title, detail string) *Screen {
	return &Screen{Kind: KindInstruction, Title: title, Detail: detail, ShowNextButton: true}
}

func list(title string, items []string) *Screen {
	return &Screen{Kind: KindList, Title: title, Items: items}
}

func input(title string, inputs []Input) *Screen {
	return &Screen{Kind: KindInput, Title: title, Inputs: inputs}
}

type wireScreen struct {
	Type           string          `json:"type"`
	Interface      string          `json:"interface"`
	Title          string          `json:"title"`
	Detail         string          `json:"detail,omitempty"`
	ShowNextButton bool            `json:"showNextButton,omitempty"`
	Items          json.RawMessage `json:"items,omitempty"`
}

// MarshalJSON encodes the screen in the interactive channel format:
// {"type":"Interface","interface":"list","title":...,"items":[...]}.
func (s Screen) MarshalJSON() ([]byte, error) {
	w := wireScreen{
		Type:           "Interface",
		Interface:      s.Kind,
		Title:          s.Title,
		Detail:         s.Detail,
		ShowNextButton: s.ShowNextButton,
	}
	var items any
	switch s.Kind {
	case KindList:
		items = s.Items
	case KindInput:
		items = s.Inputs
	}
	if items != nil {
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		w.Items = raw
	}
	return json.Marshal(w)
}

func (s *Screen) UnmarshalJSON(data []byte) error {
	var w wireScreen
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Screen{Kind: w.Interface, Title: w.Title, Detail: w.Detail, ShowNextButton: w.ShowNextButton}
	if len(w.Items) == 0 {
		return nil
	}
	switch w.Interface {
	case KindList:
		return json.Unmarshal(w.Items, &s.Items)
	case KindInput:
		return json.Unmarshal(w.Items, &s.Inputs)
	default:
		return fmt.Errorf("unexpected items on %q screen", w.Interface)
	}
}

// Request types.
const (
	RequestTerminate = "Terminate"
)

// Request carries the operator's answer to the previous screen.
type Request struct {
	Type     string   `json:"type,omitempty"`
	Response Response `json:"response"`
}

// Response holds list selections and input values.
type Response struct {
	Selections []int             `json:"selections,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// selection returns the first selected index if it is within [0, n).
func (r Request) selection(n int) (int, bool) {
	if len(r.Response.Selections) == 0 {
		return 0, false
	}
	i := r.Response.Selections[0]
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func (r Request) input(id string) string {
	return r.Response.Inputs[id]
}
