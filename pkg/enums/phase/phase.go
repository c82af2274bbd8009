package phase

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var title = cases.Title(language.English)

type Phase struct {
	Name string
}

func (p Phase) Code() string {
	return p.Name
}

// Label renders the code for display, e.g. "order_taking" -> "Order Taking".
func (p Phase) Label() string {
	return title.String(strings.ReplaceAll(p.Name, "_", " "))
}

type Enum struct {
	Greeting      Phase
	OrderTaking   Phase
	SmallTalk     Phase
	ReorderPrompt Phase
}

var Phases = Enum{
	Greeting:      Phase{Name: "greeting"},
	OrderTaking:   Phase{Name: "order_taking"},
	SmallTalk:     Phase{Name: "small_talk"},
	ReorderPrompt: Phase{Name: "reorder_prompt"},
}

var All = []Phase{
	Phases.Greeting,
	Phases.OrderTaking,
	Phases.SmallTalk,
	Phases.ReorderPrompt,
}

// ByName returns the phase for a given name, or nil if not found
func ByName(name string) *Phase {
	for _, p := range All {
		if p.Name == name {
			return &p
		}
	}
	return nil
}

// Valid reports whether name is a known phase code.
func Valid(name string) bool {
	return ByName(name) != nil
}
