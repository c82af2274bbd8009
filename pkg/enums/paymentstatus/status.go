package paymentstatus

import (
	"strings"
)

type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	if s.Name == "" {
		return ""
	}
	return strings.ToUpper(s.Name[:1]) + s.Name[1:]
}

// Terminal reports whether the status ends a payment attempt.
func (s Status) Terminal() bool {
	return s == Statuses.Succeeded || s == Statuses.Failed
}

type Enum struct {
	None      Status
	Pending   Status
	Succeeded Status
	Failed    Status
}

var Statuses = Enum{
	None:      Status{Name: "none"},
	Pending:   Status{Name: "pending"},
	Succeeded: Status{Name: "succeeded"},
	Failed:    Status{Name: "failed"},
}

var All = []Status{
	Statuses.None,
	Statuses.Pending,
	Statuses.Succeeded,
	Statuses.Failed,
}

// transitions lists every permitted status change. A tab that was settled
// reopens (succeeded -> none) when the next item is charged to it.
var transitions = map[string][]string{
	"none":      {"pending"},
	"pending":   {"succeeded", "failed"},
	"failed":    {"pending"},
	"succeeded": {"none"},
}

// ByName returns the status for a given name, or nil if not found
func ByName(name string) *Status {
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// Valid reports whether name is a known status code.
func Valid(name string) bool {
	return ByName(name) != nil
}

// CanTransition reports whether moving from one status code to another is
// allowed. Keeping the same status is not a transition.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
