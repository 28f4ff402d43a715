// Package workflow owns the ticket state machine. Evaluate is a pure
// function of the current state, the requested target and the ticket's
// documents; persisting the result is the caller's job.
package workflow

import (
	"errors"
	"fmt"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

type State string

const (
	Backlog      State = "backlog"
	Research     State = "research"
	PlanApproval State = "plan_approval"
	InProgress   State = "in_progress"
	Verification State = "verification"
	Done         State = "done"
)

// States lists every state in board order.
var States = []State{Backlog, Research, PlanApproval, InProgress, Verification, Done}

// Initial is the state new tickets start in.
const Initial = Backlog

func ParseState(value string) (State, error) {
	for _, s := range States {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, value)
}

func (s State) Terminal() bool {
	return s == Done
}

// Gate names an approval requirement on a transition.
type Gate struct {
	Name     string
	Document store.DocumentType
}

var (
	ResearchGate = &Gate{Name: "research", Document: store.DocumentResearch}
	PlanGate     = &Gate{Name: "plan", Document: store.DocumentImplementationPlan}
)

// Transition is one edge of the state machine. Gate is nil when the edge is
// always allowed. Ships marks the edge that hands the ticket to the ship
// collaborator.
type Transition struct {
	From  State
	To    State
	Gate  *Gate
	Ships bool
}

var transitions = []Transition{
	{From: Backlog, To: Research},
	{From: Research, To: PlanApproval, Gate: ResearchGate},
	{From: Research, To: Backlog},
	{From: PlanApproval, To: InProgress, Gate: PlanGate},
	{From: PlanApproval, To: Research},
	{From: InProgress, To: Verification},
	{From: InProgress, To: Research},
	{From: Verification, To: Done, Ships: true},
	{From: Verification, To: InProgress},
}

var table = buildTable(transitions)

func buildTable(edges []Transition) map[State]map[State]Transition {
	out := make(map[State]map[State]Transition, len(States))
	for _, edge := range edges {
		if out[edge.From] == nil {
			out[edge.From] = make(map[State]Transition)
		}
		out[edge.From][edge.To] = edge
	}
	return out
}

var (
	ErrTerminalState = errors.New("workflow: ticket is in a terminal state")
	ErrUnknownState  = errors.New("workflow: unknown state")
)

// GateNotSatisfiedError rejects a forward transition whose required
// document is missing or its latest version is unapproved.
type GateNotSatisfiedError struct {
	Gate     string
	Document store.DocumentType
}

func (e *GateNotSatisfiedError) Error() string {
	return fmt.Sprintf("workflow: gate %q not satisfied: latest %s document must be approved", e.Gate, e.Document)
}

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: no transition from %s to %s", e.From, e.To)
}

// Next lists the states reachable from s, in table order.
func Next(s State) []Transition {
	var out []Transition
	for _, edge := range transitions {
		if edge.From == s {
			out = append(out, edge)
		}
	}
	return out
}

// Evaluate checks whether a ticket in current may move to target given its
// documents (any versions, any types). On success it returns the edge taken.
func Evaluate(current, target State, documents []store.Document) (Transition, error) {
	if _, err := ParseState(string(current)); err != nil {
		return Transition{}, err
	}
	if _, err := ParseState(string(target)); err != nil {
		return Transition{}, err
	}
	if current.Terminal() {
		return Transition{}, ErrTerminalState
	}
	edge, ok := table[current][target]
	if !ok {
		return Transition{}, &InvalidTransitionError{From: current, To: target}
	}
	if edge.Gate != nil && !LatestApproved(documents, edge.Gate.Document) {
		return Transition{}, &GateNotSatisfiedError{Gate: edge.Gate.Name, Document: edge.Gate.Document}
	}
	return edge, nil
}

// LatestApproved reports whether the highest version of docType among
// documents exists and is approved.
func LatestApproved(documents []store.Document, docType store.DocumentType) bool {
	var latest *store.Document
	for i := range documents {
		doc := &documents[i]
		if doc.Type != docType {
			continue
		}
		if latest == nil || doc.Version > latest.Version {
			latest = doc
		}
	}
	return latest != nil && latest.Approved
}
