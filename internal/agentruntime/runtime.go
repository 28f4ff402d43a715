// Package agentruntime talks to the external agent runtime that performs
// work on tickets. The coordinator only notifies it; all agent behavior lives
// on the other side of this interface.
package agentruntime

import (
	"context"
	"errors"
)

type TargetKind string

const (
	TargetNone    TargetKind = "none"
	TargetPersona TargetKind = "persona"
	TargetRole    TargetKind = "role"
	TargetTeam    TargetKind = "team"
)

// Target is the resolved recipient of a dispatch.
type Target struct {
	Kind      TargetKind `json:"kind"`
	PersonaID string     `json:"personaId,omitempty"`
	Name      string     `json:"name,omitempty"`
	Role      string     `json:"role,omitempty"`
}

func (t Target) String() string {
	switch t.Kind {
	case TargetPersona:
		return "persona:" + t.Name
	case TargetRole:
		return "role:" + t.Role
	case TargetTeam:
		return "team"
	default:
		return "unassigned"
	}
}

type Request struct {
	TicketID       string `json:"ticketId"`
	DocumentID     string `json:"documentId,omitempty"`
	Text           string `json:"text"`
	Target         Target `json:"target"`
	Conversational bool   `json:"conversational"`
}

// Response is empty when the runtime accepted the work without naming a
// responder.
type Response struct {
	AcceptedPersona  string `json:"acceptedPersona,omitempty"`
	RejectedCooldown bool   `json:"rejectedCooldown,omitempty"`
}

type Runtime interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// ErrUnavailable reports a runtime that could not be reached or answered
// with a server error.
var ErrUnavailable = errors.New("agentruntime: unavailable")

// Noop accepts every dispatch without naming a persona. Used when no runtime
// is configured.
type Noop struct{}

func (Noop) Dispatch(context.Context, Request) (Response, error) {
	return Response{}, nil
}
