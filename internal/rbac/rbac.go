// Package rbac decides which actor types may perform which actions.
package rbac

import "github.com/coderaugment/bonsai-app-sub000/internal/store"

type Role string
type Action string

const (
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

const (
	ActionRead           Action = "read"
	ActionComment        Action = "comment"
	ActionCreateTicket   Action = "create_ticket"
	ActionWriteDocument  Action = "write_document"
	ActionTransition     Action = "transition"
	ActionApprove        Action = "approve"
	ActionDeleteDocument Action = "delete_document"
	ActionAdmin          Action = "admin"
)

// Can reports whether role may perform action. Approval, deletion and
// administration stay with humans.
func Can(role Role, action Action) bool {
	switch role {
	case RoleHuman:
		return true
	case RoleAgent:
		return action == ActionRead || action == ActionComment || action == ActionWriteDocument || action == ActionTransition
	case RoleSystem:
		return action == ActionRead || action == ActionComment || action == ActionTransition
	default:
		return false
	}
}

// Normalize maps unknown actor types to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleHuman, RoleAgent, RoleSystem:
		return Role(role)
	default:
		return RoleSystem
	}
}

func ForActor(t store.ActorType) Role {
	return Normalize(string(t))
}
