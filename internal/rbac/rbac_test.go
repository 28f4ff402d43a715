package rbac

import (
	"testing"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "human approve", role: RoleHuman, action: ActionApprove, allow: true},
		{name: "human admin", role: RoleHuman, action: ActionAdmin, allow: true},
		{name: "agent write document", role: RoleAgent, action: ActionWriteDocument, allow: true},
		{name: "agent transition", role: RoleAgent, action: ActionTransition, allow: true},
		{name: "agent approve", role: RoleAgent, action: ActionApprove, allow: false},
		{name: "agent delete document", role: RoleAgent, action: ActionDeleteDocument, allow: false},
		{name: "agent create ticket", role: RoleAgent, action: ActionCreateTicket, allow: false},
		{name: "system comment", role: RoleSystem, action: ActionComment, allow: true},
		{name: "system write document", role: RoleSystem, action: ActionWriteDocument, allow: false},
		{name: "system admin", role: RoleSystem, action: ActionAdmin, allow: false},
		{name: "unknown read", role: Role("robot"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestForActor(t *testing.T) {
	if ForActor(store.ActorHuman) != RoleHuman {
		t.Fatal("human maps to human")
	}
	if ForActor(store.ActorType("root")) != RoleSystem {
		t.Fatal("unknown actor types get the least privileged role")
	}
}
