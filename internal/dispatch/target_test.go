package dispatch

import (
	"strings"
	"testing"

	"github.com/coderaugment/bonsai-app-sub000/internal/agentruntime"
)

var testPersonas = []Persona{
	{ID: "per_alex", Name: "Alex", Role: "developer"},
	{ID: "per_alexandra", Name: "Alexandra", Role: "researcher"},
	{ID: "per_mo", Name: "Mo Chen", Role: "designer"},
}

var testRoles = []string{"developer", "researcher", "designer", "security", "team-lead"}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		name string
		text string
		want agentruntime.Target
	}{
		{
			name: "longest persona wins",
			text: "@Alexandra please take this",
			want: agentruntime.Target{Kind: agentruntime.TargetPersona, PersonaID: "per_alexandra", Name: "Alexandra", Role: "researcher"},
		},
		{
			name: "shorter name still matches alone",
			text: "thoughts, @alex?",
			want: agentruntime.Target{Kind: agentruntime.TargetPersona, PersonaID: "per_alex", Name: "Alex", Role: "developer"},
		},
		{
			name: "longer mention later in text wins",
			text: "@Alex wrote this\n\n---\n\n@Alexandra can you review",
			want: agentruntime.Target{Kind: agentruntime.TargetPersona, PersonaID: "per_alexandra", Name: "Alexandra", Role: "researcher"},
		},
		{
			name: "name needs a word boundary",
			text: "@Alexis is not a persona",
			want: agentruntime.Target{Kind: agentruntime.TargetNone},
		},
		{
			name: "multi word name",
			text: "ping @mo chen about the mockups",
			want: agentruntime.Target{Kind: agentruntime.TargetPersona, PersonaID: "per_mo", Name: "Mo Chen", Role: "designer"},
		},
		{
			name: "team beats persona",
			text: "@Alexandra and @team, status?",
			want: agentruntime.Target{Kind: agentruntime.TargetTeam},
		},
		{
			name: "team is case insensitive",
			text: "@TEAM standup",
			want: agentruntime.Target{Kind: agentruntime.TargetTeam},
		},
		{
			name: "teammate is not team",
			text: "@teammate hello",
			want: agentruntime.Target{Kind: agentruntime.TargetNone},
		},
		{
			name: "role extending team is not team",
			text: "@team-lead please triage",
			want: agentruntime.Target{Kind: agentruntime.TargetRole, Role: "team-lead"},
		},
		{
			name: "team elsewhere still wins over team-lead",
			text: "@team-lead and @team, thoughts?",
			want: agentruntime.Target{Kind: agentruntime.TargetTeam},
		},
		{
			name: "unknown hyphenated team mention is team",
			text: "@team-wide sync",
			want: agentruntime.Target{Kind: agentruntime.TargetTeam},
		},
		{
			name: "role slug",
			text: "needs a @security pass",
			want: agentruntime.Target{Kind: agentruntime.TargetRole, Role: "security"},
		},
		{
			name: "email address is not a mention",
			text: "mail bob@alex.com",
			want: agentruntime.Target{Kind: agentruntime.TargetNone},
		},
		{
			name: "no mention",
			text: "please research X",
			want: agentruntime.Target{Kind: agentruntime.TargetNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveTarget(tt.text, testPersonas, testRoles); got != tt.want {
				t.Fatalf("ResolveTarget(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestResolveTargetFirstOccurrenceOnTie(t *testing.T) {
	personas := []Persona{
		{ID: "per_kai", Name: "Kai"},
		{ID: "per_ada", Name: "Ada"},
	}
	got := ResolveTarget("@ada then @kai", personas, nil)
	if got.PersonaID != "per_ada" {
		t.Fatalf("expected first mentioned persona, got %+v", got)
	}
}

func TestIsConversational(t *testing.T) {
	long := "what " + strings.Repeat("vendor ", 30) + "?"
	tests := []struct {
		text string
		want bool
	}{
		{text: "what is the status", want: true},
		{text: "@Alex how does this work", want: true},
		{text: "Thanks!", want: true},
		{text: "lgtm", want: true},
		{text: "anything blocking this?", want: true},
		{text: "please research X", want: false},
		{text: "@developer implement the retry policy", want: false},
		{text: long, want: false},
		{text: "   ", want: false},
	}
	for _, tt := range tests {
		if got := IsConversational(tt.text); got != tt.want {
			t.Errorf("IsConversational(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
