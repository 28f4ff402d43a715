package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coderaugment/bonsai-app-sub000/internal/agentruntime"
)

const teamToken = "team"

// ResolveTarget picks the recipient for a combined text: @team first, then
// the longest persona name mentioned, then a role slug, else unassigned.
// Matching is case-insensitive and a mention must end at a word boundary.
// A persona or role whose name extends "team" (e.g. team-lead) shadows the
// team token at that mention.
func ResolveTarget(text string, personas []Persona, roles []string) agentruntime.Target {
	lower := strings.ToLower(text)
	mentions := mentionOffsets(lower)
	if len(mentions) == 0 {
		return agentruntime.Target{Kind: agentruntime.TargetNone}
	}

	for _, at := range mentions {
		if mentionMatches(lower, at, teamToken) && !longerNameAt(lower, at, personas, roles) {
			return agentruntime.Target{Kind: agentruntime.TargetTeam}
		}
	}

	var (
		best    Persona
		bestLen int
	)
	for _, at := range mentions {
		for _, p := range personas {
			name := strings.ToLower(strings.TrimSpace(p.Name))
			if name == "" || len(name) <= bestLen {
				continue
			}
			if mentionMatches(lower, at, name) {
				best, bestLen = p, len(name)
			}
		}
	}
	if bestLen > 0 {
		return agentruntime.Target{Kind: agentruntime.TargetPersona, PersonaID: best.ID, Name: best.Name, Role: best.Role}
	}

	var bestRole string
	for _, at := range mentions {
		for _, role := range roles {
			if len(role) > len(bestRole) && mentionMatches(lower, at, role) {
				bestRole = role
			}
		}
	}
	if bestRole != "" {
		return agentruntime.Target{Kind: agentruntime.TargetRole, Role: bestRole}
	}
	return agentruntime.Target{Kind: agentruntime.TargetNone}
}

func longerNameAt(text string, at int, personas []Persona, roles []string) bool {
	for _, p := range personas {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if len(name) > len(teamToken) && mentionMatches(text, at, name) {
			return true
		}
	}
	for _, role := range roles {
		if len(role) > len(teamToken) && mentionMatches(text, at, role) {
			return true
		}
	}
	return false
}

// mentionOffsets returns the byte offsets of '@' characters that start a
// mention, i.e. are not glued to a preceding word.
func mentionOffsets(text string) []int {
	var out []int
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:i])
			if isWordRune(prev) {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

func mentionMatches(text string, at int, name string) bool {
	rest := text[at+1:]
	if !strings.HasPrefix(rest, name) {
		return false
	}
	after := rest[len(name):]
	if after == "" {
		return true
	}
	next, _ := utf8.DecodeRuneInString(after)
	return !isWordRune(next)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
