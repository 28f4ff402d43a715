package dispatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// conversationalLimit is the length, in characters, below which a text may
// be treated as conversation rather than a work request.
const conversationalLimit = 200

var conversationalOpeners = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "would": true,
	"should": true, "is": true, "are": true, "do": true, "does": true,
	"did": true, "will": true, "thanks": true, "thank": true, "ok": true,
	"okay": true, "got": true, "great": true, "nice": true, "cool": true,
	"sounds": true, "hi": true, "hey": true, "hello": true, "yes": true,
	"no": true, "sure": true, "lgtm": true,
}

// IsConversational reports whether text reads as a short question or
// acknowledgment. Anything else is a directive.
func IsConversational(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) >= conversationalLimit {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if strings.HasPrefix(word, "@") {
			continue
		}
		word = strings.TrimRightFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		return conversationalOpeners[word]
	}
	return false
}
