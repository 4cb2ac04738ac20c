// Package intent classifies a natural-language command into the closed set
// of things the pipeline knows how to do.
package intent

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kalambet/cmdsched/internal/entity"
)

// Intent is what a command asks for.
type Intent string

const (
	Search               Intent = "search"
	Summarize            Intent = "summarize"
	Email                Intent = "email"
	SearchSummarizeEmail Intent = "search_summarize_email"
	Unknown              Intent = "unknown"
)

// Intents lists every intent.
var Intents = []Intent{Search, Summarize, Email, SearchSummarizeEmail, Unknown}

// Parse converts a string into an Intent.
func Parse(s string) (Intent, error) {
	for _, i := range Intents {
		if string(i) == s {
			return i, nil
		}
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

// NeedsSearch reports whether the pipeline must retrieve documents.
func (i Intent) NeedsSearch() bool {
	switch i {
	case Search, Summarize, SearchSummarizeEmail:
		return true
	case Email, Unknown:
		return false
	}
	return false
}

// NeedsSummary reports whether retrieved documents must be summarized.
func (i Intent) NeedsSummary() bool {
	switch i {
	case Summarize, SearchSummarizeEmail:
		return true
	case Search, Email, Unknown:
		return false
	}
	return false
}

// NeedsEmail reports whether the pipeline schedules email actions.
func (i Intent) NeedsEmail() bool {
	switch i {
	case Email, SearchSummarizeEmail:
		return true
	case Search, Summarize, Unknown:
		return false
	}
	return false
}

var (
	sendVerbs      = []string{"보내", "send", "email", "e-mail", "메일", "mail"}
	summarizeVerbs = []string{"요약", "정리", "summar"}
	searchVerbs    = []string{"검색", "찾", "search", "find", "look up"}
)

// Classifier is the rule-based intent classifier.
type Classifier struct{}

func (Classifier) Classify(text string) Intent { return Classify(text) }

// Classify maps text to an Intent. It never fails: text it cannot read
// yields Unknown.
func Classify(text string) Intent {
	if !hasLetterOrDigit(text) {
		return Unknown
	}

	addrs := entity.AddressPattern.FindAllStringIndex(text, -1)
	verbs := strings.ToLower(entity.AddressPattern.ReplaceAllString(text, " "))

	send := containsAny(verbs, sendVerbs)
	summarize := containsAny(verbs, summarizeVerbs)
	search := containsAny(verbs, searchVerbs)

	switch {
	case len(addrs) > 0 && send && (summarize || search):
		return SearchSummarizeEmail
	case len(addrs) > 0 && send:
		return Email
	case summarize:
		return Summarize
	default:
		return Search
	}
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
