// Package priority classifies reply text into the tier shown on the dashboard.
package priority

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// noReplySentinels are bodies that carry no human answer.
var noReplySentinels = []string{
	"no reply",
	"no-reply",
	"noreply",
	"n/a",
	"none",
	"-",
}

// autoReplyMarkers identify out-of-office and delivery notifications.
var autoReplyMarkers = []string{
	"out of office",
	"out-of-office",
	"automatic reply",
	"auto-reply",
	"autoreply",
	"delivery status notification",
	"mail delivery failed",
	"undeliverable",
}

// Phrases are checked in this order; the first tier with a match wins.
var (
	lowPhrases = []string{
		"not interested",
		"no interest",
		"unsubscribe",
		"remove me",
		"stop emailing",
		"do not contact",
		"don't contact",
		"no thanks",
		"no thank you",
		"not a fit",
		"not looking",
	}
	highPhrases = []string{
		"interested",
		"let's talk",
		"lets talk",
		"schedule a call",
		"book a call",
		"set up a call",
		"set up a meeting",
		"meeting",
		"demo",
		"pricing",
		"send me more",
		"sounds good",
		"next steps",
		"available",
		"collaborat",
	}
)

// Classify maps reply text to a priority tier. It is deterministic and total:
// empty text, sentinels and automatic replies are NONE; explicit refusals are
// LOW; buying signals are HIGH; any other human reply is MEDIUM.
func Classify(text string) models.Priority {
	norm := normalize(text)
	if norm == "" {
		return models.PriorityNone
	}
	for _, s := range noReplySentinels {
		if norm == s {
			return models.PriorityNone
		}
	}
	if containsAny(norm, autoReplyMarkers) {
		return models.PriorityNone
	}
	if containsAny(norm, lowPhrases) {
		return models.PriorityLow
	}
	if containsAny(norm, highPhrases) {
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

// normalize lowercases, folds curly apostrophes and collapses whitespace.
func normalize(text string) string {
	text = strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	fields := strings.FieldsFunc(text, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// negations cancel a buying signal that directly follows them.
var negations = []string{"not ", "no ", "never ", "isn't ", "aren't ", "won't "}

// containsAny reports whether a phrase starts a word in s and is not negated,
// so "available" matches neither "unavailable" nor "not available".
func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		for from := 0; ; {
			i := strings.Index(s[from:], p)
			if i < 0 {
				break
			}
			i += from
			if wordStart(s, i) && !negated(s[:i]) {
				return true
			}
			from = i + len(p)
		}
	}
	return false
}

func wordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func negated(prefix string) bool {
	for _, n := range negations {
		if strings.HasSuffix(prefix, n) {
			return true
		}
	}
	return false
}
