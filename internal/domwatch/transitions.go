package domwatch

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// transition is a (before, after) pair of normalized toggle labels.
type transition struct {
	from, to string
}

// transitionTable enumerates, per toggle action, the only label changes that
// prove the action. Anything else, including every reverse pair, is ignored.
var transitionTable = map[schemas.ActionType][]transition{
	schemas.ActionFollow: {
		{"follow", "following"},
		{"follow back", "following"},
		{"follow", "requested"},
		{"follow", "friends"},
		{"follow back", "friends"},
		{"follow", "unfollow"},
	},
	schemas.ActionLike: {
		{"like", "unlike"},
	},
	schemas.ActionRetweet: {
		{"retweet", "unretweet"},
		{"repost", "undo repost"},
	},
}

// IsSuccessTransition reports whether a label change from → to proves action.
func IsSuccessTransition(action schemas.ActionType, from, to string) bool {
	from, to = NormalizeLabel(from), NormalizeLabel(to)
	if from == to {
		return false
	}
	for _, t := range transitionTable[action] {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// ToggleVocabulary returns every label that may appear on the control for action.
func ToggleVocabulary(action schemas.ActionType) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range transitionTable[action] {
		for _, l := range []string{t.from, t.to} {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// ToggleStartLabels returns the labels a control shows before the action.
func ToggleStartLabels(action schemas.ActionType) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range transitionTable[action] {
		if !seen[t.from] {
			seen[t.from] = true
			out = append(out, t.from)
		}
	}
	return out
}

var testIDPrefix = regexp.MustCompile(`^\d+-`)

// NormalizeLabel lowercases, trims and collapses whitespace. Twitter's
// "<userid>-follow" style test ids lose their numeric prefix.
func NormalizeLabel(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return testIDPrefix.ReplaceAllString(s, "")
}
