package interceptor

import (
	"strings"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// ProfilePredicate checks profile payloads.
//
// For verify_profile the payload must be the expected account: any other
// username is a Mismatch. For follow, only the expected account's profile with
// the viewer following it counts; other profiles loaded on the same page
// (suggestions, hover cards) are Irrelevant.
func ProfilePredicate(req schemas.ActionRequest, parsed interface{}) (Verdict, string) {
	p, ok := parsed.(*schemas.ProfileData)
	if !ok || p.Username == "" {
		return Irrelevant, ""
	}
	same := schemas.SameIdentifier(p.Username, req.ExpectedIdentifier)
	switch req.ActionType {
	case schemas.ActionVerifyProfile:
		if same {
			return Match, p.Username
		}
		return Mismatch, p.Username
	case schemas.ActionFollow:
		if same && p.FollowedByViewer {
			return Match, p.Username
		}
	}
	return Irrelevant, p.Username
}

// EchoPredicate checks write-action echoes whose Identifier has been resolved.
// A successful write on another target is a Mismatch. An unresolved echo (only
// a raw id the tab never saw a mapping for) is Irrelevant; the DOM detectors
// still run.
func EchoPredicate(req schemas.ActionRequest, parsed interface{}) (Verdict, string) {
	e, ok := parsed.(*schemas.ActionEcho)
	if !ok || e.Identifier == "" {
		return Irrelevant, ""
	}
	if !echoSucceeded(req.ActionType, e) {
		return Irrelevant, e.Identifier
	}
	if req.ActionType == schemas.ActionComment && !commentTextMatches(e.Text, req.ExpectedText) {
		return Irrelevant, e.Identifier
	}
	if schemas.SameIdentifier(e.Identifier, req.ExpectedIdentifier) {
		return Match, e.Identifier
	}
	return Mismatch, e.Identifier
}

func echoSucceeded(at schemas.ActionType, e *schemas.ActionEcho) bool {
	switch at {
	case schemas.ActionFollow:
		return e.State == "following" || e.State == "requested"
	case schemas.ActionLike, schemas.ActionComment:
		return e.State == "ok" || e.State == ""
	}
	return true
}

// ReferencePredicate checks timeline echoes: Match when any reference recorded
// for the request's action type equals the target id, otherwise Irrelevant.
// Timelines carry many unrelated tweets, so absence is never a Mismatch.
func ReferencePredicate(req schemas.ActionRequest, parsed interface{}) (Verdict, string) {
	e, ok := parsed.(*schemas.ActionEcho)
	if !ok {
		return Irrelevant, ""
	}
	for _, id := range e.References[req.ActionType] {
		if schemas.SameIdentifier(id, req.ExpectedIdentifier) {
			return Match, id
		}
	}
	return Irrelevant, ""
}

// commentTextMatches accepts an echoed comment whose normalized text starts
// with the normalized expected text.
func commentTextMatches(got, expected string) bool {
	g, e := normalizeText(got), normalizeText(expected)
	return e != "" && strings.HasPrefix(g, e)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
