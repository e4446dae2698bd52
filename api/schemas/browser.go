package schemas

import (
	"time"
)

// -- Network Evidence --

// ResponseEvent is a finished network response observed in a tab. Body is a copy
// taken through the DevTools protocol; the page's own response is untouched.
type ResponseEvent struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	Status    int    `json:"status"`
	MimeType  string `json:"mime_type"`
	Body      []byte `json:"-"`
	// RequestBody is the request's post data, when it had any.
	RequestBody []byte    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// CapturedPayload is evidence sourced from network interception. It is immutable
// once created; several captures of the same logical response are tolerated.
type CapturedPayload struct {
	SignatureName string    `json:"signature"`
	Platform      Platform  `json:"platform"`
	URL           string    `json:"url"`
	Timestamp     time.Time `json:"timestamp"`
	// ParsedBody is the signature parser output, e.g. *ProfileData.
	ParsedBody interface{} `json:"parsed_body"`
}

// -- DOM Evidence --

// DomSnapshot is the comparable "before" state of a watched anchor. Fingerprint is
// a stable string for equality checks; RawDescriptor keeps the pieces it was built
// from (item hashes for lists, label and class signature for toggles).
type DomSnapshot struct {
	Fingerprint   string            `json:"fingerprint"`
	RawDescriptor map[string]string `json:"raw_descriptor"`
	Items         []string          `json:"items,omitempty"`
	CapturedAt    time.Time         `json:"captured_at"`
}

// HasItem reports whether the snapshot already contains the given content hash.
func (s DomSnapshot) HasItem(hash string) bool {
	for _, h := range s.Items {
		if h == hash {
			return true
		}
	}
	return false
}

// PageSignalKind classifies notifications raised by the in-page bridge script.
type PageSignalKind string

const (
	SignalMutation   PageSignalKind = "mutation"
	SignalClick      PageSignalKind = "click"
	SignalSubmit     PageSignalKind = "submit"
	SignalInput      PageSignalKind = "input"
	SignalNavigation PageSignalKind = "navigation"
	SignalReady      PageSignalKind = "ready"
)

// PageSignal is one notification from the page bridge, delivered over a CDP binding.
type PageSignal struct {
	Kind      PageSignalKind `json:"kind"`
	ActionID  string         `json:"action_id,omitempty"`
	URL       string         `json:"url,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionEcho is what a parser extracts from a platform's response to (or echo
// of) a write action such as a follow, like, comment or retweet.
type ActionEcho struct {
	// Identifier is the handle or content id the action applied to, when the
	// payload names it directly.
	Identifier string `json:"identifier,omitempty"`
	// RawID is the platform's internal numeric id (user pk, media pk) when the
	// payload only carries that. It is resolved to Identifier through ids learned
	// from earlier payloads of the same tab.
	RawID string `json:"raw_id,omitempty"`
	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`
	// References lists, per action type, the content ids the payload shows the
	// viewer acted on (reply-to, retweeted, quoted, favorited).
	References map[ActionType][]string `json:"references,omitempty"`
}
