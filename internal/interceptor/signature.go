package interceptor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Verdict is the outcome of checking a parsed payload against an action request.
type Verdict int

const (
	// Irrelevant payloads neither prove nor disprove the action.
	Irrelevant Verdict = iota
	// Match proves the action for the expected identifier.
	Match
	// Mismatch proves the payload is about a different identifier than expected.
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	}
	return "irrelevant"
}

// Matcher decides whether a response belongs to a signature.
type Matcher func(ev schemas.ResponseEvent) bool

// Parser turns a matched response into a typed payload. Parsers must be pure.
type Parser func(ev schemas.ResponseEvent) (interface{}, error)

// Predicate checks a parsed payload against a request and returns the verdict
// along with the identifier the payload names.
type Predicate func(req schemas.ActionRequest, parsed interface{}) (Verdict, string)

// Signature pairs an endpoint pattern with exactly one parser and one predicate.
// A nil Predicate makes the signature capture-only.
type Signature struct {
	Name     string
	Platform schemas.Platform
	// Actions lists the action types the predicate applies to.
	Actions []schemas.ActionType
	Match   Matcher
	Parse   Parser
	Check   Predicate
}

// AppliesTo reports whether the signature's predicate is relevant to the request.
func (s Signature) AppliesTo(req schemas.ActionRequest) bool {
	if s.Check == nil || s.Platform != req.Platform {
		return false
	}
	for _, a := range s.Actions {
		if a == req.ActionType {
			return true
		}
	}
	return false
}

// Registry is an ordered list of signatures. Order matters only for logging and
// for which signature name a capture is reported under.
type Registry struct {
	sigs []Signature
}

// NewRegistry returns a registry holding sigs in order.
func NewRegistry(sigs ...Signature) *Registry {
	r := &Registry{}
	for _, s := range sigs {
		r.Register(s)
	}
	return r
}

// Register appends a signature.
func (r *Registry) Register(s Signature) {
	r.sigs = append(r.sigs, s)
}

// Signatures returns the registered signatures in order.
func (r *Registry) Signatures() []Signature {
	out := make([]Signature, len(r.sigs))
	copy(out, r.sigs)
	return out
}

// Matching returns every signature whose matcher accepts ev.
func (r *Registry) Matching(ev schemas.ResponseEvent) []Signature {
	var out []Signature
	for _, s := range r.sigs {
		if s.Match(ev) {
			out = append(out, s)
		}
	}
	return out
}

// Wants reports whether any signature could match a response for rawURL. The
// browser uses it to skip body fetches for uninteresting traffic.
func (r *Registry) Wants(rawURL string) bool {
	return len(r.Matching(schemas.ResponseEvent{URL: rawURL})) > 0
}

// -- Matchers --

// PathContains matches responses whose URL path contains sub.
func PathContains(sub string) Matcher {
	return func(ev schemas.ResponseEvent) bool {
		return strings.Contains(urlPath(ev.URL), sub)
	}
}

// PathPattern matches responses whose URL path matches re.
func PathPattern(re *regexp.Regexp) Matcher {
	return func(ev schemas.ResponseEvent) bool {
		return re.MatchString(urlPath(ev.URL))
	}
}

// GraphQLOperation matches GraphQL calls of the form /graphql/<queryId>/<Operation>.
func GraphQLOperation(ops ...string) Matcher {
	return func(ev schemas.ResponseEvent) bool {
		op := OperationName(ev.URL)
		for _, o := range ops {
			if op == o {
				return true
			}
		}
		return false
	}
}

// OperationName returns the GraphQL operation name encoded in a URL, or "".
func OperationName(rawURL string) string {
	p := urlPath(rawURL)
	idx := strings.Index(p, "/graphql/")
	if idx < 0 {
		return ""
	}
	parts := strings.Split(strings.Trim(p[idx+len("/graphql/"):], "/"), "/")
	return parts[len(parts)-1]
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// pathSegmentAfter returns the path segment right after marker, e.g. the media id
// in /api/v1/web/likes/<id>/like/.
func pathSegmentAfter(rawURL, marker string) string {
	p := urlPath(rawURL)
	idx := strings.Index(p, marker)
	if idx < 0 {
		return ""
	}
	rest := strings.Trim(p[idx+len(marker):], "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
