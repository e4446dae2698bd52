// Package interceptor recognizes platform-internal API responses observed in a
// tab, parses them, and checks them against the actions being tracked there.
package interceptor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Outcome is reported to a tracked action for every matched payload that its
// signature applies to. Err is set, with Verdict Irrelevant, when parsing failed.
type Outcome struct {
	Verdict  Verdict
	Evidence schemas.Evidence
	Err      error
}

type tracked struct {
	req    schemas.ActionRequest
	notify func(Outcome)
}

// capture is a parsed payload kept for actions that subscribe after it arrived.
type capture struct {
	sig    Signature
	parsed interface{}
	ev     schemas.ResponseEvent
}

// RecentCaptures bounds the per-tab buffer replayed to new subscribers.
const RecentCaptures = 32

// Interceptor is installed once per tab. Observe is safe for concurrent use.
type Interceptor struct {
	registry  *Registry
	logger    *zap.Logger
	onCapture func(schemas.CapturedPayload)

	mu sync.Mutex
	// aliases maps platform-internal ids (user pk, media pk) to the handle or
	// shortcode learned from earlier payloads in this tab.
	aliases map[string]string
	actions map[string]tracked
	recent  []capture
}

// New creates an interceptor. onCapture, when non-nil, receives every payload
// that a signature matched and parsed.
func New(registry *Registry, logger *zap.Logger, onCapture func(schemas.CapturedPayload)) *Interceptor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Interceptor{
		registry:  registry,
		logger:    logger.Named("interceptor"),
		onCapture: onCapture,
		aliases:   make(map[string]string),
		actions:   make(map[string]tracked),
	}
}

// Wants reports whether a response for rawURL could match a signature.
func (i *Interceptor) Wants(rawURL string) bool {
	return i.registry.Wants(rawURL)
}

// Track subscribes an action to matched payloads. The last RecentCaptures
// payloads the tab received are replayed to notify before Track returns,
// matches ahead of mismatches. The returned func removes the subscription and
// is safe to call more than once.
func (i *Interceptor) Track(req schemas.ActionRequest, notify func(Outcome)) func() {
	t := tracked{req: req, notify: notify}
	i.mu.Lock()
	i.actions[req.ActionID] = t
	recent := append([]capture(nil), i.recent...)
	i.mu.Unlock()

	var matches, mismatches []Outcome
	for _, c := range recent {
		if !c.sig.AppliesTo(req) {
			continue
		}
		o, ok := i.check(c.sig, t, c.parsed, c.ev)
		switch {
		case !ok:
		case o.Verdict == Match:
			matches = append(matches, o)
		default:
			mismatches = append(mismatches, o)
		}
	}
	if n := len(matches) + len(mismatches); n > 0 {
		i.logger.Debug("Replaying earlier payloads.", zap.String("action_id", req.ActionID), zap.Int("count", n))
	}
	for _, o := range append(matches, mismatches...) {
		notify(o)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.actions, req.ActionID)
			i.mu.Unlock()
		})
	}
}

// Observe handles one finished response. It never returns an error: parse
// failures are logged and forwarded as Outcome.Err to the affected actions.
func (i *Interceptor) Observe(ev schemas.ResponseEvent) {
	for _, sig := range i.registry.Matching(ev) {
		i.observeWith(sig, ev)
	}
}

func (i *Interceptor) observeWith(sig Signature, ev schemas.ResponseEvent) {
	parsed, err := sig.Parse(ev)
	if err != nil {
		i.logger.Warn("Dropping unparseable payload.",
			zap.String("signature", sig.Name),
			zap.String("url", ev.URL),
			zap.Error(err))
		for _, t := range i.subscribers(sig) {
			t.notify(Outcome{Verdict: Irrelevant, Err: err})
		}
		return
	}

	i.learn(parsed)

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if i.onCapture != nil {
		i.onCapture(schemas.CapturedPayload{
			SignatureName: sig.Name,
			Platform:      sig.Platform,
			URL:           ev.URL,
			Timestamp:     ev.Timestamp,
			ParsedBody:    parsed,
		})
	}

	i.remember(capture{sig: sig, parsed: parsed, ev: ev})

	for _, t := range i.subscribers(sig) {
		if o, ok := i.check(sig, t, parsed, ev); ok {
			t.notify(o)
		}
	}
}

// check runs sig's predicate for one subscriber. Irrelevant payloads yield no
// outcome.
func (i *Interceptor) check(sig Signature, t tracked, parsed interface{}, ev schemas.ResponseEvent) (Outcome, bool) {
	verdict, ident := sig.Check(t.req, parsed)
	if verdict == Irrelevant {
		return Outcome{}, false
	}
	confidence := 1.0
	if verdict == Mismatch {
		confidence = 0
	}
	i.logger.Debug("Payload checked.",
		zap.String("action_id", t.req.ActionID),
		zap.String("signature", sig.Name),
		zap.Stringer("verdict", verdict),
		zap.String("identifier", ident))
	return Outcome{
		Verdict: verdict,
		Evidence: schemas.Evidence{
			Method:            schemas.MethodNetwork,
			MatchedIdentifier: ident,
			Confidence:        confidence,
			Source:            sig.Name,
			Detail:            map[string]string{"url": ev.URL},
			ObservedAt:        ev.Timestamp,
		},
	}, true
}

func (i *Interceptor) remember(c capture) {
	if c.sig.Check == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.recent) == RecentCaptures {
		copy(i.recent, i.recent[1:])
		i.recent = i.recent[:RecentCaptures-1]
	}
	i.recent = append(i.recent, c)
}

// learn records id mappings and resolves raw ids on echoes in place. The parsed
// value is freshly allocated by the parser, so the mutation is not shared.
func (i *Interceptor) learn(parsed interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch p := parsed.(type) {
	case *schemas.ProfileData:
		if p.UserID != "" && p.Username != "" {
			i.aliases[p.UserID] = p.Username
		}
	case *schemas.ActionEcho:
		switch {
		case p.Identifier != "" && p.RawID != "":
			i.aliases[p.RawID] = p.Identifier
		case p.Identifier == "" && p.RawID != "":
			p.Identifier = i.aliases[p.RawID]
		}
	}
}

func (i *Interceptor) subscribers(sig Signature) []tracked {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []tracked
	for _, t := range i.actions {
		if sig.AppliesTo(t.req) {
			out = append(out, t)
		}
	}
	return out
}
