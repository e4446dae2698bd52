// Package domwatch locates the control or content region an action changes and
// detects the change that proves the action happened.
package domwatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/platform"
)

// Page is the watcher's view of a tab. Implementations live in the browser
// package; tests use static documents.
type Page interface {
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	// URL returns the current top-level location.
	URL(ctx context.Context) (string, error)
	// Observe asks the page bridge to report mutations under anchorXPath and UI
	// events on controlXPath. Either may be empty.
	// Observers are kept per actionID so watchers sharing a tab do not replace
	// each other's; mutation signals carry the action id back.
	Observe(ctx context.Context, actionID, anchorXPath, controlXPath string) error
	// Unobserve drops the observers of actionID.
	Unobserve(ctx context.Context, actionID string) error
}

// Options tune detection.
type Options struct {
	AnchorAttempts      int
	AnchorInterval      time.Duration
	PollInterval        time.Duration
	ClickSettle         time.Duration
	ConfidenceThreshold float64
	RecencyWindow       time.Duration
}

// OptionsFromConfig maps the detection config section onto watcher options.
func OptionsFromConfig(cfg config.DetectionConfig) Options {
	return Options{
		AnchorAttempts:      cfg.AnchorAttempts,
		AnchorInterval:      cfg.AnchorInterval,
		PollInterval:        cfg.PollInterval,
		ClickSettle:         cfg.ClickSettle,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		RecencyWindow:       cfg.RecencyWindow,
	}
}

// ReportKind classifies what a watcher tells its owner.
type ReportKind int

const (
	ReportAnchorFound ReportKind = iota
	ReportActivity
	ReportEvidence
	ReportFailure
)

// Report is one notification from a running watcher.
type Report struct {
	Kind     ReportKind
	Snapshot schemas.DomSnapshot
	Evidence schemas.Evidence
	Err      error
}

// FindAnchor runs the strategies in order against fresh page state, retrying
// up to attempts times. The returned anchor has its Strategy set.
func FindAnchor(ctx context.Context, page Page, strategies []Strategy, attempts int, interval time.Duration) (*Anchor, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		doc, err := loadDocument(ctx, page)
		if err == nil {
			for _, s := range strategies {
				if a := s.Find(doc); a != nil {
					a.Strategy = s.Name
					return a, nil
				}
			}
		} else {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(strategies))
	for _, s := range strategies {
		names = append(names, s.Name)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts (%s): %v", schemas.ErrAnchorNotFound, attempts, strings.Join(names, ", "), lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts (%s)", schemas.ErrAnchorNotFound, attempts, strings.Join(names, ", "))
}

// Watcher races mutation, polling and UI-event detectors over one anchor. All
// comparisons run on the Run goroutine, so they are serialized.
type Watcher struct {
	page    Page
	req     schemas.ActionRequest
	opts    Options
	logger  *zap.Logger
	report  func(Report)
	now     func() time.Time
	signals chan schemas.PageSignal

	// Owned by Run.
	anchor   *Anchor
	baseline schemas.DomSnapshot
}

// New creates a watcher for one tracked action. report is called from the Run
// goroutine.
func New(page Page, req schemas.ActionRequest, opts Options, logger *zap.Logger, report func(Report)) *Watcher {
	return &Watcher{
		page:    page,
		req:     req,
		opts:    opts,
		logger:  logger.Named("domwatch").With(zap.String("action_id", req.ActionID)),
		report:  report,
		now:     time.Now,
		signals: make(chan schemas.PageSignal, 32),
	}
}

// Signal forwards a page bridge notification. It never blocks; when the
// watcher is behind, the signal is dropped and polling covers for it.
func (w *Watcher) Signal(sig schemas.PageSignal) {
	select {
	case w.signals <- sig:
	default:
		w.logger.Debug("Dropping page signal, watcher busy.", zap.String("kind", string(sig.Kind)))
	}
}

// Run locates the anchor, captures the baseline and watches until evidence is
// found or ctx ends. It returns nil after reporting evidence.
func (w *Watcher) Run(ctx context.Context) error {
	strategies := Strategies(w.req.Platform, w.req.ActionType)
	anchor, err := FindAnchor(ctx, w.page, strategies, w.opts.AnchorAttempts, w.opts.AnchorInterval)
	if err != nil {
		if ctx.Err() == nil {
			w.report(Report{Kind: ReportFailure, Err: err})
		}
		return err
	}
	w.anchor = anchor
	w.baseline = Snapshot(anchor.Kind, anchor.Node)
	w.logger.Info("Anchor located.",
		zap.String("strategy", anchor.Strategy),
		zap.String("xpath", anchor.XPath),
		zap.String("fingerprint", w.baseline.Fingerprint))
	w.report(Report{Kind: ReportAnchorFound, Snapshot: w.baseline})

	if err := w.page.Observe(ctx, w.req.ActionID, anchor.XPath, anchor.ControlXPath); err != nil {
		// Polling still runs.
		w.logger.Warn("Mutation observer unavailable.", zap.Error(err))
	}

	poll := w.opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		var method schemas.VerificationMethod
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			method = schemas.MethodPolling
		case <-settleC:
			settleC = nil
			method = schemas.MethodClick
		case sig := <-w.signals:
			switch sig.Kind {
			case schemas.SignalMutation:
				method = schemas.MethodMutation
			case schemas.SignalNavigation:
				method = schemas.MethodNavigationChange
			case schemas.SignalClick, schemas.SignalSubmit:
				w.report(Report{Kind: ReportActivity})
				if settle != nil {
					settle.Stop()
				}
				settle = time.NewTimer(w.opts.ClickSettle)
				settleC = settle.C
				continue
			case schemas.SignalInput:
				w.report(Report{Kind: ReportActivity})
				continue
			default:
				continue
			}
		}
		if ev, ok := w.check(ctx, method); ok {
			w.report(Report{Kind: ReportEvidence, Evidence: ev})
			return nil
		}
	}
}

// check compares current page state with the baseline.
func (w *Watcher) check(ctx context.Context, method schemas.VerificationMethod) (schemas.Evidence, bool) {
	doc, err := loadDocument(ctx, w.page)
	if err != nil {
		w.logger.Debug("Page read failed.", zap.Error(err))
		return schemas.Evidence{}, false
	}
	node := w.relocate(doc)
	if node == nil {
		return schemas.Evidence{}, false
	}

	detail := map[string]string{"strategy": w.anchor.Strategy}
	confidence := 1.0
	switch w.anchor.Kind {
	case KindToggle:
		before := w.baseline.RawDescriptor["label"]
		after := ToggleLabel(node)
		if !IsSuccessTransition(w.req.ActionType, before, after) {
			w.rebaseline(node, after)
			return schemas.Evidence{}, false
		}
		detail["from"] = before
		detail["to"] = after
	case KindList:
		item, score, ok := w.bestNewItem(node)
		if !ok {
			return schemas.Evidence{}, false
		}
		confidence = score.Total()
		if confidence > 1 {
			confidence = 1
		}
		detail["item"] = ItemHash(item)
		detail["score_recency"] = strconv.FormatFloat(score.Recency, 'f', 2, 64)
		detail["score_prefix"] = strconv.FormatFloat(score.Prefix, 'f', 2, 64)
		detail["score_structural"] = strconv.FormatFloat(score.Structural, 'f', 2, 64)
	}

	pageURL, err := w.page.URL(ctx)
	if err != nil {
		w.logger.Debug("Location read failed.", zap.Error(err))
	}
	detail["url"] = pageURL
	ident, err := platform.IdentifierFromURL(w.req.Platform, w.req.ActionType, pageURL)
	if err != nil {
		w.logger.Debug("Location did not parse.", zap.String("url", pageURL), zap.Error(err))
	}
	if ident == "" && w.req.ActionType == schemas.ActionFollow {
		ident = handleNear(w.req.Platform, node)
	}

	return schemas.Evidence{
		Method:            method,
		MatchedIdentifier: ident,
		Confidence:        confidence,
		Source:            w.anchor.Strategy,
		Detail:            detail,
		ObservedAt:        w.now(),
	}, true
}

// relocate finds the anchor in a fresh document, first by XPath and then by
// re-running the strategy that found it.
func (w *Watcher) relocate(doc *html.Node) *html.Node {
	if n := htmlquery.FindOne(doc, w.anchor.XPath); n != nil && w.stillAnchor(n) {
		return n
	}
	s, ok := StrategyByName(w.req.Platform, w.req.ActionType, w.anchor.Strategy)
	if !ok {
		return nil
	}
	a := s.Find(doc)
	if a == nil {
		return nil
	}
	w.anchor.XPath = a.XPath
	return a.Node
}

func (w *Watcher) stillAnchor(n *html.Node) bool {
	if w.anchor.Kind == KindToggle {
		return inVocabulary(ToggleLabel(n), ToggleVocabulary(w.req.ActionType))
	}
	return true
}

// rebaseline moves the baseline when the control returns to a start label,
// so an undo followed by a redo is still detected.
func (w *Watcher) rebaseline(node *html.Node, label string) {
	if label == w.baseline.RawDescriptor["label"] || !inVocabulary(label, ToggleStartLabels(w.req.ActionType)) {
		return
	}
	w.logger.Debug("Toggle back at start label, re-baselining.",
		zap.String("from", w.baseline.RawDescriptor["label"]),
		zap.String("to", label))
	w.baseline = Snapshot(KindToggle, node)
}

// bestNewItem returns the highest scoring list item not in the baseline whose
// score reaches the threshold.
func (w *Watcher) bestNewItem(list *html.Node) (*html.Node, Score, bool) {
	var best *html.Node
	var bestScore Score
	now := w.now()
	for _, item := range ListItems(list) {
		if w.baseline.HasItem(ItemHash(item)) {
			continue
		}
		s := ScoreItem(item, w.req.ExpectedText, now, w.opts.RecencyWindow)
		if s.Total() >= w.opts.ConfidenceThreshold && (best == nil || s.Total() > bestScore.Total()) {
			best, bestScore = item, s
		}
	}
	return best, bestScore, best != nil
}

// handleNear reads the account handle from the nearest profile link around a
// follow control, for pages whose location names content rather than an
// account (an instagram post header, a tweet).
func handleNear(p schemas.Platform, node *html.Node) string {
	for up, c := 0, node.Parent; c != nil && up < 6; up, c = up+1, c.Parent {
		for _, a := range htmlquery.Find(c, ".//a[@href]") {
			href := htmlquery.SelectAttr(a, "href")
			if !strings.HasPrefix(href, "/") {
				continue
			}
			loc, err := platform.ParseLocation(p, "https://host"+href)
			if err == nil && loc.Handle != "" && loc.ContentID == "" {
				return loc.Handle
			}
		}
	}
	return ""
}

func loadDocument(ctx context.Context, page Page) (*html.Node, error) {
	src, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := htmlquery.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	return doc, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
