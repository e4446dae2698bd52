// internal/browser/tab.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/content"
	"github.com/xkilldash9x/proofwatch/internal/domwatch"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
)

const (
	// bridgeWait bounds how long one delivery attempt waits for the page bridge.
	bridgeWait     = 2 * time.Second
	completionsBuf = 16
	capturesBuf    = 64
)

// Tab is one browser tab. It carries the tab's content context and serves
// as the page the DOM watchers read.
type Tab struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	binding string

	agent     *content.Agent
	harvester *Harvester

	completions chan schemas.Completion
	captures    chan schemas.CapturedPayload
	closed      chan struct{}
	closeOnce   sync.Once
	onClose     func(*Tab)

	mu     sync.Mutex
	ready  chan struct{}
	loaded chan struct{}
}

var (
	_ schemas.Tab   = (*Tab)(nil)
	_ domwatch.Page = (*Tab)(nil)
)

type tabParams struct {
	id               string
	ctx              context.Context
	cancel           context.CancelFunc
	agentOpts        content.Options
	registry         *interceptor.Registry
	binding          string
	bodyFetchTimeout time.Duration
	logger           *zap.Logger
	onClose          func(*Tab)
	fetch            bodyFetcher
}

func newTab(p tabParams) *Tab {
	t := &Tab{
		id:          p.id,
		ctx:         p.ctx,
		cancel:      p.cancel,
		logger:      p.logger.With(zap.String("tab_id", p.id)),
		binding:     p.binding,
		completions: make(chan schemas.Completion, completionsBuf),
		captures:    make(chan schemas.CapturedPayload, capturesBuf),
		closed:      make(chan struct{}),
		onClose:     p.onClose,
		ready:       make(chan struct{}),
		loaded:      make(chan struct{}),
	}
	icpt := interceptor.New(p.registry, t.logger, t.capture)
	t.agent = content.NewAgent(p.id, t, icpt, p.agentOpts, t.logger, t.complete)
	t.harvester = NewHarvester(p.ctx, t.logger, icpt.Wants, p.fetch, t.agent.Observe, p.bodyFetchTimeout)
	return t
}

// attach enables the protocol domains, the binding and the page bridge. It
// must run before the first navigation so no response is missed.
func (t *Tab) attach(ctx context.Context, script string) error {
	chromedp.ListenTarget(t.ctx, t.handleEvent)
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx,
		network.Enable(),
		runtime.Enable(),
		page.Enable(),
		runtime.AddBinding(t.binding),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}),
	)
}

// start navigates in the background; WaitLoad observes the outcome.
func (t *Tab) start(url string) {
	go func() {
		if err := chromedp.Run(t.ctx, chromedp.Navigate(url)); err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("Initial navigation failed.", zap.String("url", url), zap.Error(err))
			}
			return
		}
		t.markLoaded()
	}()
}

func (t *Tab) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != t.binding {
			return
		}
		sig, err := decodeSignal(e.Payload)
		if err != nil {
			t.logger.Debug("Dropping malformed bridge payload.", zap.Error(err))
			return
		}
		if sig.Kind == schemas.SignalReady {
			t.markReady()
			return
		}
		t.agent.Signal(sig)
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		// A new document needs a new bridge handshake.
		t.resetReady()
		t.agent.Signal(schemas.PageSignal{Kind: schemas.SignalNavigation, URL: e.Frame.URL, Timestamp: time.Now()})
	case *page.EventLoadEventFired:
		t.markLoaded()
	default:
		t.harvester.Handle(ev)
	}
}

// decodeSignal parses one bridge message.
func decodeSignal(payload string) (schemas.PageSignal, error) {
	var sig schemas.PageSignal
	if err := json.UnmarshalFromString(payload, &sig); err != nil {
		return sig, fmt.Errorf("decoding bridge signal: %w", err)
	}
	if sig.Kind == "" {
		return sig, fmt.Errorf("bridge signal without kind")
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	return sig, nil
}

func (t *Tab) markReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
}

func (t *Tab) resetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.ready:
		t.ready = make(chan struct{})
	default:
	}
}

func (t *Tab) readyCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *Tab) markLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.loaded:
	default:
		close(t.loaded)
	}
}

// capture forwards a matched payload without ever blocking the interceptor.
func (t *Tab) capture(p schemas.CapturedPayload) {
	select {
	case t.captures <- p:
	default:
		t.logger.Debug("Capture buffer full, dropping payload.", zap.String("signature", p.SignatureName))
	}
}

func (t *Tab) complete(c schemas.Completion) {
	select {
	case t.completions <- c:
	case <-t.closed:
	}
}

// -- schemas.Tab --

func (t *Tab) ID() string { return t.id }

func (t *Tab) WaitLoad(ctx context.Context) error {
	select {
	case <-t.loaded:
		return nil
	case <-t.closed:
		return schemas.ErrTabClosedPrematurely
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate points the tab at url and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating tab %s to %s: %w", t.id, url, err)
	}
	return nil
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Deliver waits briefly for the page bridge, then starts tracking.
func (t *Tab) Deliver(ctx context.Context, directive schemas.StartTracking) error {
	wait, cancel := context.WithTimeout(ctx, bridgeWait)
	defer cancel()
	select {
	case <-t.readyCh():
	case <-t.closed:
		return fmt.Errorf("%w: tab %s closed", schemas.ErrContentContextUnreachable, t.id)
	case <-wait.Done():
		return fmt.Errorf("%w: page bridge of tab %s not ready", schemas.ErrContentContextUnreachable, t.id)
	}
	return t.agent.Start(directive)
}

func (t *Tab) Status(ctx context.Context) (schemas.ContextStatus, error) {
	select {
	case <-t.closed:
		return schemas.ContextStatus{}, schemas.ErrTabClosedPrematurely
	default:
	}
	st := t.agent.Status()
	select {
	case <-t.readyCh():
	default:
		st.Active = false
	}
	return st, nil
}

func (t *Tab) Cancel(actionID string) { t.agent.Cancel(actionID) }

func (t *Tab) Completions() <-chan schemas.Completion { return t.completions }

func (t *Tab) Captures() <-chan schemas.CapturedPayload { return t.captures }

func (t *Tab) Closed() <-chan struct{} { return t.closed }

// Close stops the content context and closes the browser tab.
func (t *Tab) Close(ctx context.Context) error {
	t.agent.Close()
	t.harvester.Wait(ctx)
	t.markClosed()
	return nil
}

// gone handles the browser reporting the target destroyed, e.g. the user
// closed the tab.
func (t *Tab) gone() {
	t.markClosed()
	go t.agent.Close()
}

// markClosed runs once, on Close or when the browser reports the target gone.
func (t *Tab) markClosed() {
	t.closeOnce.Do(func() {
		close(t.closed)
		// Canceling a chromedp context that created the target closes the tab.
		t.cancel()
		if t.onClose != nil {
			t.onClose(t)
		}
		t.logger.Debug("Tab closed.")
	})
}

// -- domwatch.Page --

func (t *Tab) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html)); err != nil {
		return "", err
	}
	return html, nil
}

// Unobserve drops the page bridge observers of actionID.
func (t *Tab) Unobserve(ctx context.Context, actionID string) error {
	k, err := json.MarshalToString(actionID)
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	expr := fmt.Sprintf(`window.__proofwatch ? window.__proofwatch.unobserve(%s) : undefined`, k)
	return chromedp.Run(runCtx, chromedp.Evaluate(expr, nil))
}

// Observe asks the page bridge to watch the anchor and control subtrees on
// behalf of actionID.
func (t *Tab) Observe(ctx context.Context, actionID, anchorXPath, controlXPath string) error {
	k, err := json.MarshalToString(actionID)
	if err != nil {
		return err
	}
	a, err := json.MarshalToString(anchorXPath)
	if err != nil {
		return err
	}
	c, err := json.MarshalToString(controlXPath)
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	var ok bool
	expr := fmt.Sprintf(`window.__proofwatch ? window.__proofwatch.observe(%s, %s, %s) : false`, k, a, c)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page bridge could not observe %s", anchorXPath)
	}
	return nil
}
