// internal/browser/harvester.go
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

const defaultBodyFetchTimeout = 5 * time.Second

// requestState keeps tabs on the lifecycle of a single network request.
type requestState struct {
	url         string
	method      string
	hasPostData bool
	status      int
	mimeType    string
}

// bodyFetcher copies a finished response's body, and its request's post data
// when asked to.
type bodyFetcher func(ctx context.Context, id network.RequestID, withPost bool) (body, post []byte, err error)

// Harvester listens to a tab's network events and hands every finished
// response a signature wants to the deliver callback. Observation is read-only:
// bodies are copied over the protocol after the page has consumed them.
type Harvester struct {
	ctx     context.Context
	logger  *zap.Logger
	wants   func(url string) bool
	fetch   bodyFetcher
	deliver func(schemas.ResponseEvent)
	timeout time.Duration

	mu       sync.Mutex
	requests map[network.RequestID]*requestState

	// Tracks active body fetching goroutines so Wait can drain them.
	wg sync.WaitGroup
}

// NewHarvester creates a harvester bound to ctx, the tab's lifetime.
func NewHarvester(ctx context.Context, logger *zap.Logger, wants func(string) bool, fetch bodyFetcher, deliver func(schemas.ResponseEvent), timeout time.Duration) *Harvester {
	if timeout <= 0 {
		timeout = defaultBodyFetchTimeout
	}
	return &Harvester{
		ctx:      ctx,
		logger:   logger.Named("harvester"),
		wants:    wants,
		fetch:    fetch,
		deliver:  deliver,
		timeout:  timeout,
		requests: make(map[network.RequestID]*requestState),
	}
}

// Handle dispatches one CDP event. It never blocks on the protocol.
func (h *Harvester) Handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.mu.Lock()
		delete(h.requests, e.RequestID)
		h.mu.Unlock()
	}
}

// Wait blocks until in-flight body fetches are done or ctx ends.
func (h *Harvester) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Timed out waiting for response bodies.", zap.Error(ctx.Err()))
	}
}

func (h *Harvester) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil || !h.wants(e.Request.URL) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// A redirect reuses the request id; the new leg replaces the old one.
	h.requests[e.RequestID] = &requestState{
		url:         e.Request.URL,
		method:      e.Request.Method,
		hasPostData: e.Request.HasPostData,
	}
}

func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.requests[e.RequestID]
	if !ok {
		if !h.wants(e.Response.URL) {
			return
		}
		state = &requestState{url: e.Response.URL}
		h.requests[e.RequestID] = state
	}
	state.status = int(e.Response.Status)
	state.mimeType = e.Response.MimeType
}

func (h *Harvester) handleLoadingFinished(e *network.EventLoadingFinished) {
	h.mu.Lock()
	state, ok := h.requests[e.RequestID]
	delete(h.requests, e.RequestID)
	h.mu.Unlock()
	if !ok || !isTextMime(state.mimeType) {
		return
	}

	h.wg.Add(1)
	go h.fetchAndDeliver(e.RequestID, state)
}

// fetchAndDeliver grabs the body for a finished request. Runs in its own goroutine.
func (h *Harvester) fetchAndDeliver(id network.RequestID, state *requestState) {
	defer h.wg.Done()
	if h.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	body, post, err := h.fetch(ctx, id, state.hasPostData)
	if err != nil {
		if h.ctx.Err() == nil {
			h.logger.Debug("Failed to fetch response body.", zap.String("request_id", string(id)), zap.String("url", state.url), zap.Error(err))
		}
		return
	}

	h.deliver(schemas.ResponseEvent{
		RequestID:   string(id),
		URL:         state.url,
		Method:      state.method,
		Status:      state.status,
		MimeType:    state.mimeType,
		Body:        body,
		RequestBody: post,
		Timestamp:   time.Now(),
	})
}

// cdpFetch reads bodies through the DevTools protocol. ctx must derive from
// the tab's chromedp context.
func cdpFetch(ctx context.Context, id network.RequestID, withPost bool) ([]byte, []byte, error) {
	var body, post []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		if err != nil {
			return err
		}
		if withPost {
			postData, perr := network.GetRequestPostData(id).Do(c)
			// Requests without a body answer with an error; that is not a failure.
			if perr == nil {
				post = []byte(postData)
			}
		}
		return nil
	}))
	return body, post, err
}

func isTextMime(mimeType string) bool {
	mime := strings.ToLower(mimeType)
	return mime == "" ||
		strings.HasPrefix(mime, "text/") ||
		strings.Contains(mime, "json") ||
		strings.Contains(mime, "javascript")
}
