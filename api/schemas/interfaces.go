package schemas

import (
	"context"
)

// -- Browser Tab Interfaces --

// Tab is a browser tab opened for one unit of verification work. Its content
// context is reachable through Deliver / Status / Cancel; terminal results surface
// on Completions and matched network captures on Captures.
type Tab interface {
	// ID returns the browser's identifier for the tab.
	ID() string
	// WaitLoad blocks until the page has fired its load event.
	WaitLoad(ctx context.Context) error
	// Navigate points the same tab at a new URL.
	Navigate(ctx context.Context, url string) error
	// URL returns the current top-level location.
	URL(ctx context.Context) (string, error)
	// Deliver hands a start-tracking directive to the tab's content context. It
	// returns an error wrapping ErrContentContextUnreachable when the in-page
	// bridge is not ready yet.
	Deliver(ctx context.Context, directive StartTracking) error
	// Status answers a status check against the content context.
	Status(ctx context.Context) (ContextStatus, error)
	// Cancel stops tracking for one action id; terminal results still flow.
	Cancel(actionID string)
	// Completions yields terminal results of actions tracked in this tab.
	Completions() <-chan Completion
	// Captures yields every network payload matched by a registered signature.
	Captures() <-chan CapturedPayload
	// Closed is closed when the tab goes away for any reason.
	Closed() <-chan struct{}
	// Close closes the tab. Safe to call more than once.
	Close(ctx context.Context) error
}

// TabDriver opens tabs in the user's browser.
type TabDriver interface {
	Open(ctx context.Context, url string) (Tab, error)
}

// -- Backend Collaborator Interfaces --

// ResultSink receives exactly one terminal Result per action id.
type ResultSink interface {
	Deliver(ctx context.Context, result Result) error
}

// CollectionSink receives merged account collections.
type CollectionSink interface {
	SaveCollection(ctx context.Context, collection AccountCollection) error
}
