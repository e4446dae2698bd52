// internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext returns a context that carries ctx1's values (the CDP target)
// and is canceled when either ctx1 or ctx2 is.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
