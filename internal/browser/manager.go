// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/browser/shim"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/content"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
)

// Manager owns the connection to the browser and opens tabs in it. It either
// launches Chrome or attaches to the user's running instance.
type Manager struct {
	parent    context.Context
	cfg       config.BrowserConfig
	agentOpts content.Options
	registry  *interceptor.Registry
	logger    *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs map[string]*Tab
	mu   sync.RWMutex

	// Initialization state management
	initOnce sync.Once
	initErr  error
	closed   bool
}

var _ schemas.TabDriver = (*Manager)(nil)

// NewManager creates a new browser manager. The browser is reached lazily, on
// the first Open.
func NewManager(ctx context.Context, cfg config.BrowserConfig, agentOpts content.Options, registry *interceptor.Registry, logger *zap.Logger) *Manager {
	if registry == nil {
		registry = interceptor.DefaultRegistry()
	}
	m := &Manager{
		parent:    ctx,
		cfg:       cfg,
		agentOpts: agentOpts,
		registry:  registry,
		logger:    logger.Named("browser_manager"),
		tabs:      make(map[string]*Tab),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// ExecAllocatorOptions translates the browser config into chromedp allocator options.
func ExecAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	// The user stays logged in to the platforms across runs.
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// initialize connects to the browser.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		var allocCtx context.Context
		if m.cfg.RemoteURL != "" {
			m.logger.Info("Attaching to running browser.", zap.String("remote_url", m.cfg.RemoteURL))
			allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(m.parent, m.cfg.RemoteURL)
		} else {
			m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless), zap.String("user_data_dir", m.cfg.UserDataDir))
			allocCtx, m.allocCancel = chromedp.NewExecAllocator(m.parent, ExecAllocatorOptions(m.cfg)...)
		}

		ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(m.logger.Sugar().Debugf)}
		if m.cfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(allocCtx, ctxOpts...)
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to connect to browser: %w", err)
			return
		}
		chromedp.ListenBrowser(m.browserCtx, m.handleBrowserEvent)
		m.logger.Info("Browser manager initialized successfully.")
	})
	return m.initErr
}

func (m *Manager) handleBrowserEvent(ev interface{}) {
	var id target.ID
	switch e := ev.(type) {
	case *target.EventTargetDestroyed:
		id = e.TargetID
	case *target.EventDetachedFromTarget:
		id = e.TargetID
	default:
		return
	}
	m.mu.RLock()
	t, ok := m.tabs[string(id)]
	m.mu.RUnlock()
	if ok {
		t.logger.Info("Tab went away.")
		t.gone()
	}
}

// Open creates a tab, instruments it and starts loading url.
func (m *Manager) Open(ctx context.Context, url string) (schemas.Tab, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("browser manager is shut down")
	}
	if err := m.initialize(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, fmt.Errorf("tab has no target")
	}

	script, err := shim.BridgeScript(shim.BridgeConfig{Binding: shim.DefaultBinding})
	if err != nil {
		cancel()
		return nil, err
	}

	tab := newTab(tabParams{
		id:               string(c.Target.TargetID),
		ctx:              tabCtx,
		cancel:           cancel,
		agentOpts:        m.agentOpts,
		registry:         m.registry,
		binding:          shim.DefaultBinding,
		bodyFetchTimeout: m.cfg.BodyFetchTimeout,
		logger:           m.logger,
		onClose:          m.forget,
		fetch:            cdpFetch,
	})
	if err := tab.attach(ctx, script); err != nil {
		tab.markClosed()
		return nil, fmt.Errorf("failed to instrument tab: %w", err)
	}

	m.mu.Lock()
	m.tabs[tab.ID()] = tab
	m.mu.Unlock()

	tab.start(url)
	m.logger.Debug("Tab opened.", zap.String("tab_id", tab.ID()), zap.String("url", url))
	return tab, nil
}

func (m *Manager) forget(t *Tab) {
	m.mu.Lock()
	delete(m.tabs, t.ID())
	m.mu.Unlock()
}

// Shutdown closes every tab and releases the browser. An attached browser is
// left running; only our tabs are closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tabs {
		wg.Add(1)
		go func(t *Tab) {
			defer wg.Done()
			if err := t.Close(ctx); err != nil {
				m.logger.Warn("Error closing tab during shutdown.", zap.String("tab_id", t.ID()), zap.Error(err))
			}
		}(t)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for tabs to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		// Browser.close on an attached browser would close the user's Chrome.
		if m.cfg.RemoteURL == "" {
			if err := chromedp.Cancel(m.browserCtx); err != nil {
				m.logger.Debug("Browser close returned an error.", zap.Error(err))
			}
		}
		m.browserCancel()
		m.allocCancel()
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
