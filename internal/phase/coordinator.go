// Package phase runs multi-page account collections in a single tab: the
// profile page first, then the optional analytics page.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
)

// ErrCollectionInFlight is returned when a collection for the same account is
// already running.
var ErrCollectionInFlight = errors.New("collection already in flight for account")

const tabCloseTimeout = 5 * time.Second

// Coordinator drives account collections. It keeps one transient phase state
// per account id while the collection runs.
type Coordinator struct {
	driver schemas.TabDriver
	sink   schemas.CollectionSink
	cfg    config.PhaseConfig
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*schemas.CollectionPhaseState
}

// NewCoordinator creates a Coordinator. sink may be nil.
func NewCoordinator(driver schemas.TabDriver, sink schemas.CollectionSink, cfg config.PhaseConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		driver: driver,
		sink:   sink,
		cfg:    cfg,
		logger: logger.Named("phase"),
		states: make(map[string]*schemas.CollectionPhaseState),
	}
}

// Collect runs the profile phase, then the analytics phase in the same tab,
// and merges the results. A profile failure is terminal; an analytics failure
// only marks the collection as missing optional data.
func (c *Coordinator) Collect(ctx context.Context, req schemas.AccountRequest) (schemas.AccountCollection, error) {
	if err := validate(req); err != nil {
		return schemas.AccountCollection{}, fmt.Errorf("%w: account: %v", schemas.ErrInvalidRequest, err)
	}
	state, err := c.begin(req)
	if err != nil {
		return schemas.AccountCollection{}, err
	}
	defer c.end(req.AccountID)

	logger := c.logger.With(zap.String("account_id", req.AccountID), zap.String("handle", req.Handle))

	tab, err := c.driver.Open(ctx, req.ProfileURL)
	if err != nil {
		return schemas.AccountCollection{}, fmt.Errorf("%w: failed to open tab: %v", schemas.ErrContentContextUnreachable, err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), tabCloseTimeout)
		defer cancel()
		if err := tab.Close(cctx); err != nil {
			logger.Debug("Tab close failed.", zap.Error(err))
		}
	}()
	c.update(req.AccountID, func(s *schemas.CollectionPhaseState) { s.TabID = tab.ID() })

	// -- Phase 1: profile --
	col := &collector{platform: req.Platform, handle: req.Handle}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProfileTimeout)
	profile, err := col.waitProfile(pctx, tab)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return schemas.AccountCollection{}, fmt.Errorf("%w: %v", schemas.ErrCancelled, ctx.Err())
		}
		logger.Warn("Profile phase failed.", zap.Error(err))
		return schemas.AccountCollection{}, err
	}
	c.update(req.AccountID, func(s *schemas.CollectionPhaseState) {
		s.CollectedPartials = append(s.CollectedPartials, col.profilePayload)
		s.Phase = schemas.PhaseAnalytics
	})
	logger.Info("Profile phase complete.", zap.Int64("followers", profile.FollowerCount))

	out := schemas.AccountCollection{
		AccountID: req.AccountID,
		Handle:    req.Handle,
		Platform:  req.Platform,
		Profile:   *profile,
		Phases:    []schemas.CollectionPhase{schemas.PhaseProfile},
	}

	// -- Phase 2: analytics, optional --
	analytics, err := c.analyticsPhase(ctx, tab, req, col)
	switch {
	case err != nil && ctx.Err() != nil:
		return schemas.AccountCollection{}, fmt.Errorf("%w: %v", schemas.ErrCancelled, ctx.Err())
	case err != nil:
		logger.Warn("Analytics phase incomplete, continuing without it.", zap.Error(err))
		out.MissingOptional = true
	default:
		out.Analytics = analytics
		out.Phases = append(out.Phases, schemas.PhaseAnalytics)
		c.update(req.AccountID, func(s *schemas.CollectionPhaseState) {
			s.CollectedPartials = append(s.CollectedPartials, col.analyticsPayload)
		})
	}

	c.update(req.AccountID, func(s *schemas.CollectionPhaseState) { s.Phase = schemas.PhaseDone })
	out.Phases = append(out.Phases, schemas.PhaseDone)
	out.CompletedAt = time.Now().UTC()

	if c.sink != nil {
		if err := c.sink.SaveCollection(ctx, out); err != nil {
			return out, fmt.Errorf("failed to save collection for account %s: %w", req.AccountID, err)
		}
	}
	logger.Info("Collection complete.", zap.Bool("missing_optional", out.MissingOptional), zap.Duration("elapsed", time.Since(state.StartedAt)))
	return out, nil
}

func (c *Coordinator) analyticsPhase(ctx context.Context, tab schemas.Tab, req schemas.AccountRequest, col *collector) (*schemas.AnalyticsData, error) {
	if req.AnalyticsURL == "" {
		return nil, errors.New("no analytics location for this account")
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.AnalyticsTimeout)
	defer cancel()
	// Some profile pages already load insights.
	if col.analytics != nil {
		return col.analytics, nil
	}
	if err := tab.Navigate(actx, req.AnalyticsURL); err != nil {
		return nil, fmt.Errorf("navigating to analytics: %w", err)
	}
	return col.waitAnalytics(actx, tab)
}

// States returns the phase states of running collections.
func (c *Coordinator) States() []schemas.CollectionPhaseState {
	c.mu.Lock()
	out := make([]schemas.CollectionPhaseState, 0, len(c.states))
	for _, s := range c.states {
		cp := *s
		cp.CollectedPartials = append([]schemas.CapturedPayload(nil), s.CollectedPartials...)
		out = append(out, cp)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (c *Coordinator) begin(req schemas.AccountRequest) (*schemas.CollectionPhaseState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[req.AccountID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionInFlight, req.AccountID)
	}
	s := &schemas.CollectionPhaseState{
		AccountID: req.AccountID,
		Handle:    req.Handle,
		Phase:     schemas.PhaseProfile,
		StartedAt: time.Now(),
	}
	c.states[req.AccountID] = s
	return s, nil
}

func (c *Coordinator) update(accountID string, fn func(*schemas.CollectionPhaseState)) {
	c.mu.Lock()
	if s, ok := c.states[accountID]; ok {
		fn(s)
	}
	c.mu.Unlock()
}

func (c *Coordinator) end(accountID string) {
	c.mu.Lock()
	delete(c.states, accountID)
	c.mu.Unlock()
}

func validate(req schemas.AccountRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if req.Handle == "" {
		return fmt.Errorf("handle is required")
	}
	if req.ProfileURL == "" {
		return fmt.Errorf("profile_url is required")
	}
	if _, err := schemas.ParsePlatform(string(req.Platform)); err != nil {
		return err
	}
	return nil
}

// collector reads a tab's capture stream. It is used by one goroutine.
type collector struct {
	platform schemas.Platform
	handle   string

	profilePayload   schemas.CapturedPayload
	analytics        *schemas.AnalyticsData
	analyticsPayload schemas.CapturedPayload
	mismatched       string
}

// waitProfile returns the first profile payload naming the account. Profiles
// of other accounts (hover cards, suggestions) are skipped, but if nothing
// else arrives before ctx ends the collection fails with IdentifierMismatch.
func (col *collector) waitProfile(ctx context.Context, tab schemas.Tab) (*schemas.ProfileData, error) {
	for {
		select {
		case <-ctx.Done():
			if col.mismatched != "" {
				return nil, fmt.Errorf("%w: profile page served %q, expected %q", schemas.ErrIdentifierMismatch, col.mismatched, col.handle)
			}
			return nil, fmt.Errorf("%w: no profile payload", schemas.ErrTimeout)
		case <-tab.Closed():
			return nil, schemas.ErrTabClosedPrematurely
		case p, ok := <-tab.Captures():
			if !ok {
				return nil, schemas.ErrTabClosedPrematurely
			}
			if profile := col.take(p); profile != nil {
				return profile, nil
			}
		}
	}
}

func (col *collector) waitAnalytics(ctx context.Context, tab schemas.Tab) (*schemas.AnalyticsData, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no analytics payload", schemas.ErrTimeout)
		case <-tab.Closed():
			return nil, schemas.ErrTabClosedPrematurely
		case p, ok := <-tab.Captures():
			if !ok {
				return nil, schemas.ErrTabClosedPrematurely
			}
			col.take(p)
			if col.analytics != nil {
				return col.analytics, nil
			}
		}
	}
}

// take files a capture and returns the profile when it names the account.
func (col *collector) take(p schemas.CapturedPayload) *schemas.ProfileData {
	if p.Platform != col.platform {
		return nil
	}
	switch {
	case interceptor.IsAnalyticsSignature(p.SignatureName):
		if a, ok := p.ParsedBody.(*schemas.AnalyticsData); ok && col.analytics == nil {
			col.analytics = a
			col.analyticsPayload = p
		}
	case interceptor.IsProfileSignature(p.SignatureName):
		profile, ok := p.ParsedBody.(*schemas.ProfileData)
		if !ok {
			return nil
		}
		if !schemas.SameIdentifier(profile.Username, col.handle) {
			col.mismatched = profile.Username
			return nil
		}
		col.profilePayload = p
		return profile
	}
	return nil
}
