// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Orchestrator() config.OrchestratorConfig {
	args := m.Called()
	return args.Get(0).(config.OrchestratorConfig)
}

func (m *MockConfig) Tracking() config.TrackingConfig {
	args := m.Called()
	return args.Get(0).(config.TrackingConfig)
}

func (m *MockConfig) Detection() config.DetectionConfig {
	args := m.Called()
	return args.Get(0).(config.DetectionConfig)
}

func (m *MockConfig) Phase() config.PhaseConfig {
	args := m.Called()
	return args.Get(0).(config.PhaseConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserRemoteURL(u string) {
	m.Called(u)
}

func (m *MockConfig) SetEngineWorkerConcurrency(n int) {
	m.Called(n)
}

// -- Tab Mocks --

// MockTab mocks schemas.Tab. Calls are recorded through mock.Mock; the event
// streams are real channels the test feeds with EmitCompletion, EmitCapture
// and SimulateClose.
type MockTab struct {
	mock.Mock
	TabID string

	completions chan schemas.Completion
	captures    chan schemas.CapturedPayload
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewMockTab creates a tab mock with buffered event streams.
func NewMockTab(id string) *MockTab {
	return &MockTab{
		TabID:       id,
		completions: make(chan schemas.Completion, 8),
		captures:    make(chan schemas.CapturedPayload, 32),
		closed:      make(chan struct{}),
	}
}

func (m *MockTab) ID() string { return m.TabID }

func (m *MockTab) WaitLoad(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTab) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockTab) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTab) Deliver(ctx context.Context, directive schemas.StartTracking) error {
	args := m.Called(ctx, directive)
	return args.Error(0)
}

func (m *MockTab) Status(ctx context.Context) (schemas.ContextStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.ContextStatus), args.Error(1)
}

func (m *MockTab) Cancel(actionID string) {
	m.Called(actionID)
}

func (m *MockTab) Completions() <-chan schemas.Completion { return m.completions }

func (m *MockTab) Captures() <-chan schemas.CapturedPayload { return m.captures }

func (m *MockTab) Closed() <-chan struct{} { return m.closed }

// Close records the call and closes the tab.
func (m *MockTab) Close(ctx context.Context) error {
	args := m.Called(ctx)
	m.SimulateClose()
	return args.Error(0)
}

// EmitCompletion pushes a completion as the content context would.
func (m *MockTab) EmitCompletion(c schemas.Completion) { m.completions <- c }

// EmitCapture pushes a matched network payload.
func (m *MockTab) EmitCapture(p schemas.CapturedPayload) { m.captures <- p }

// SimulateClose closes the tab without going through Close, as a user would.
func (m *MockTab) SimulateClose() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// MockTabDriver mocks schemas.TabDriver.
type MockTabDriver struct {
	mock.Mock
}

func (m *MockTabDriver) Open(ctx context.Context, url string) (schemas.Tab, error) {
	args := m.Called(ctx, url)
	if t := args.Get(0); t != nil {
		return t.(schemas.Tab), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Sink Mocks --

// MockResultSink mocks schemas.ResultSink and keeps every delivered result.
type MockResultSink struct {
	mock.Mock

	mu      sync.Mutex
	results []schemas.Result
	// Delivered receives each result after it is recorded, when non-nil.
	Delivered chan schemas.Result
}

func (m *MockResultSink) Deliver(ctx context.Context, result schemas.Result) error {
	m.mu.Lock()
	m.results = append(m.results, result)
	m.mu.Unlock()
	args := m.Called(ctx, result)
	if m.Delivered != nil {
		m.Delivered <- result
	}
	return args.Error(0)
}

// Results returns a copy of the delivered results.
func (m *MockResultSink) Results() []schemas.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemas.Result(nil), m.results...)
}

// MockCollectionSink mocks schemas.CollectionSink.
type MockCollectionSink struct {
	mock.Mock
}

func (m *MockCollectionSink) SaveCollection(ctx context.Context, collection schemas.AccountCollection) error {
	args := m.Called(ctx, collection)
	return args.Error(0)
}
