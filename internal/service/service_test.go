package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/engine"
	"github.com/xkilldash9x/proofwatch/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestResultQueue(t *testing.T) {
	q := NewResultQueue(1)
	sink := &mocks.MockResultSink{}
	sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	StartResultConsumer(context.Background(), &wg, q, sink, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Deliver(context.Background(), schemas.Result{ActionID: string(rune('a' + i))}))
	}
	q.Close()
	q.Close()
	wg.Wait()

	assert.Len(t, sink.Results(), 5)
	assert.ErrorIs(t, q.Deliver(context.Background(), schemas.Result{ActionID: "late"}), ErrQueueClosed)
}

func TestResultQueue_FullQueueHonorsContext(t *testing.T) {
	q := NewResultQueue(1)
	require.NoError(t, q.Deliver(context.Background(), schemas.Result{ActionID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Deliver(ctx, schemas.Result{ActionID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	q.Close()
}

func TestResultConsumer_DrainsOnCancel(t *testing.T) {
	q := NewResultQueue(4)
	sink := &mocks.MockResultSink{}
	sink.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, q.Deliver(context.Background(), schemas.Result{ActionID: "a"}))
	require.NoError(t, q.Deliver(context.Background(), schemas.Result{ActionID: "b"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var wg sync.WaitGroup
	StartResultConsumer(ctx, &wg, q, sink, zaptest.NewLogger(t))
	wg.Wait()

	// A failing sink does not stop the consumer.
	assert.Len(t, sink.Results(), 2)
}

func TestInitializeDBPool_Disabled(t *testing.T) {
	pool, err := InitializeDBPool(context.Background(), config.DatabaseConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, pool)

	_, err = InitializeDBPool(context.Background(), config.DatabaseConfig{URL: "postgres://%zz"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestCreate_WithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.EngineCfg.ResultsFile = filepath.Join(dir, "results.jsonl")

	cfg.OrchestratorCfg.CompletionGrace = 0

	tab := mocks.NewMockTab("tab-1")
	tab.On("WaitLoad", mock.Anything).Return(nil)
	tab.On("Close", mock.Anything).Return(nil)
	tab.On("Cancel", mock.Anything).Maybe()
	tab.On("Deliver", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		directive := args.Get(1).(schemas.StartTracking)
		tab.EmitCompletion(schemas.Completion{
			ActionID: directive.ActionID,
			Success:  true,
			Result: schemas.Result{ActionID: directive.ActionID, Proof: &schemas.Proof{
				ActionID: directive.ActionID, ActionType: directive.ActionType, Platform: directive.Platform,
				MatchedIdentifier: directive.ExpectedIdentifier, VerificationMethod: schemas.MethodNetwork,
				Confidence: 1, Success: true,
			}},
		})
	})
	driver := &mocks.MockTabDriver{}
	driver.On("Open", mock.Anything, mock.Anything).Return(tab, nil)

	factory := &concreteFactory{driver: driver}
	components, err := factory.Create(context.Background(), cfg, Options{ReportFormat: "jsonl", ReportPath: filepath.Join(dir, "report.jsonl")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, components.Store)
	assert.Nil(t, components.BrowserManager, "an injected driver replaces the browser")

	stats, err := components.Engine.RunBatch(context.Background(), []engine.Job{engine.ActionJob(schemas.ActionRequest{
		ActionID:           "a-1",
		ActionType:         schemas.ActionFollow,
		Platform:           schemas.PlatformTwitter,
		TargetURL:          "https://x.com/jack",
		ExpectedIdentifier: "jack",
		CreatedAt:          time.Now(),
	})})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Succeeded)

	components.Shutdown(context.Background())
	components.Shutdown(context.Background())

	for _, name := range []string{"report.jsonl", "results.jsonl"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(string(data), "\n"), name)
		assert.Contains(t, string(data), `"action_id":"a-1"`, name)
	}
}

func TestCreate_BadReportFormat(t *testing.T) {
	cfg := &mocks.MockConfig{}
	cfg.On("Engine").Return(config.EngineConfig{})
	cfg.On("Database").Return(config.DatabaseConfig{})

	factory := NewComponentFactory()
	_, err := factory.Create(context.Background(), cfg, Options{ReportFormat: "sarif"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported output format")
	// Nothing past the reporters was built.
	cfg.AssertNotCalled(t, "Browser")
}
