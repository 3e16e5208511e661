package bootstrap

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/clock"
	"github.com/target/jobexec/internal/core"
	"github.com/target/jobexec/internal/data/memstore"
	"github.com/target/jobexec/internal/domain/history"
	"github.com/target/jobexec/internal/domain/model"
	"github.com/target/jobexec/internal/service"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "executor only",
			modes: []config.ServiceMode{config.ServiceModeExecutor},
			want:  1,
		},
		{
			name:  "executor and sweeper",
			modes: []config.ServiceMode{config.ServiceModeExecutor, config.ServiceModeSweeper},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: config.ValidServiceModes(),
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "history executor only",
			modes: []config.ServiceMode{config.ServiceModeHistoryExecutor},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: config.ValidServiceModes(),
			want:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestWorkerID(t *testing.T) {
	assert.Empty(t, workerID("", config.ServiceModeExecutor))
	assert.Equal(t, "node-1/history-executor", workerID("node-1", config.ServiceModeHistoryExecutor))
}

func testAppConfig(services string) *config.AppConfig {
	cfg := &config.AppConfig{
		Services: services,
		Executor: config.ExecutorConfig{
			Concurrency:      4,
			LockDuration:     time.Minute,
			MinPollDelay:     5 * time.Millisecond,
			DefaultPollDelay: 20 * time.Millisecond,
			MaxPollDelay:     50 * time.Millisecond,
			DefaultRetries:   3,
		},
		History: config.HistoryConfig{Concurrency: 2, Retries: 3},
		Sweeper: config.SweeperConfig{Interval: time.Minute, BatchSize: 100},
		Batch:   config.BatchConfig{StatusInterval: time.Second, PartRetries: 3},
	}
	cfg.Sanitize()
	return cfg
}

func TestNewServices_RequiresConfigAndStore(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)

	_, err = NewServices(&ServiceDeps{Config: testAppConfig("executor")})
	require.Error(t, err, "neither DB nor Store")
}

func TestNewServices_RegistersExtensions(t *testing.T) {
	noop := service.HandlerFunc(func(context.Context, *model.Job) model.HandlerResult { return model.Succeeded() })
	op := service.BatchOperationFunc(func(context.Context, *model.Batch, *model.BatchPart) error { return nil })

	svc, err := NewServices(&ServiceDeps{
		Config:          testAppConfig("executor,history-executor"),
		Store:           memstore.New(clock.Real{}),
		Handlers:        map[string]service.Handler{"send-mail": noop},
		BatchOperations: map[string]service.BatchOperation{"touch": op},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Jobs.StopAllListeners)

	types := svc.Executor.HandlerTypes()
	assert.Contains(t, types, "send-mail")
	for _, ht := range history.HandlerTypes() {
		assert.Contains(t, types, ht)
	}
	assert.Equal(t, []string{"touch"}, svc.Batches.BatchTypes())
	assert.True(t, svc.History.Producer.Enabled())
	assert.Nil(t, svc.Categories, "no redis, no category service")
	assert.Nil(t, svc.Workers)

	_, err = NewServices(&ServiceDeps{
		Config:   testAppConfig("executor"),
		Store:    memstore.New(clock.Real{}),
		Handlers: map[string]service.Handler{"": noop},
	})
	assert.Error(t, err, "blank handler type")
}

func TestNewServices_HistoryOffDisablesProducer(t *testing.T) {
	svc, err := NewServices(&ServiceDeps{
		Config: testAppConfig("executor"),
		Store:  memstore.New(clock.Real{}),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Jobs.StopAllListeners)
	assert.False(t, svc.History.Producer.Enabled())
}

func TestRunServicesWithShutdown_RunsPipeline(t *testing.T) {
	store := memstore.New(clock.Real{})
	var handled, applied atomic.Int32

	cfg := testAppConfig("executor,history-executor,sweeper")
	svc, err := NewServices(&ServiceDeps{
		Config: cfg,
		Store:  store,
		Handlers: map[string]service.Handler{
			"send-mail": service.HandlerFunc(func(context.Context, *model.Job) model.HandlerResult {
				handled.Add(1)
				return model.Succeeded()
			}),
		},
		BatchOperations: map[string]service.BatchOperation{
			"touch": service.BatchOperationFunc(func(context.Context, *model.Batch, *model.BatchPart) error {
				applied.Add(1)
				return nil
			}),
		},
	})
	require.NoError(t, err)

	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- RunServicesWithShutdown(&ServiceOrchestrationConfig{
			Config:   cfg,
			Services: svc,
			Signals:  signals,
		})
	}()

	ctx := context.Background()
	_, err = svc.Jobs.Create(ctx, &model.CreateJobRequest{
		Kind:        model.JobKindMessage,
		HandlerType: "send-mail",
		ScopeID:     "case-1",
	})
	require.NoError(t, err)

	err = svc.History.TxRunner.RunInTx(ctx, func(_ context.Context, session *history.Session, _ core.Repositories) error {
		session.AddHistoricData("case-opened", map[string]string{model.ScopeIDKey: "case-1"})
		return nil
	})
	require.NoError(t, err)

	batch, err := svc.Batches.StartBatch(ctx, &model.StartBatchRequest{
		Type:           "touch",
		ScopeIDs:       []string{"case-1", "case-2"},
		StatusInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		entries, err := store.HistoryEntries().ListByScope(ctx, "case-1", 10)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		b, err := svc.Batches.GetBatch(ctx, batch.ID)
		return err == nil && b.Status == model.BatchStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, applied.Load())

	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownWaitTimeout):
		t.Fatal("services did not stop")
	}
}

func TestRunServicesWithShutdown_Validation(t *testing.T) {
	require.Error(t, RunServicesWithShutdown(nil))
	require.Error(t, RunServicesWithShutdown(&ServiceOrchestrationConfig{}))
	require.Error(t, RunServicesWithShutdown(&ServiceOrchestrationConfig{Config: &config.AppConfig{Services: "bogus"}}))
}

func TestRunServicesWithShutdown_ServiceErrorStops(t *testing.T) {
	cfg := testAppConfig("executor")
	done := make(chan error, 1)
	go func() {
		// An empty container cannot run an executor; the error ends the orchestration.
		done <- RunServicesWithShutdown(&ServiceOrchestrationConfig{
			Config:  cfg,
			Signals: make(chan os.Signal),
		})
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executor failed")
	case <-time.After(5 * time.Second):
		t.Fatal("orchestration did not stop")
	}
}
