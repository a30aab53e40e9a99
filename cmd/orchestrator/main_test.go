package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/memstore"
	"taskpilot/internal/workflows"
)

type fakeWorker struct {
	workflowNames []string
	activities    []any
	started       bool
	stopped       bool
	startErr      error
}

func (f *fakeWorker) RegisterWorkflow(fn any) {
	f.workflowNames = append(f.workflowNames, "")
}

func (f *fakeWorker) RegisterWorkflowWithOptions(fn any, opts workflow.RegisterOptions) {
	f.workflowNames = append(f.workflowNames, opts.Name)
}

func (f *fakeWorker) RegisterDynamicWorkflow(_ any, _ workflow.DynamicRegisterOptions) {}

func (f *fakeWorker) RegisterActivity(fn any) {
	f.activities = append(f.activities, fn)
}

func (f *fakeWorker) RegisterActivityWithOptions(fn any, _ activity.RegisterOptions) {
	f.activities = append(f.activities, fn)
}

func (f *fakeWorker) RegisterDynamicActivity(_ any, _ activity.DynamicRegisterOptions) {}
func (f *fakeWorker) RegisterNexusService(_ *nexus.Service)                            {}
func (f *fakeWorker) Start() error                                                     { f.started = true; return f.startErr }
func (f *fakeWorker) Run(<-chan interface{}) error                                     { return nil }
func (f *fakeWorker) Stop()                                                            { f.stopped = true }

const workerConfig = `{"gateway":{"http_addr":":8080"},"storage":{"postgres_dsn":"postgres://localhost/taskpilot"},"orchestrator":{"temporal_addr":"temporal:7233","task_queue":"q"}}`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	file := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

// stubDeps replaces storage, Temporal and the worker with in-memory fakes.
func stubDeps(t *testing.T, fake *fakeWorker) *mocks.Client {
	t.Helper()
	mc := &mocks.Client{}
	mc.On("Close").Return()

	oldStore, oldClient, oldWorker := openStore, newTemporalClient, newWorker
	t.Cleanup(func() {
		openStore, newTemporalClient, newWorker = oldStore, oldClient, oldWorker
	})
	openStore = func(cfg config.Config) (app.Store, func(context.Context) error, func() error, error) {
		return memstore.New(), func(context.Context) error { return nil }, func() error { return nil }, nil
	}
	newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) { return mc, nil }
	newWorker = func(c client.Client, taskQueue string) worker.Worker {
		if taskQueue != "q" {
			t.Errorf("task queue: %s", taskQueue)
		}
		return fake
	}
	return mc
}

func TestRunMissingConfig(t *testing.T) {
	if err := run(context.Background(), []string{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBadFlag(t *testing.T) {
	if err := run(context.Background(), []string{"-badflag"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadConfigError(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	defer func() { loadConfig = oldLoad }()

	if err := run(context.Background(), []string{"-config", "cfg.json"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunRequiresTemporalAndPostgres(t *testing.T) {
	noTemporal := `{"gateway":{"http_addr":":8080"},"storage":{"postgres_dsn":"dsn"}}`
	if err := run(context.Background(), []string{"-config", writeConfig(t, noTemporal)}, nil); err == nil {
		t.Fatalf("expected temporal_addr error")
	}
	memory := `{"gateway":{"http_addr":":8080"},"storage":{"driver":"memory"},"orchestrator":{"temporal_addr":"t"}}`
	if err := run(context.Background(), []string{"-config", writeConfig(t, memory)}, nil); err == nil {
		t.Fatalf("expected storage driver error")
	}
}

func TestRunTemporalDialError(t *testing.T) {
	stubDeps(t, &fakeWorker{})
	newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
		return nil, errors.New("dial failed")
	}
	if err := run(context.Background(), []string{"-config", writeConfig(t, workerConfig)}, nil); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestRunRegistersAndStopsWorker(t *testing.T) {
	fake := &fakeWorker{}
	mc := stubDeps(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	oldRun := runWorker
	defer func() { runWorker = oldRun }()
	runWorker = func(wctx context.Context, w worker.Worker) error {
		cancel()
		return oldRun(wctx, w)
	}

	if err := run(ctx, []string{"-config", writeConfig(t, workerConfig)}, nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(fake.workflowNames) != 1 || fake.workflowNames[0] != workflows.ApprovedPlanWorkflowName {
		t.Fatalf("workflows: %v", fake.workflowNames)
	}
	if len(fake.activities) != 1 {
		t.Fatalf("activities: %d", len(fake.activities))
	}
	acts, ok := fake.activities[0].(*workflows.Activities)
	if !ok || acts.Approvals == nil || acts.Executor == nil {
		t.Fatalf("activities: %#v", fake.activities[0])
	}
	if !fake.started || !fake.stopped {
		t.Fatalf("worker lifecycle: started=%v stopped=%v", fake.started, fake.stopped)
	}
	mc.AssertCalled(t, "Close")
}

func TestRunWorkerStartError(t *testing.T) {
	stubDeps(t, &fakeWorker{startErr: errors.New("no poller")})
	err := run(context.Background(), []string{"-config", writeConfig(t, workerConfig)}, nil)
	if err == nil || err.Error() != "no poller" {
		t.Fatalf("err: %v", err)
	}
}

func TestRunServesHealth(t *testing.T) {
	stubDeps(t, &fakeWorker{})
	oldServe := serveHTTP
	defer func() { serveHTTP = oldServe }()
	var served *http.Server
	ctx, cancel := context.WithCancel(context.Background())
	serveHTTP = func(srv *http.Server) error {
		served = srv
		cancel()
		return http.ErrServerClosed
	}
	cfg := `{"gateway":{"http_addr":":8080"},"storage":{"postgres_dsn":"dsn"},"orchestrator":{"temporal_addr":"t","task_queue":"q","health_addr":":9091"}}`
	if err := run(ctx, []string{"-config", writeConfig(t, cfg)}, nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	if served == nil || served.Addr != ":9091" || served.Handler == nil {
		t.Fatalf("health server: %+v", served)
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()

	oldArgs := os.Args
	os.Args = []string{"orchestrator"}
	defer func() { os.Args = oldArgs }()

	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
