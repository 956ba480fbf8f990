package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hotrank/internal/model"
)

func testConfig() Config {
	return Config{
		Enabled:      true,
		Workers:      2,
		MaxQueueSize: 100,
		TaskTimeout:  time.Second,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := NewPool(cfg, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func startedPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := newTestPool(t, cfg)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func awaitResult(t *testing.T, p *Pool, taskID string) *TaskResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res := p.GetTaskResult(taskID); res != nil {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{"default", func(*Config) {}, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, false},
		{"too many workers", func(c *Config) { c.Workers = 65 }, false},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }, false},
		{"queue too large", func(c *Config) { c.MaxQueueSize = 10001 }, false},
		{"timeout too short", func(c *Config) { c.TaskTimeout = 50 * time.Millisecond }, false},
		{"backoff too short", func(c *Config) { c.RetryBackoff = time.Millisecond }, false},
		{"negative dispatch rate", func(c *Config) { c.DispatchRate = -1 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mod(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestTaskSucceeds(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("echo", func(_ context.Context, task Task) (any, error) {
		return task.Payload, nil
	})

	id, err := p.AddTask("echo", "hello", model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	res := awaitResult(t, p, id)
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", res.Status)
	}
	if res.Value != "hello" {
		t.Errorf("value = %v, want hello", res.Value)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestResultNilUntilTerminal(t *testing.T) {
	p := startedPool(t, testConfig())
	release := make(chan struct{})
	p.Register("slow", func(_ context.Context, _ Task) (any, error) {
		<-release
		return nil, nil
	})

	id, err := p.AddTask("slow", nil, model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if res := p.GetTaskResult(id); res != nil {
		t.Errorf("result before terminal state = %+v, want nil", res)
	}
	close(release)
	awaitResult(t, p, id)
}

func TestRetryUntilSuccess(t *testing.T) {
	p := startedPool(t, testConfig())
	var mu sync.Mutex
	calls := 0
	p.Register("flaky", func(_ context.Context, _ Task) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	id, err := p.AddTask("flaky", nil, model.PriorityMedium, 5)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	res := awaitResult(t, p, id)
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded after retries", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("doomed", func(_ context.Context, _ Task) (any, error) {
		return nil, errors.New("always fails")
	})

	id, err := p.AddTask("doomed", nil, model.PriorityMedium, 2)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	res := awaitResult(t, p, id)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", res.Attempts)
	}
	if !strings.Contains(res.Err, "always fails") {
		t.Errorf("error = %q, want the last failure", res.Err)
	}
}

func TestTaskTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 100 * time.Millisecond
	p := startedPool(t, cfg)
	p.Register("sleeper", func(_ context.Context, _ Task) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	})

	id, err := p.AddTask("sleeper", nil, model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	res := awaitResult(t, p, id)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Errorf("error = %q, want timeout", res.Err)
	}
}

func TestPanicRecoveryKeepsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	p := startedPool(t, cfg)
	p.Register("bomb", func(_ context.Context, _ Task) (any, error) {
		panic("boom")
	})
	p.Register("echo", func(_ context.Context, task Task) (any, error) {
		return task.Payload, nil
	})

	bombID, err := p.AddTask("bomb", nil, model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask(bomb): %v", err)
	}
	res := awaitResult(t, p, bombID)
	if res.Status != StatusFailed || !strings.Contains(res.Err, "panicked") {
		t.Fatalf("panic result = %+v, want failed with panic message", res)
	}

	// The single worker must still be alive to run the next task.
	echoID, err := p.AddTask("echo", "still here", model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask(echo): %v", err)
	}
	if res := awaitResult(t, p, echoID); res.Status != StatusSucceeded {
		t.Errorf("task after panic = %+v, want success", res)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	p := startedPool(t, cfg)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	p.Register("record", func(_ context.Context, task Task) (any, error) {
		<-gate
		mu.Lock()
		order = append(order, task.Payload.(string))
		mu.Unlock()
		return nil, nil
	})

	// First task occupies the worker; the rest queue up behind it.
	if _, err := p.AddTask("record", "first", model.PriorityMedium, 0); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	var ids []string
	for _, tc := range []struct {
		payload  string
		priority model.Priority
	}{
		{"low", model.PriorityLow},
		{"medium", model.PriorityMedium},
		{"high", model.PriorityHigh},
	} {
		id, err := p.AddTask("record", tc.payload, tc.priority, 0)
		if err != nil {
			t.Fatalf("AddTask(%s): %v", tc.payload, err)
		}
		ids = append(ids, id)
	}
	close(gate)
	for _, id := range ids {
		awaitResult(t, p, id)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "high", "medium", "low"}
	for i, payload := range want {
		if order[i] != payload {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestQueueCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxQueueSize = 1
	p := startedPool(t, cfg)

	release := make(chan struct{})
	p.Register("block", func(_ context.Context, _ Task) (any, error) {
		<-release
		return nil, nil
	})

	// First task is picked up by the worker, second fills the queue.
	if _, err := p.AddTask("block", nil, model.PriorityMedium, 0); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := p.AddTask("block", nil, model.PriorityMedium, 0); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := p.AddTask("block", nil, model.PriorityMedium, 0); !errors.Is(err, ErrQueueFull) {
		t.Errorf("AddTask over capacity = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestStopFailsTasksAwaitingRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.RetryBackoff = time.Minute
	p := startedPool(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Register("flaky", func(_ context.Context, _ Task) (any, error) {
		close(started)
		<-release
		return nil, errors.New("transient")
	})

	id, err := p.AddTask("flaky", nil, model.PriorityMedium, 5)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Stop()

	// With Stop returned, the attempt that failed during shutdown must be
	// terminal already, not parked behind a minute-long retry timer.
	res := p.GetTaskResult(id)
	if res == nil {
		t.Fatal("no terminal result after Stop returned")
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if !strings.Contains(res.Err, "transient") {
		t.Errorf("error = %q, want the attempt's failure", res.Err)
	}
}

func TestDisabledPool(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	p := newTestPool(t, cfg)

	if err := p.Start(); !errors.Is(err, ErrDisabled) {
		t.Errorf("Start = %v, want ErrDisabled", err)
	}
	if _, err := p.AddTask("echo", nil, model.PriorityMedium, 0); !errors.Is(err, ErrDisabled) {
		t.Errorf("AddTask = %v, want ErrDisabled", err)
	}
}

func TestAddTaskValidation(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("echo", func(_ context.Context, task Task) (any, error) { return nil, nil })

	if _, err := p.AddTask("echo", nil, "urgent", 0); err == nil {
		t.Error("expected error for invalid priority")
	}
	if _, err := p.AddTask("echo", nil, model.PriorityLow, -1); err == nil {
		t.Error("expected error for negative max retries")
	}
	if _, err := p.AddTask("unknown", nil, model.PriorityLow, 0); err == nil {
		t.Error("expected error for unregistered kind")
	}
}

func TestExecuteSynchronous(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("double", func(_ context.Context, task Task) (any, error) {
		return task.Payload.(int) * 2, nil
	})

	res, err := p.Execute(context.Background(), "double", 21, model.PriorityHigh, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSucceeded || res.Value != 42 {
		t.Errorf("result = %+v, want 42", res)
	}
}

func TestStatsIncremental(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("echo", func(_ context.Context, task Task) (any, error) { return nil, nil })
	p.Register("fail", func(_ context.Context, task Task) (any, error) {
		return nil, errors.New("nope")
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := p.AddTask("echo", nil, model.PriorityMedium, 0)
		if err != nil {
			t.Fatalf("AddTask: %v", err)
		}
		ids = append(ids, id)
	}
	failID, err := p.AddTask("fail", nil, model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	for _, id := range append(ids, failID) {
		awaitResult(t, p, id)
	}

	st := p.Status().Stats
	if st.TasksProcessed != 4 || st.TasksSucceeded != 3 || st.TasksFailed != 1 {
		t.Errorf("stats = %+v, want 4 processed, 3 succeeded, 1 failed", st)
	}
	if st.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0", st.QueueDepth)
	}
}

func TestClearResults(t *testing.T) {
	p := startedPool(t, testConfig())
	p.Register("echo", func(_ context.Context, task Task) (any, error) { return nil, nil })

	id, err := p.AddTask("echo", nil, model.PriorityMedium, 0)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	awaitResult(t, p, id)
	if n := p.ClearResults(); n != 1 {
		t.Errorf("ClearResults = %d, want 1", n)
	}
	if res := p.GetTaskResult(id); res != nil {
		t.Errorf("result survived ClearResults: %+v", res)
	}
}

func TestSetConfig(t *testing.T) {
	p := startedPool(t, testConfig())

	cfg := p.Config()
	cfg.Workers = 8
	if err := p.SetConfig(cfg); err == nil {
		t.Error("expected error changing worker count while running")
	}

	cfg = p.Config()
	cfg.RetryBackoff = 20 * time.Millisecond
	if err := p.SetConfig(cfg); err != nil {
		t.Errorf("SetConfig: %v", err)
	}

	cfg.MaxQueueSize = 0
	if err := p.SetConfig(cfg); err == nil {
		t.Error("SetConfig accepted invalid config")
	}
}
