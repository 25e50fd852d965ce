package shutdown

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/xmesh/meshcollect/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: io.Discard})
}

func TestNew(t *testing.T) {
	manager := New(Config{
		Timeout: 10 * time.Second,
		Logger:  testLogger(),
	})

	if manager == nil {
		t.Fatal("Expected non-nil manager")
	}
	if manager.timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", manager.timeout)
	}
}

func TestRegisterFunc(t *testing.T) {
	manager := New(Config{Logger: testLogger()})

	manager.RegisterFunc("journal", func(ctx context.Context) error {
		return nil
	})

	if len(manager.funcs) != 1 {
		t.Errorf("Expected 1 shutdown function, got %d", len(manager.funcs))
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	manager := New(Config{
		Logger:  testLogger(),
		Timeout: 5 * time.Second,
	})

	var order []string
	for _, name := range []string{"server", "forwarders", "session"} {
		n := name
		manager.RegisterFunc(n, func(ctx context.Context) error {
			order = append(order, n)
			return nil
		})
	}

	manager.Shutdown()

	select {
	case <-manager.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not complete in time")
	}

	want := []string{"session", "forwarders", "server"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d functions to run, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestShutdownWithError(t *testing.T) {
	manager := New(Config{
		Logger:  testLogger(),
		Timeout: 5 * time.Second,
	})

	var ran bool
	manager.RegisterFunc("first", func(ctx context.Context) error {
		ran = true
		return nil
	})

	manager.RegisterFunc("failing", func(ctx context.Context) error {
		return errors.New("close failed")
	})

	manager.Shutdown()

	select {
	case <-manager.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not complete in time")
	}

	// A failing component must not stop the rest of the teardown.
	if !ran {
		t.Error("Expected remaining shutdown functions to run after a failure")
	}
}

func TestShutdownTimeout(t *testing.T) {
	manager := New(Config{
		Logger:  testLogger(),
		Timeout: 100 * time.Millisecond,
	})

	var ranAfterDeadline bool
	manager.RegisterFunc("after", func(ctx context.Context) error {
		ranAfterDeadline = true
		return nil
	})

	manager.RegisterFunc("slow", func(ctx context.Context) error {
		select {
		case <-time.After(1 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	start := time.Now()
	manager.Shutdown()

	<-manager.Done()

	elapsed := time.Since(start)
	if elapsed > 500*time.Millisecond {
		t.Errorf("Shutdown took too long: %v", elapsed)
	}
	if ranAfterDeadline {
		t.Error("Expected components after the deadline to be skipped")
	}
}

func TestShutdownChannel(t *testing.T) {
	manager := New(Config{Logger: testLogger()})

	select {
	case <-manager.ShutdownChannel():
		t.Error("Shutdown channel should not be closed initially")
	default:
	}

	manager.Shutdown()

	select {
	case <-manager.ShutdownChannel():
	case <-time.After(1 * time.Second):
		t.Error("Shutdown channel should be closed after Shutdown()")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	manager := New(Config{Logger: testLogger()})

	var calls int
	manager.RegisterFunc("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	manager.Shutdown()
	manager.Shutdown()

	if calls != 1 {
		t.Errorf("Expected shutdown functions to run once, got %d", calls)
	}
}

func TestWaitWithTimeout(t *testing.T) {
	manager := New(Config{Logger: testLogger()})

	manager.RegisterFunc("fast", func(ctx context.Context) error {
		return nil
	})

	go func() {
		manager.Shutdown()
	}()

	if err := manager.WaitWithTimeout(5 * time.Second); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestWaitWithTimeout_Timeout(t *testing.T) {
	manager := New(Config{
		Logger:  testLogger(),
		Timeout: 5 * time.Second,
	})

	manager.RegisterFunc("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	go func() {
		manager.Shutdown()
	}()

	if err := manager.WaitWithTimeout(100 * time.Millisecond); err == nil {
		t.Error("Expected timeout error, got nil")
	}
}

type mockComponent struct {
	name     string
	stopFunc func(context.Context) error
}

func (m *mockComponent) Name() string {
	return m.name
}

func (m *mockComponent) Stop(ctx context.Context) error {
	if m.stopFunc != nil {
		return m.stopFunc(ctx)
	}
	return nil
}

func TestRegisterComponent(t *testing.T) {
	manager := New(Config{Logger: testLogger()})

	component := &mockComponent{
		name: "csv-sink",
		stopFunc: func(ctx context.Context) error {
			return nil
		},
	}

	manager.RegisterComponent(component)

	if len(manager.funcs) != 1 {
		t.Errorf("Expected 1 shutdown function, got %d", len(manager.funcs))
	}
}
