package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingService struct {
	name   string
	starts atomic.Int32
	fail   bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	if tree.config != DefaultTreeConfig() {
		t.Errorf("config = %+v, want defaults", tree.config)
	}
}

func TestTree_RunsAndStopsServices(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	core := &countingService{name: "core"}
	api := &countingService{name: "api"}
	tree.AddCoreService(core)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errc := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for core.starts.Load() == 0 || api.starts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("services did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-errc:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTree_RestartsFailingService(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{
		FailureThreshold: 100,
		FailureBackoff:   time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	flaky := &countingService{name: "flaky", fail: true}
	tree.AddMessagingService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for flaky.starts.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("service restarted %d times, want at least 3", flaky.starts.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errc
}
