package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"media-transcribe-go/internal/pipeline"
)

func serveOnLoopback(t *testing.T, env *testEnv, base context.Context) (*http.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen unavailable: %v", err)
	}
	hs := &http.Server{
		Handler:     env.srv.Handler(),
		BaseContext: func(net.Listener) context.Context { return base },
	}
	go hs.Serve(ln)
	return hs, "http://" + ln.Addr().String()
}

func TestShutdownCancelsRunsThatOutliveDrain(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	started := make(chan struct{})
	var released atomic.Bool
	env.tr.run = func(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		// stands in for the deferred release of tracked files
		time.Sleep(50 * time.Millisecond)
		released.Store(true)
		return pipeline.Result{}, &pipeline.Error{Kind: pipeline.KindCanceled, Stage: pipeline.StageAcquire, Message: "media download canceled", Err: ctx.Err()}
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	hs, base := serveOnLoopback(t, env, runCtx)

	go func() {
		resp, err := http.Post(base+"/youtube", "application/json", strings.NewReader(`{"url":"https://example.com/v"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := env.srv.Shutdown(ctx, hs, cancelRuns)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if !released.Load() {
		t.Fatal("Shutdown returned before the canceled run finished cleanup")
	}
	if n := env.srv.InFlight(); n != 0 {
		t.Fatalf("in flight = %d after shutdown", n)
	}
}

func TestShutdownIdleLeavesRunsAlone(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	hs, _ := serveOnLoopback(t, env, runCtx)

	if err := env.srv.Shutdown(context.Background(), hs, cancelRuns); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if runCtx.Err() != nil {
		t.Fatal("clean shutdown must not cancel the run context")
	}
}

func TestShutdownGivesUpAfterCleanupWait(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.srv.cleanupWait = 50 * time.Millisecond
	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	env.tr.run = func(context.Context, pipeline.Request) (pipeline.Result, error) {
		close(started)
		<-unblock
		return pipeline.Result{}, nil
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	hs, base := serveOnLoopback(t, env, runCtx)

	go func() {
		resp, err := http.Post(base+"/youtube", "application/json", strings.NewReader(`{"url":"https://example.com/v"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := env.srv.Shutdown(ctx, hs, cancelRuns)
	if err == nil || !strings.Contains(err.Error(), "still running") {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
