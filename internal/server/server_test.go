// ABOUTME: Tests for the process lifecycle: listeners, health endpoints, tasks and shutdown
// ABOUTME: Binds to ephemeral localhost ports

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/switchboard/internal/config"
)

func startServer(t *testing.T, s *Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.HTTPAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestServer_LifecycleAndHealth(t *testing.T) {
	s := New(config.ServerConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, nil)

	var taskStopped, closed atomic.Bool
	s.Go("ticker", func(ctx context.Context) error {
		<-ctx.Done()
		taskStopped.Store(true)
		return ctx.Err()
	})
	s.OnShutdown("resource", func() error {
		closed.Store(true)
		return nil
	})
	s.Router().Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	cancel, done := startServer(t, s)

	resp, err := http.Get("http://" + s.HTTPAddr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get("http://" + s.HTTPAddr() + "/ping")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	check, err := healthpb.NewHealthClient(conn).Check(t.Context(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.GetStatus())

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.True(t, taskStopped.Load())
	assert.True(t, closed.Load())
}

func TestServer_FailingTaskStopsProcess(t *testing.T) {
	s := New(config.ServerConfig{HTTPAddr: "127.0.0.1:0"}, nil)
	boom := errors.New("subscription lost")
	s.Go("relay", func(context.Context) error { return boom })

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	err := s.Run(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "relay")
}

func TestServer_ShutdownReportsCloseErrors(t *testing.T) {
	s := New(config.ServerConfig{HTTPAddr: "127.0.0.1:0"}, nil)
	s.OnShutdown("bus", func() error { return errors.New("already closed") })

	cancel, done := startServer(t, s)
	cancel()
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus")
}

func TestServer_ListenError(t *testing.T) {
	s := New(config.ServerConfig{HTTPAddr: "256.0.0.1:bad"}, nil)
	err := s.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}
