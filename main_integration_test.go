package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/glof-monitor/internal/config"
	"github.com/example/glof-monitor/internal/handlers"
	"github.com/example/glof-monitor/internal/usecase"
)

type blockingService struct {
	started  chan struct{}
	release  chan struct{}
	finished atomic.Bool
	drained  atomic.Bool
}

func newBlockingService() *blockingService {
	return &blockingService{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingService) Predict(ctx context.Context, req usecase.PredictRequest) (*usecase.PredictionResult, error) {
	close(s.started)
	<-s.release
	s.finished.Store(true)
	return &usecase.PredictionResult{RequestID: "req-1", RiskLevel: 0.2, Location: req.Location, Timestamp: req.Timestamp}, nil
}

func (s *blockingService) GetResult(ctx context.Context, requestID string) (*usecase.PredictionResult, error) {
	return nil, usecase.ErrNotFound
}

func (s *blockingService) ListAlerts(ctx context.Context, limit int) ([]usecase.AlertInfo, error) {
	return nil, nil
}

func (s *blockingService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{}, nil
}

func (s *blockingService) WaitNotifications() {
	if s.finished.Load() {
		s.drained.Store(true)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	svc := newBlockingService()
	releaseOnce := sync.OnceFunc(func() { close(svc.release) })
	defer releaseOnce()

	router := gin.New()
	handlers.RegisterRoutes(router, svc, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- runAPI(server, cron.New(), svc, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 3 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		body := `{"image_url":"http://example.com/lake.png","location":{"lat":27.98,"lon":86.92}}`
		resp, err := client.Post("http://"+addr+"/predict", "application/json", strings.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("prediction did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	if svc.drained.Load() {
		t.Fatal("notifications drained before the in-flight prediction finished")
	}
	releaseOnce()

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"request_id":"req-1"`) {
			t.Fatalf("unexpected body: %s", body)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
	if !svc.drained.Load() {
		t.Fatal("expected notifications to be drained after the prediction completed")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestPredictorOptionsFollowConfig(t *testing.T) {
	cfg := config.Config{ImageSize: 128, ModelSeed: 7, BatchSize: 16}
	opts := predictorOptions(cfg)
	if opts.Architecture.InputSize != 128 || opts.Seed != 7 || opts.BatchSize != 16 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if err := opts.Architecture.Validate(); err != nil {
		t.Fatalf("expected valid architecture, got %v", err)
	}
}
