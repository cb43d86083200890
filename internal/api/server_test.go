package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/metrics"
	"meridian/internal/trader"
	"meridian/internal/util"
)

type fakeStatus struct {
	mu sync.Mutex
	st trader.Status
}

func (f *fakeStatus) Status() trader.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeStatus) setHalted(h bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.Halted = h
}

func newFake() *fakeStatus {
	return &fakeStatus{st: trader.Status{
		Policy: "simple-momentum",
		State:  engine.State{Cycle: 3, PeakEquity: 101000, PreviousRegime: domain.RegimeBull},
		LastReport: &engine.Report{
			Cycle:  3,
			Regime: domain.RegimeBull,
			Outcomes: []engine.Outcome{
				{Symbol: "NVDA", Action: engine.ActionHold},
			},
		},
	}}
}

func TestHTTPRoutes(t *testing.T) {
	src := newFake()
	m := metrics.New()
	m.ObserveCycle(metrics.CycleCompleted, time.Second)
	s := NewServer(config.Server{}, src, m, util.Discard())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/state")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Policy string `json:"policy"`
		State  struct {
			Cycle          int64  `json:"cycle"`
			PreviousRegime string `json:"previous_regime"`
		} `json:"state"`
		LastReport struct {
			Regime string `json:"regime"`
		} `json:"last_report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding /v1/state: %v", err)
	}
	resp.Body.Close()
	if body.Policy != "simple-momentum" || body.State.Cycle != 3 || body.State.PreviousRegime != "bull" || body.LastReport.Regime != "bull" {
		t.Errorf("/v1/state = %+v", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), `meridian_cycles_total{outcome="completed"} 1`) {
		t.Errorf("/metrics missing cycle counter:\n%s", raw)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", resp.StatusCode)
	}

	src.setHalted(true)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz while halted = %d, want 503", resp.StatusCode)
	}
}

func TestGRPCHealth(t *testing.T) {
	src := newFake()
	s := NewServer(config.Server{}, src, nil, util.Discard())
	s.refresh = 10 * time.Millisecond

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, nil, lis) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}

	src.setHalted(true)
	deadline := time.Now().Add(5 * time.Second)
	for check() != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("health never reported NOT_SERVING while halted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
