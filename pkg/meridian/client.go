// Package meridian is a small client for a running meridian daemon's status
// endpoints.
package meridian

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the gRPC health service name of the engine.
const EngineService = "meridian.engine"

// State mirrors the persisted engine state.
type State struct {
	PeakEquity          float64   `json:"peak_equity"`
	BaseRiskFraction    float64   `json:"base_risk_fraction"`
	CurrentRiskFraction float64   `json:"current_risk_fraction"`
	StopLossMultiplier  float64   `json:"stop_loss_multiplier"`
	PreviousRegime      string    `json:"previous_regime"`
	Cycle               int64     `json:"cycle"`
	Faults              int64     `json:"faults"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
}

// Outcome is one symbol's result in a cycle report.
type Outcome struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Report is the subset of a cycle report the client exposes.
type Report struct {
	Cycle        int64     `json:"cycle"`
	Policy       string    `json:"policy"`
	StartedAt    time.Time `json:"started_at"`
	Regime       string    `json:"regime"`
	RiskFraction float64   `json:"risk_fraction"`
	Equity       float64   `json:"equity"`
	DrawdownPct  float64   `json:"drawdown_pct"`
	Halted       bool      `json:"halted"`
	Outcomes     []Outcome `json:"outcomes"`
}

// Status is the response of GET /v1/state.
type Status struct {
	Policy     string  `json:"policy"`
	DryRun     bool    `json:"dry_run"`
	Halted     bool    `json:"halted"`
	State      State   `json:"state"`
	LastReport *Report `json:"last_report,omitempty"`
}

// Client queries the HTTP and gRPC status listeners of a daemon.
type Client struct {
	baseURL    string
	grpcAddr   string
	httpClient *http.Client
}

// NewClient creates a client for the HTTP listener at baseURL and the gRPC
// listener at grpcAddr.
func NewClient(baseURL, grpcAddr string) *Client {
	return &Client{
		baseURL:    baseURL,
		grpcAddr:   grpcAddr,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetState retrieves the engine state and last report.
func (c *Client) GetState(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/state", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GetState: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GetState: unexpected status %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("GetState: decoding: %w", err)
	}
	return &st, nil
}

// Health returns the serving status of the engine, e.g. "SERVING" or
// "NOT_SERVING".
func (c *Client) Health(ctx context.Context) (string, error) {
	conn, err := grpc.NewClient(c.grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", c.grpcAddr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: EngineService})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}
