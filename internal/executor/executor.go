// Package executor invokes the external execution service that places orders.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Order is a buy request with its optional auto-sell policy.
type Order struct {
	Mint          string
	SolAmount     decimal.Decimal
	AutoSell      bool
	TakeProfitPct float64
	StopLossPct   float64
}

// Outcome is the service's answer. Only Success and Error are interpreted.
type Outcome struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Executor places orders.
type Executor interface {
	// Execute submits order. A returned error means the service could not be
	// reached or answered unintelligibly; a service-side failure is reported
	// in Outcome with Success false.
	Execute(ctx context.Context, order Order) (Outcome, error)
}

// HTTPExecutor posts orders to an HTTP endpoint.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	logger   logrus.FieldLogger
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPExecutor) {
		e.client = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(e *HTTPExecutor) {
		e.client.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) HTTPOption {
	return func(e *HTTPExecutor) {
		e.logger = logger
	}
}

// NewHTTPExecutor creates an executor posting to endpoint.
func NewHTTPExecutor(endpoint string, opts ...HTTPOption) *HTTPExecutor {
	e := &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "executor")
	return e
}

type executeRequest struct {
	RequestID     string      `json:"request_id"`
	Token         string      `json:"token"`
	SolAmount     json.Number `json:"sol_amount"`
	AutoSell      bool        `json:"auto_sell"`
	TakeProfitPct float64     `json:"take_profit_pct"`
	StopLossPct   float64     `json:"stop_loss_pct"`
}

// Execute implements Executor. Orders are never retried: a timeout may
// still have produced a fill.
func (e *HTTPExecutor) Execute(ctx context.Context, order Order) (Outcome, error) {
	req := executeRequest{
		RequestID:     uuid.NewString(),
		Token:         order.Mint,
		SolAmount:     json.Number(order.SolAmount.String()),
		AutoSell:      order.AutoSell,
		TakeProfitPct: order.TakeProfitPct,
		StopLossPct:   order.StopLossPct,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Outcome{}, fmt.Errorf("execute %s: %w", order.Mint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}

	var out Outcome
	if err := json.Unmarshal(respBody, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Outcome{}, fmt.Errorf("execution service status %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
		return Outcome{}, fmt.Errorf("unmarshal outcome: %w", err)
	}
	if !out.Success && out.Error == "" && resp.StatusCode != http.StatusOK {
		out.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}

	e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"mint":       order.Mint,
		"success":    out.Success,
	}).Debug("Execution service replied")

	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// DryRunExecutor logs orders and reports success without contacting anything.
type DryRunExecutor struct {
	logger logrus.FieldLogger
}

// NewDryRunExecutor creates a dry-run executor.
func NewDryRunExecutor(logger logrus.FieldLogger) *DryRunExecutor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DryRunExecutor{logger: logger.WithField("component", "executor")}
}

// Execute implements Executor.
func (d *DryRunExecutor) Execute(_ context.Context, order Order) (Outcome, error) {
	d.logger.WithFields(logrus.Fields{
		"mint":        order.Mint,
		"sol_amount":  order.SolAmount.String(),
		"auto_sell":   order.AutoSell,
		"take_profit": order.TakeProfitPct,
		"stop_loss":   order.StopLossPct,
	}).Info("Dry run: order not sent")
	return Outcome{Success: true, Signature: "dry-run"}, nil
}
