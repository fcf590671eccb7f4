package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/observability"
	"solana-flowwatch/internal/ratelimit"
)

// Default configuration values.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultRetries        = 5
	DefaultTransientDelay = 1 * time.Second

	// maxExemptRateLimitWaits bounds free rate-limit retries when exemption is on.
	maxExemptRateLimitWaits = 20
)

// JSON-RPC error codes some providers use for quota exhaustion.
const (
	rpcCodeRateLimited = -32429
	rpcCodeTooMany     = 429
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
// All calls share one rate window.
type HTTPClient struct {
	endpoint        string
	client          *http.Client
	window          *ratelimit.Window
	retries         int
	transientDelay  time.Duration
	rateLimitExempt bool
	logger          logrus.FieldLogger
	requestID       atomic.Uint64

	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithRetries sets the default per-call retry budget.
func WithRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.retries = n
	}
}

// WithTransientDelay sets the fixed backoff after network or server failures.
func WithTransientDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.transientDelay = d
	}
}

// WithWindow sets the shared rate window.
func WithWindow(w *ratelimit.Window) ClientOption {
	return func(c *HTTPClient) {
		c.window = w
	}
}

// WithRateLimitExempt makes rate-limit retries free of the retry budget,
// up to a fixed number of waits per call.
func WithRateLimitExempt(exempt bool) ClientOption {
	return func(c *HTTPClient) {
		c.rateLimitExempt = exempt
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// NewHTTPClient creates a new Solana RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:       endpoint,
		client:         &http.Client{Timeout: DefaultTimeout},
		retries:        DefaultRetries,
		transientDelay: DefaultTransientDelay,
		logger:         logrus.StandardLogger(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.window == nil {
		w, _ := ratelimit.NewWindow(ratelimit.DefaultWindow, ratelimit.DefaultMaxRequests)
		c.window = w
	}
	c.logger = c.logger.WithField("component", "rpc")
	return c
}

// Window returns the rate window shared by this client's calls.
func (c *HTTPClient) Window() *ratelimit.Window {
	return c.window
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call performs a JSON-RPC call with the client's default retry budget.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.CallWithRetries(ctx, method, params, result, c.retries)
}

// CallWithRetries performs a JSON-RPC call. Every attempt is admitted through
// the rate window and costs one unit of retries. Rate-limited attempts back off
// for a full window, transient failures for the fixed transient delay.
// Upstream errors return immediately; a spent budget returns *RetriesExhaustedError.
func (c *HTTPClient) CallWithRetries(ctx context.Context, method string, params []interface{}, result interface{}, retries int) error {
	if retries < 1 {
		retries = 1
	}

	var (
		lastErr       error
		attempts      int
		rateLimitFree int
	)

	for retries > 0 {
		waited, err := c.window.Wait(ctx)
		if err != nil {
			return err
		}
		if waited > 0 {
			observability.RecordWindowWait(waited.Seconds())
		}

		attempts++
		retries--

		start := time.Now()
		err = c.do(ctx, method, params, result)
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			observability.RecordRPCFailure(method, "upstream")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		delay := c.transientDelay
		reason := "transient"
		if IsRateLimited(err) {
			delay = c.window.Duration()
			reason = "rate_limit"
			if c.rateLimitExempt && rateLimitFree < maxExemptRateLimitWaits {
				rateLimitFree++
				retries++
			}
		}

		if retries == 0 {
			break
		}

		observability.RecordRPCRetry(method, reason)
		c.logger.WithFields(logrus.Fields{
			"method":    method,
			"attempt":   attempts,
			"remaining": retries,
			"delay":     delay,
		}).Warnf("Retrying after %s error: %v", reason, err)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	observability.RecordRPCFailure(method, "exhausted")
	return &RetriesExhaustedError{Method: method, Attempts: attempts, Last: lastErr}
}

// do performs a single HTTP round trip and classifies the failure.
func (c *HTTPClient) do(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return &UpstreamError{Code: -1, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &UpstreamError{Code: -1, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("http request: %w", err)}
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Status: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))}
	case resp.StatusCode != http.StatusOK:
		return &UpstreamError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Body: string(respBody)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return &TransientError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		if isRateLimitRPCError(rpcResp.Error) {
			return &RateLimitError{Status: rpcResp.Error.Code, Body: rpcResp.Error.Message}
		}
		return &UpstreamError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Body: string(respBody)}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &UpstreamError{Code: -1, Message: fmt.Sprintf("unmarshal result: %v", err), Body: string(rpcResp.Result)}
		}
	}

	return nil
}

func isRateLimitRPCError(e *rpcError) bool {
	if e.Code == rpcCodeRateLimited || e.Code == rpcCodeTooMany {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// GetTransaction retrieves a transaction by signature.
func (c *HTTPClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}

	var result *getTransactionResult
	if err := c.Call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}

	if result == nil {
		// Transaction not found
		return nil, nil
	}

	tx := &Transaction{
		Slot:      result.Slot,
		Signature: signature,
	}

	if result.BlockTime != nil {
		tx.BlockTime = *result.BlockTime
	}

	if result.Meta != nil {
		tx.Meta = &TransactionMeta{
			Err:          result.Meta.Err,
			Fee:          result.Meta.Fee,
			LogMessages:  result.Meta.LogMessages,
			PreBalances:  result.Meta.PreBalances,
			PostBalances: result.Meta.PostBalances,
		}
		tx.Meta.PreTokenBalances = convertTokenBalances(result.Meta.PreTokenBalances)
		tx.Meta.PostTokenBalances = convertTokenBalances(result.Meta.PostTokenBalances)
		if la := result.Meta.LoadedAddresses; la != nil {
			tx.Meta.LoadedWritable = la.Writable
			tx.Meta.LoadedReadonly = la.Readonly
		}
	}

	if result.Transaction != nil && result.Transaction.Message != nil {
		msg := result.Transaction.Message
		tx.Message = &TransactionMessage{
			AccountKeys:  msg.AccountKeys,
			Instructions: make([]Instruction, len(msg.Instructions)),
		}
		for i, ix := range msg.Instructions {
			tx.Message.Instructions[i] = Instruction{
				ProgramIDIndex: ix.ProgramIDIndex,
				Accounts:       ix.Accounts,
				Data:           ix.Data,
			}
		}
	}

	return tx, nil
}

// getTransactionResult is the raw RPC response for getTransaction.
type getTransactionResult struct {
	Slot        int64               `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *getTransactionMeta `json:"meta"`
	Transaction *getTransactionTx   `json:"transaction"`
}

type getTransactionMeta struct {
	Err             interface{}         `json:"err"`
	Fee             uint64              `json:"fee"`
	LogMessages     []string            `json:"logMessages"`
	PreBalances     []uint64            `json:"preBalances"`
	PostBalances    []uint64            `json:"postBalances"`
	LoadedAddresses *getLoadedAddresses `json:"loadedAddresses"`

	PreTokenBalances  []getTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []getTokenBalance `json:"postTokenBalances"`
}

type getTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"uiTokenAmount"`
}

func convertTokenBalances(raw []getTokenBalance) []TokenBalance {
	if len(raw) == 0 {
		return nil
	}
	out := make([]TokenBalance, len(raw))
	for i, b := range raw {
		out[i] = TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       b.UITokenAmount.Amount,
			Decimals:     b.UITokenAmount.Decimals,
		}
	}
	return out
}

type getLoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type getTransactionTx struct {
	Message *getTransactionMessage `json:"message"`
}

type getTransactionMessage struct {
	AccountKeys  []string            `json:"accountKeys"`
	Instructions []getInstructionRaw `json:"instructions"`
}

type getInstructionRaw struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"` // base58
}

// GetSignaturesForAddress retrieves signatures for an address with pagination.
func (c *HTTPClient) GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error) {
	config := make(map[string]interface{})
	if opts != nil {
		if opts.Before != "" {
			config["before"] = opts.Before
		}
		if opts.Until != "" {
			config["until"] = opts.Until
		}
		if opts.Limit > 0 {
			config["limit"] = opts.Limit
		}
	}

	params := []interface{}{address}
	if len(config) > 0 {
		params = append(params, config)
	}

	var result []getSignaturesResult
	if err := c.Call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	sigs := make([]SignatureInfo, len(result))
	for i, r := range result {
		sigs[i] = SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			BlockTime: r.BlockTime,
			Err:       r.Err,
		}
	}

	return sigs, nil
}

// getSignaturesResult is the raw RPC response item for getSignaturesForAddress.
type getSignaturesResult struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
}

// GetAccountInfo retrieves account info by public key.
// Returns nil if account not found.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	params := []interface{}{
		pubkey,
		map[string]interface{}{
			"encoding": "base64",
		},
	}

	var result getAccountInfoResult
	if err := c.Call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, nil
	}

	info := &AccountInfo{
		Lamports:   result.Value.Lamports,
		Owner:      result.Value.Owner,
		Executable: result.Value.Executable,
		RentEpoch:  result.Value.RentEpoch,
	}

	if len(result.Value.Data) >= 1 {
		info.Data = result.Value.Data[0]
	}

	return info, nil
}

type getAccountInfoResult struct {
	Value *getAccountInfoValue `json:"value"`
}

type getAccountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

// GetSlot retrieves the current slot.
func (c *HTTPClient) GetSlot(ctx context.Context) (int64, error) {
	var result int64
	if err := c.Call(ctx, "getSlot", nil, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// GetBlockTime retrieves the estimated production time of slot.
// Returns 0 when the node has no timestamp for it.
func (c *HTTPClient) GetBlockTime(ctx context.Context, slot int64) (int64, error) {
	var result *int64
	if err := c.Call(ctx, "getBlockTime", []interface{}{slot}, &result); err != nil {
		return 0, err
	}
	if result == nil {
		return 0, nil
	}
	return *result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
