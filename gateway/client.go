package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"perpkeeper/logger"
	"perpkeeper/solana"
)

// Config controls the RPC client and the submit pipeline.
type Config struct {
	RPCURL string
	WSURL  string

	// Commitment level for reads, preflight and confirmation.
	Commitment string

	RequestTimeout    time.Duration
	RequestsPerSecond float64
	RequestBurst      int

	// MaxInFlight bounds concurrent Submit calls.
	MaxInFlight int

	// RetryMax bounds attempts per RPC call on transport faults.
	RetryMax int

	SkipPreflight            bool
	PriorityFeeMicroLamports uint64
	ConfirmTimeout           time.Duration
	ConfirmPollInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 50
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 45 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
}

// Client is the single door to the chain: JSON-RPC reads, transaction
// submission and websocket subscriptions.
type Client struct {
	config   Config
	http     *http.Client
	limiter  *rate.Limiter
	inflight chan struct{}
	reqID    atomic.Uint64
	log      *logger.Log
}

// NewClient creates a Client. Zero config fields fall back to defaults.
func NewClient(config Config) *Client {
	config.applyDefaults()
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RequestBurst),
		inflight: make(chan struct{}, config.MaxInFlight),
		log:      logger.GetLogger(),
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call runs one JSON-RPC method with rate limiting and bounded retries on
// transport faults. Server-side RPC errors are returned without retrying.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < c.config.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return &TransportError{Op: method, Err: ctx.Err()}
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: method, Err: err}
		}

		result, retryable, err := c.post(ctx, method, body)
		if err == nil {
			logger.IncrementRPCCall(len(body) + len(result))
			if out == nil || len(result) == 0 {
				return nil
			}
			if err := json.Unmarshal(result, out); err != nil {
				return &TransportError{Op: method, Err: fmt.Errorf("decode result: %w", err)}
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
			"method":  method,
			"attempt": attempt + 1,
		}).Warn("rpc call failed, retrying")
	}
	return lastErr
}

// post sends one HTTP round trip and classifies the outcome. The second
// return value reports whether a retry could help.
func (c *Client) post(ctx context.Context, method string, body []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, &TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, &TransportError{Op: method, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, true, &TransportError{Op: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if envelope.Error != nil {
		if se := simulationErrorFromRPC(envelope.Error); se != nil {
			return nil, false, se
		}
		return nil, false, &TransportError{Op: method, Err: envelope.Error}
	}
	return envelope.Result, false, nil
}

// AccountInfo is one fetched account with the slot it was read at.
type AccountInfo struct {
	Data     []byte
	Owner    solana.PublicKey
	Lamports uint64
	Slot     uint64
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data     []string `json:"data"`
	Owner    string   `json:"owner"`
	Lamports uint64   `json:"lamports"`
}

func (a *rpcAccount) decode(slot uint64) (*AccountInfo, error) {
	if len(a.Data) < 1 {
		return nil, fmt.Errorf("account data missing")
	}
	raw, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(a.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode account owner: %w", err)
	}
	return &AccountInfo{Data: raw, Owner: owner, Lamports: a.Lamports, Slot: slot}, nil
}

// GetMultipleAccounts fetches a batch of accounts in one request. Missing
// accounts come back nil. Returns the slot the node answered at.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*AccountInfo, uint64, error) {
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = k.String()
	}
	var result struct {
		Context rpcContext    `json:"context"`
		Value   []*rpcAccount `json:"value"`
	}
	params := []any{encoded, map[string]any{"encoding": "base64", "commitment": c.config.Commitment}}
	if err := c.call(ctx, "getMultipleAccounts", params, &result); err != nil {
		return nil, 0, err
	}
	if len(result.Value) != len(keys) {
		return nil, 0, &TransportError{Op: "getMultipleAccounts", Err: fmt.Errorf("got %d accounts for %d keys", len(result.Value), len(keys))}
	}
	infos := make([]*AccountInfo, len(keys))
	for i, acc := range result.Value {
		if acc == nil {
			continue
		}
		info, err := acc.decode(result.Context.Slot)
		if err != nil {
			return nil, 0, &TransportError{Op: "getMultipleAccounts", Err: err}
		}
		infos[i] = info
	}
	return infos, result.Context.Slot, nil
}

// GetAccountInfo fetches a single account. A missing account returns nil
// with no error.
func (c *Client) GetAccountInfo(ctx context.Context, key solana.PublicKey) (*AccountInfo, uint64, error) {
	var result struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	}
	params := []any{key.String(), map[string]any{"encoding": "base64", "commitment": c.config.Commitment}}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, 0, err
	}
	if result.Value == nil {
		return nil, result.Context.Slot, nil
	}
	info, err := result.Value.decode(result.Context.Slot)
	if err != nil {
		return nil, 0, &TransportError{Op: "getAccountInfo", Err: err}
	}
	return info, result.Context.Slot, nil
}

// KeyedAccount pairs a program-owned account with its address.
type KeyedAccount struct {
	Pubkey  solana.PublicKey
	Account *AccountInfo
}

// GetProgramAccounts lists the accounts owned by program, optionally
// filtered to an exact data size (0 disables the filter).
func (c *Client) GetProgramAccounts(ctx context.Context, program solana.PublicKey, dataSize uint64) ([]KeyedAccount, error) {
	opts := map[string]any{"encoding": "base64", "commitment": c.config.Commitment}
	if dataSize > 0 {
		opts["filters"] = []any{map[string]any{"dataSize": dataSize}}
	}
	var result []struct {
		Pubkey  string     `json:"pubkey"`
		Account rpcAccount `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []any{program.String(), opts}, &result); err != nil {
		return nil, err
	}
	accounts := make([]KeyedAccount, 0, len(result))
	for _, entry := range result {
		pk, err := solana.PublicKeyFromBase58(entry.Pubkey)
		if err != nil {
			return nil, &TransportError{Op: "getProgramAccounts", Err: err}
		}
		info, err := entry.Account.decode(0)
		if err != nil {
			return nil, &TransportError{Op: "getProgramAccounts", Err: err}
		}
		accounts = append(accounts, KeyedAccount{Pubkey: pk, Account: info})
	}
	return accounts, nil
}

// GetSlot returns the node's current slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	params := []any{map[string]any{"commitment": c.config.Commitment}}
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetClusterTime returns the block time of the current slot. Staleness
// bounds compare on-chain timestamps against the local clock; the skew
// between the two is what this reading exposes.
func (c *Client) GetClusterTime(ctx context.Context) (time.Time, error) {
	slot, err := c.GetSlot(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var unix *int64
	if err := c.call(ctx, "getBlockTime", []any{slot}, &unix); err != nil {
		return time.Time{}, err
	}
	if unix == nil {
		return time.Time{}, &TransportError{Op: "getBlockTime", Err: fmt.Errorf("no block time for slot %d", slot)}
	}
	return time.Unix(*unix, 0).UTC(), nil
}

// GetLatestBlockhash returns a recent blockhash for transaction assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var result struct {
		Context rpcContext `json:"context"`
		Value   struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": c.config.Commitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return solana.Hash{}, 0, err
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, 0, &TransportError{Op: "getLatestBlockhash", Err: err}
	}
	return hash, result.Value.LastValidBlockHeight, nil
}

// SendTransaction submits a signed wire transaction and returns its
// signature. Preflight rejections surface as SimulationError.
func (c *Client) SendTransaction(ctx context.Context, wire []byte) (string, error) {
	var signature string
	params := []any{base64.StdEncoding.EncodeToString(wire), map[string]any{
		"encoding":            "base64",
		"skipPreflight":       c.config.SkipPreflight,
		"preflightCommitment": c.config.Commitment,
	}}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus is one entry of a getSignatureStatuses response.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// GetSignatureStatuses reports the processing status of the given
// signatures. Unknown signatures come back nil.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{signatures, map[string]any{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != len(signatures) {
		return nil, &TransportError{Op: "getSignatureStatuses", Err: fmt.Errorf("got %d statuses for %d signatures", len(result.Value), len(signatures))}
	}
	return result.Value, nil
}
