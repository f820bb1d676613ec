// Package agent is a Go client for paygate services. It follows the 402
// payment instructions, pays through a caller-supplied Payer and retries the
// call with the resulting proof.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/gateway"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// PaymentRequest is what a Payer must pay, taken from a 402 response.
type PaymentRequest struct {
	Service   string
	AmountUSD decimal.Decimal
	// AmountRaw is in token base units.
	AmountRaw *big.Int
	Network   string
	Recipient common.Address
	Asset     common.Address
	Nonce     string
}

// Payer sends a stablecoin transfer and returns its transaction hash. The
// client never holds keys itself.
type Payer interface {
	Pay(ctx context.Context, req *PaymentRequest) (common.Hash, error)
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, req *PaymentRequest) (common.Hash, error)

func (f PayerFunc) Pay(ctx context.Context, req *PaymentRequest) (common.Hash, error) {
	return f(ctx, req)
}

// StaticProof returns a Payer that presents an already sent transaction.
func StaticProof(hash common.Hash) Payer {
	return PayerFunc(func(context.Context, *PaymentRequest) (common.Hash, error) {
		return hash, nil
	})
}

// PaymentError is a 402 the client could not resolve.
type PaymentError struct {
	Reason types.ErrorKind
	Detail string
	Body   gateway.PaymentRequiredBody
	// Header is the raw PAYMENT-REQUIRED value.
	Header string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return "payment required"
	}
	return fmt.Sprintf("payment rejected: %s: %s", e.Reason, e.Detail)
}

// Retryable reports whether the same proof may be accepted later.
func (e *PaymentError) Retryable() bool {
	return e.Reason.Retryable()
}

// APIError is any other non-2xx response.
type APIError struct {
	StatusCode int
	Body       gateway.ErrorBody
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if e.Body.Detail != "" {
		msg += ": " + e.Body.Detail
	}
	return fmt.Sprintf("paygate returned %d: %s", e.StatusCode, msg)
}

// ErrOverBudget is returned when a service asks more than MaxPrice.
var ErrOverBudget = errors.New("price exceeds budget")

// Result describes a successful call.
type Result struct {
	StatusCode int
	// Payment is set when the call was paid with a proof.
	Payment *gateway.PaymentResponse
	// TxHash is the proof presented, if any.
	TxHash *common.Hash
	Body   json.RawMessage
}

// Client calls paygate services.
type Client struct {
	baseURL  string
	http     *http.Client
	payer    Payer
	apiKey   string
	keyHdr   string
	maxPrice decimal.Decimal
	retry    *utils.RetryConfig
	log      logger.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithPayer(p Payer) Option {
	return func(c *Client) { c.payer = p }
}

// WithAPIKey sends a subscription key on every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithMaxPrice refuses to pay more than max USD per call.
func WithMaxPrice(max decimal.Decimal) Option {
	return func(c *Client) { c.maxPrice = max }
}

// WithRetry controls how long a submitted proof is retried while it is
// not yet mined or the chain is unavailable.
func WithRetry(cfg *utils.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		keyHdr:  "X-API-Key",
		retry: &utils.RetryConfig{
			MaxRetries: 5,
			BaseDelay:  2 * time.Second,
			MaxDelay:   15 * time.Second,
			Multiplier: 1.5,
			Jitter:     0.1,
		},
		log: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes service with req. On a 402 it pays through the configured
// Payer and retries with the proof. When out is non-nil the response body is
// decoded into it.
func (c *Client) Call(ctx context.Context, service string, req any, out any) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	res, err := c.do(ctx, service, body, nil)
	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Reason != "" || c.payer == nil {
		return c.finish(res, err, out)
	}

	preq, err := c.paymentRequest(perr)
	if err != nil {
		return nil, err
	}
	if !c.maxPrice.IsZero() && preq.AmountUSD.GreaterThan(c.maxPrice) {
		return nil, fmt.Errorf("%w: %s asks %s USD, limit %s", ErrOverBudget, service, preq.AmountUSD, c.maxPrice)
	}

	hash, err := c.payer.Pay(ctx, preq)
	if err != nil {
		return nil, fmt.Errorf("payment failed: %w", err)
	}
	c.log.Info("payment sent", map[string]any{
		"service": service,
		"txHash":  hash.Hex(),
		"amount":  preq.AmountUSD.String(),
	})

	retry := *c.retry
	retry.RetryIf = retryableCall
	res, rr := utils.RetryWithValue(ctx, &retry, func() (*Result, error) {
		return c.do(ctx, service, body, &hash)
	})
	if rr.LastError != nil {
		return c.finish(nil, unwrapRetry(rr.LastError), out)
	}
	return c.finish(res, nil, out)
}

func (c *Client) finish(res *Result, err error, out any) (*Result, error) {
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, service string, body []byte, proof *common.Hash) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/"+service, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHdr, c.apiKey)
	}
	if proof != nil {
		req.Header.Set(gateway.HeaderPaymentSignature, proof.Hex())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &types.X402Error{Code: types.ErrNetworkError, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := &Result{StatusCode: resp.StatusCode, Body: data, TxHash: proof}
		if h := resp.Header.Get(gateway.HeaderPaymentResponse); h != "" {
			if pr, err := gateway.DecodePaymentResponse(h); err == nil {
				res.Payment = pr
			}
		}
		return res, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		perr := &PaymentError{}
		if err := json.Unmarshal(data, &perr.Body); err != nil {
			return nil, fmt.Errorf("malformed 402 body: %w", err)
		}
		perr.Reason = types.ErrorKind(perr.Body.Reason)
		perr.Detail = perr.Body.Detail
		perr.Header = resp.Header.Get(gateway.HeaderPaymentRequired)
		return nil, perr
	default:
		aerr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, &aerr.Body)
		return nil, aerr
	}
}

// paymentRequest combines the 402 body with the PAYMENT-REQUIRED header.
func (c *Client) paymentRequest(perr *PaymentError) (*PaymentRequest, error) {
	b := perr.Body
	fields := gateway.ParsePaymentRequiredHeader(perr.Header)

	amount, err := utils.ValidateAmount(b.AmountUSD.String())
	if err != nil {
		return nil, fmt.Errorf("bad amount in 402 body: %w", err)
	}
	recipient, err := utils.ParseAddress(b.Recipient)
	if err != nil {
		return nil, fmt.Errorf("bad recipient in 402 body: %w", err)
	}

	preq := &PaymentRequest{
		Service:   b.Service,
		AmountUSD: amount,
		Network:   fields["network"],
		Recipient: recipient,
		Nonce:     fields["nonce"],
	}
	if raw, ok := new(big.Int).SetString(fields["amount"], 10); ok {
		preq.AmountRaw = raw
	}
	if asset, err := utils.ParseAddress(fields["asset"]); err == nil {
		preq.Asset = asset
	}
	return preq, nil
}

func retryableCall(err error) bool {
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	var aerr *APIError
	if errors.As(err, &aerr) {
		return aerr.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// unwrapRetry strips the retry sentinels so callers can errors.As the
// gateway's answer directly.
func unwrapRetry(err error) error {
	if errors.Is(err, utils.ErrContextCanceled) {
		return err
	}
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr
	}
	var aerr *APIError
	if errors.As(err, &aerr) {
		return aerr
	}
	return err
}
