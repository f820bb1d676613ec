// Package gateway decides whether an inbound service call is admitted and
// exposes the HTTP surface around that decision.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/subscription"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// Outcome is the kind of admission decision.
type Outcome string

const (
	OutcomeAdmitted        Outcome = "admitted"
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeUnknownService  Outcome = "unknown_service"
	OutcomeMisconfigured   Outcome = "misconfigured"
	OutcomeInternalError   Outcome = "internal_error"
)

// Method records how an admitted request was paid for.
type Method string

const (
	MethodTest         Method = "test"
	MethodPayment      Method = "payment"
	MethodSubscription Method = "subscription"
)

// Verifier is the payment check the gate delegates to.
type Verifier interface {
	Verify(ctx context.Context, claim types.PaymentClaim, recipient common.Address, price decimal.Decimal) (*types.VerificationResult, error)
}

// Subscriptions authenticates and charges pre-paid keys.
type Subscriptions interface {
	Consume(key, serviceID string) (*subscription.Key, error)
}

// AdmitRequest carries the request attributes the gate looks at.
type AdmitRequest struct {
	ServiceID     string
	PaymentHeader string
	// SenderHeader and WindowHeader form a scan proof when no hash is given.
	SenderHeader string
	WindowHeader string
	APIKey       string
}

// AdmitDecision is the result of Admit.
type AdmitDecision struct {
	Outcome   Outcome
	Method    Method
	ServiceID string
	PriceUSD  decimal.Decimal
	// Result is set whenever the verifier ran.
	Result       *types.VerificationResult
	Subscription *subscription.Key
	// Reason and Detail explain a rejection to the caller.
	Reason     types.ErrorKind
	Detail     string
	RetryAfter time.Duration
}

func (d *AdmitDecision) Admitted() bool {
	return d.Outcome == OutcomeAdmitted
}

// Status maps the decision onto an HTTP status code.
func (d *AdmitDecision) Status() int {
	switch d.Outcome {
	case OutcomeAdmitted:
		return http.StatusOK
	case OutcomePaymentRequired:
		return http.StatusPaymentRequired
	case OutcomeUnavailable:
		return http.StatusServiceUnavailable
	case OutcomeUnknownService:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GateConfig is the fixed policy of a Gate.
type GateConfig struct {
	Mode      types.Mode
	Pricing   config.Pricing
	Recipient common.Address
	Contract  common.Address
	Network   types.NetworkInfo
	// Decimals scales prices into raw token units for the PAYMENT-REQUIRED header.
	Decimals      uint8
	VerifyTimeout time.Duration
	RetryAfter    time.Duration
	ScanEnabled   bool
	// APIKeyHeader carries subscription keys; defaults to X-API-Key.
	APIKeyHeader string
}

// Gate makes admission decisions. It is safe for concurrent use.
type Gate struct {
	cfg      GateConfig
	verifier Verifier
	subs     Subscriptions
	log      logger.Logger
	metrics  metrics.Recorder
}

// NewGate builds a gate. verifier may be nil only in test mode; subs may be
// nil to disable subscription keys.
func NewGate(cfg GateConfig, verifier Verifier, subs Subscriptions, log logger.Logger, rec metrics.Recorder) (*Gate, error) {
	switch cfg.Mode {
	case types.ModeTest:
	case types.ModeLive:
		if verifier == nil {
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: "live mode requires a payment verifier"}
		}
	default:
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	return &Gate{
		cfg:      cfg,
		verifier: verifier,
		subs:     subs,
		log:      log,
		metrics:  rec,
	}, nil
}

func (g *Gate) Config() GateConfig {
	return g.cfg
}

// Price returns the price of serviceID in the gate's mode.
func (g *Gate) Price(serviceID string) (decimal.Decimal, bool) {
	return g.cfg.Pricing.Price(serviceID)
}

// Admit decides whether req may proceed to the service. It never returns an
// error; faults are reported as OutcomeInternalError.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) *AdmitDecision {
	d := g.admit(ctx, req)

	labels := map[string]string{
		"network": string(g.cfg.Network.Network),
		"service": req.ServiceID,
		"reason":  string(d.Outcome),
	}
	switch d.Outcome {
	case OutcomeAdmitted:
		labels["reason"] = string(d.Method)
		g.metrics.IncCounter(metrics.EventAdmitted, labels)
	case OutcomePaymentRequired:
		if d.Reason != "" {
			labels["reason"] = string(d.Reason)
		}
		g.metrics.IncCounter(metrics.EventPaymentRequired, labels)
	case OutcomeUnavailable:
		g.metrics.IncCounter(metrics.EventUnavailable, labels)
	}
	return d
}

func (g *Gate) admit(ctx context.Context, req AdmitRequest) *AdmitDecision {
	price, ok := g.Price(req.ServiceID)
	if !ok {
		return &AdmitDecision{
			Outcome:   OutcomeUnknownService,
			ServiceID: req.ServiceID,
			Detail:    fmt.Sprintf("unknown service: %s", req.ServiceID),
		}
	}

	d := &AdmitDecision{ServiceID: req.ServiceID, PriceUSD: price}

	if g.cfg.Mode == types.ModeTest {
		g.log.Info("test mode: admitting without payment", map[string]any{
			"service":   req.ServiceID,
			"amountUsd": config.FormatUSD(price),
		})
		d.Outcome, d.Method = OutcomeAdmitted, MethodTest
		return d
	}

	var subErr error
	if req.APIKey != "" && g.subs != nil {
		key, err := g.subs.Consume(req.APIKey, req.ServiceID)
		if err == nil {
			g.log.Debug("admitted by subscription", map[string]any{
				"service":      req.ServiceID,
				"subscription": key.ID,
				"remaining":    key.Remaining(),
			})
			d.Outcome, d.Method, d.Subscription = OutcomeAdmitted, MethodSubscription, key
			return d
		}
		subErr = err
		g.log.Info("subscription key rejected", map[string]any{
			"service": req.ServiceID,
			"error":   err.Error(),
		})
	}

	proof, res := g.parseProof(req)
	if res != nil {
		return g.reject(d, res)
	}
	if proof.IsZero() {
		d.Outcome = OutcomePaymentRequired
		if subErr != nil {
			d.Detail = "subscription key rejected: " + subErr.Error()
		}
		return d
	}

	if g.cfg.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.VerifyTimeout)
		defer cancel()
	}

	claim := types.PaymentClaim{Proof: proof, ServiceID: req.ServiceID, ClaimedAmountUSD: price}
	result, err := g.verifier.Verify(ctx, claim, g.cfg.Recipient, price)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.Outcome = OutcomeUnavailable
			d.Reason = types.KindChainUnavailable
			d.Detail = "payment verification timed out"
			d.RetryAfter = g.cfg.RetryAfter
			return d
		}
		g.log.Error("payment verification failed", map[string]any{
			"service": req.ServiceID,
			"proof":   proof.String(),
			"error":   err.Error(),
		})
		d.Outcome = OutcomeInternalError
		return d
	}
	d.Result = result

	if result.Verified {
		g.log.Info("payment accepted", map[string]any{
			"service": req.ServiceID,
			"txHash":  result.Transfer.TxHash.Hex(),
			"payer":   result.Transfer.From.Hex(),
			"amount":  result.ActualUSD,
		})
		d.Outcome, d.Method = OutcomeAdmitted, MethodPayment
		return d
	}
	return g.reject(d, result)
}

// reject turns a failed verification into a decision.
func (g *Gate) reject(d *AdmitDecision, res *types.VerificationResult) *AdmitDecision {
	d.Reason, d.Detail = res.Reason, res.Detail

	switch res.Reason {
	case types.KindRecipientNotConfigured:
		g.log.Error("payment recipient not configured", map[string]any{"service": d.ServiceID})
		d.Outcome, d.Detail = OutcomeMisconfigured, ""
	case types.KindChainUnavailable:
		d.Outcome = OutcomeUnavailable
		d.RetryAfter = g.cfg.RetryAfter
	default:
		d.Outcome = OutcomePaymentRequired
		if res.Reason.Retryable() {
			d.RetryAfter = g.cfg.RetryAfter
		}
	}
	return d
}

// parseProof reads the payment headers. A zero proof with a nil result
// means no proof was supplied.
func (g *Gate) parseProof(req AdmitRequest) (types.Proof, *types.VerificationResult) {
	if h := strings.TrimSpace(req.PaymentHeader); h != "" {
		hash, err := utils.ParseTxHash(h)
		if err != nil {
			return types.Proof{}, types.Fail(types.KindInvalidProof, "payment header must be a 0x-prefixed 32-byte transaction hash")
		}
		return types.TxProof(hash), nil
	}

	if !g.cfg.ScanEnabled || strings.TrimSpace(req.SenderHeader) == "" {
		return types.Proof{}, nil
	}

	sender, err := utils.ParseAddress(req.SenderHeader)
	if err != nil {
		return types.Proof{}, types.Fail(types.KindInvalidProof, "invalid sender address")
	}
	window, err := parseWindow(req.WindowHeader)
	if err != nil {
		return types.Proof{}, types.Fail(types.KindInvalidProof, "invalid payment window: %v", err)
	}
	return types.Proof{Scan: &types.ScanProof{Sender: sender, Window: window}}, nil
}

// parseWindow accepts a Go duration ("5m") or a number of seconds.
func parseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("window is required")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
