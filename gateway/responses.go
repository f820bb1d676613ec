package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// Header names.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "X-PAYMENT-RESPONSE"
	HeaderPaymentSender    = "X-PAYMENT-SENDER"
	HeaderPaymentWindow    = "X-PAYMENT-WINDOW"
	HeaderRequestID        = "X-Request-ID"
	HeaderRetryAfter       = "Retry-After"
)

// Currency is the only settlement asset.
const Currency = "USDC"

// Instructions tell a caller how to pay.
type Instructions struct {
	Step1 string `json:"step_1"`
	Step2 string `json:"step_2"`
	Step3 string `json:"step_3"`
}

// PaymentRequiredBody is the 402 response body. Agents parse it to build
// their payment.
type PaymentRequiredBody struct {
	Error        string       `json:"error"`
	Service      string       `json:"service"`
	AmountUSD    json.Number  `json:"amount_usd"`
	Currency     string       `json:"currency"`
	Network      string       `json:"network"`
	Recipient    string       `json:"recipient"`
	Instructions Instructions `json:"instructions"`
	Reason       string       `json:"reason,omitempty"`
	Detail       string       `json:"detail,omitempty"`
}

// PaymentResponse is base64 JSON in the X-PAYMENT-RESPONSE header after a
// paid admission.
type PaymentResponse struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	Service         string `json:"service"`
	Network         string `json:"network"`
	Payer           string `json:"payer,omitempty"`
	Amount          string `json:"amount,omitempty"`
}

// ErrorBody is returned for everything that is not a 402.
type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (g *Gate) paymentRequiredBody(d *AdmitDecision) PaymentRequiredBody {
	amount := config.FormatUSD(d.PriceUSD)
	network := g.cfg.Network.DisplayName
	recipient := g.cfg.Recipient.Hex()

	return PaymentRequiredBody{
		Error:     "Payment Required",
		Service:   d.ServiceID,
		AmountUSD: json.Number(amount),
		Currency:  Currency,
		Network:   network,
		Recipient: recipient,
		Instructions: Instructions{
			Step1: fmt.Sprintf("Send %s %s to %s on %s", amount, Currency, recipient, network),
			Step2: fmt.Sprintf("Include the transaction hash in the %s header", HeaderPaymentSignature),
			Step3: "Retry the request with that header",
		},
		Reason: string(d.Reason),
		Detail: d.Detail,
	}
}

// paymentRequiredHeader renders the machine-readable PAYMENT-REQUIRED value:
// amount in raw token units, CAIP-2 network, recipient, asset, nonce, service.
func (g *Gate) paymentRequiredHeader(d *AdmitDecision) string {
	raw := utils.ToRawAmount(d.PriceUSD, g.cfg.Decimals)
	parts := []string{
		"amount=" + raw.String(),
		"network=" + g.cfg.Network.CAIP2(),
		"address=" + g.cfg.Recipient.Hex(),
		"asset=" + g.cfg.Contract.Hex(),
		"nonce=" + uuid.NewString(),
		"service=" + d.ServiceID,
	}
	return strings.Join(parts, "; ")
}

// ParsePaymentRequiredHeader splits a PAYMENT-REQUIRED value into its fields.
func ParsePaymentRequiredHeader(h string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(h, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func (g *Gate) paymentResponseHeader(d *AdmitDecision) (string, error) {
	if d.Result == nil || d.Result.Transfer == nil {
		return "", fmt.Errorf("no verified transfer")
	}
	t := d.Result.Transfer
	data, err := json.Marshal(PaymentResponse{
		TransactionHash: t.TxHash.Hex(),
		Status:          "redeemed",
		Service:         d.ServiceID,
		Network:         g.cfg.Network.CAIP2(),
		Payer:           t.From.Hex(),
		Amount:          d.Result.ActualUSD,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentResponse parses an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponse(h string) (*PaymentResponse, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	var resp PaymentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &resp, nil
}

// errorBody renders non-402 rejections. Internal faults carry no detail.
func errorBody(d *AdmitDecision) ErrorBody {
	switch d.Outcome {
	case OutcomeUnavailable:
		return ErrorBody{
			Error:  "Payment verification temporarily unavailable",
			Code:   types.ErrNetworkError,
			Reason: string(d.Reason),
			Detail: d.Detail,
		}
	case OutcomeUnknownService:
		return ErrorBody{Error: "Unknown service", Code: types.ErrUnknownService, Detail: d.Detail}
	case OutcomeMisconfigured:
		return ErrorBody{Error: "Payment service misconfigured", Code: types.ErrConfigError}
	default:
		return ErrorBody{Error: "Internal server error"}
	}
}
