package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/clients/chaintest"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/dispatcher"
	"github.com/vitwit/paygate/gateway"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"github.com/vitwit/paygate/verification"
)

var (
	usdc      = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	recipient = common.HexToAddress("0xDE8A632E7386A919b548352e0CB57DaCE566BbB5")
	payer     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

var fastRetry = &utils.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// newLiveGateway runs a live-mode gateway over a fake chain.
func newLiveGateway(t *testing.T) (*httptest.Server, *chaintest.Backend, *redemption.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chain := chaintest.New(84532, 100)
	reader := clients.NewEVMReader(chain, clients.ReaderConfig{
		Network: types.NetworkBaseSepolia,
		Retry:   &utils.RetryConfig{MaxRetries: 0},
	})
	store := redemption.NewMemoryStore()
	v, err := verification.NewVerifier(reader, store, verification.Config{
		Network:   types.NetworkBaseSepolia,
		Contract:  usdc,
		Decimals:  6,
		Tolerance: verification.DefaultTolerance,
	})
	require.NoError(t, err)

	pricing, err := config.NewPricing(map[string]string{"sentiment": "0.05"}, "")
	require.NoError(t, err)
	info, _ := types.LookupNetwork(types.NetworkBaseSepolia)
	gate, err := gateway.NewGate(gateway.GateConfig{
		Mode:      types.ModeLive,
		Pricing:   pricing,
		Recipient: recipient,
		Contract:  usdc,
		Network:   info,
		Decimals:  6,
	}, v, nil, nil, nil)
	require.NoError(t, err)

	disp := dispatcher.New(nil, nil)
	dispatcher.RegisterBuiltins(disp)

	srv := httptest.NewServer(gateway.NewServer(gateway.ServerConfig{}, gate, disp).Handler())
	t.Cleanup(srv.Close)
	return srv, chain, store
}

func TestCallPaysAndRetries(t *testing.T) {
	srv, chain, store := newLiveGateway(t)

	var paid atomic.Int32
	p := PayerFunc(func(ctx context.Context, req *PaymentRequest) (common.Hash, error) {
		paid.Add(1)
		assert.Equal(t, "sentiment", req.Service)
		assert.Equal(t, "0.05", req.AmountUSD.String())
		assert.Equal(t, big.NewInt(50000), req.AmountRaw)
		assert.Equal(t, "eip155:84532", req.Network)
		assert.Equal(t, usdc, req.Asset)
		assert.NotEmpty(t, req.Nonce)

		hash := common.HexToHash("0x" + strings.Repeat("ab", 32))
		chain.AddTransfer(hash, 95, req.Asset, payer, req.Recipient, req.AmountRaw)
		return hash, nil
	})

	c := New(srv.URL, WithPayer(p), WithRetry(fastRetry))

	var out dispatcher.SentimentResponse
	res, err := c.Call(context.Background(), "sentiment", dispatcher.SentimentRequest{Text: "I love it"}, &out)
	require.NoError(t, err)

	assert.Equal(t, int32(1), paid.Load())
	assert.Equal(t, "positive", out.Sentiment)
	require.NotNil(t, res.Payment)
	assert.Equal(t, payer.Hex(), res.Payment.Payer)
	assert.Equal(t, 1, store.Len())
}

func TestCallWithoutPayerReturns402(t *testing.T) {
	srv, _, _ := newLiveGateway(t)

	_, err := New(srv.URL).Call(context.Background(), "sentiment", map[string]string{"text": "x"}, nil)
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, perr.Reason)
	assert.Equal(t, "0.05", perr.Body.AmountUSD.String())
	assert.Contains(t, perr.Header, "amount=50000")
}

func TestPermanentRejectionNotRetried(t *testing.T) {
	srv, chain, _ := newLiveGateway(t)

	var calls atomic.Int32
	p := PayerFunc(func(ctx context.Context, req *PaymentRequest) (common.Hash, error) {
		calls.Add(1)
		hash := common.HexToHash("0x" + strings.Repeat("cd", 32))
		chain.AddTransfer(hash, 95, usdc, payer, payer, req.AmountRaw)
		return hash, nil
	})

	_, err := New(srv.URL, WithPayer(p), WithRetry(fastRetry)).
		Call(context.Background(), "sentiment", map[string]string{"text": "x"}, nil)
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.KindWrongRecipient, perr.Reason)
	assert.False(t, errors.Is(err, utils.ErrMaxRetriesExceeded))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPendingTransactionRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Header.Get(gateway.HeaderPaymentSignature) == "":
			w.Header().Set(gateway.HeaderPaymentRequired, "amount=50000; network=eip155:84532; address="+recipient.Hex())
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(gateway.PaymentRequiredBody{
				Error: "Payment Required", Service: "sentiment", AmountUSD: "0.05", Recipient: recipient.Hex(),
			})
		case n < 4:
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(gateway.PaymentRequiredBody{
				Error: "Payment Required", Reason: string(types.KindTransactionNotFound), Detail: "not mined",
			})
		default:
			_, _ = w.Write([]byte(`{"status":"success"}`))
		}
	}))
	defer srv.Close()

	hash := common.HexToHash("0x" + strings.Repeat("ef", 32))
	res, err := New(srv.URL, WithPayer(StaticProof(hash)), WithRetry(fastRetry)).
		Call(context.Background(), "sentiment", map[string]string{"text": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, hash, *res.TxHash)
	assert.Equal(t, int32(4), hits.Load())
}

func TestBudgetGuard(t *testing.T) {
	srv, _, _ := newLiveGateway(t)

	p := PayerFunc(func(context.Context, *PaymentRequest) (common.Hash, error) {
		t.Fatal("payer must not be called over budget")
		return common.Hash{}, nil
	})
	_, err := New(srv.URL, WithPayer(p), WithMaxPrice(decimal.RequireFromString("0.01"))).
		Call(context.Background(), "sentiment", map[string]string{"text": "x"}, nil)
	assert.ErrorIs(t, err, ErrOverBudget)
}

func TestAPIError(t *testing.T) {
	srv, _, _ := newLiveGateway(t)

	_, err := New(srv.URL).Call(context.Background(), "horoscope", map[string]string{}, nil)
	var aerr *APIError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, http.StatusNotFound, aerr.StatusCode)
	assert.Equal(t, types.ErrUnknownService, aerr.Body.Code)
}
