package paygate

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/clients/chaintest"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/gateway"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const recipientHex = "0xDE8A632E7386A919b548352e0CB57DaCE566BbB5"

func liveConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = types.ModeLive
	cfg.Payment.Recipient = recipientHex
	cfg.Store.Driver = "memory"
	require.NoError(t, cfg.Validate())
	return cfg
}

func post(h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAppLiveFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := liveConfig(t)

	chain := chaintest.New(cfg.NetworkInfo().ChainID, 100)
	reader := clients.NewEVMReader(chain, clients.ReaderConfig{
		Network: cfg.Chain.Network,
		Retry:   &utils.RetryConfig{MaxRetries: 0},
	})
	store := redemption.NewMemoryStore()

	app, err := New(context.Background(), cfg,
		WithLogger(logger.NoopLogger{}),
		WithChainReader(reader),
		WithStore(store),
	)
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.Verifier())

	h := app.Handler()
	body := `{"text":"great"}`

	w := post(h, "/agent/sentiment", body, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	tx := common.HexToHash("0x" + strings.Repeat("aa", 32))
	chain.AddTransfer(tx, 99, cfg.Contract(), common.HexToAddress("0x01"), cfg.Recipient(), big.NewInt(50000))

	w = post(h, "/agent/sentiment", body, map[string]string{gateway.HeaderPaymentSignature: tx.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, store.Len())

	w = post(h, "/agent/sentiment", body, map[string]string{gateway.HeaderPaymentSignature: tx.Hex()})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	m := httptest.NewRecorder()
	h.ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), `paygate_events_total{network="base-sepolia",reason="payment",service="sentiment",type="admitted"} 1`)
}

func TestAppWarnsWhenDecimalsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := liveConfig(t)
	cfg.Chain.Decimals = 0
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())

	chain := chaintest.New(cfg.NetworkInfo().ChainID, 100)
	chain.Fail(chaintest.ErrUnreachable)
	reader := clients.NewEVMReader(chain, clients.ReaderConfig{
		Network: cfg.Chain.Network,
		Retry:   &utils.RetryConfig{MaxRetries: 0},
	})

	core, logs := observer.New(zapcore.WarnLevel)
	app, err := New(context.Background(), cfg,
		WithLogger(logger.NewFromZap(zap.New(core))),
		WithChainReader(reader),
		WithStore(redemption.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer app.Close()

	warned := logs.FilterMessageSnippet("token decimals unavailable").All()
	require.Len(t, warned, 1)
	assert.Equal(t, cfg.Contract().Hex(), warned[0].ContextMap()["contract"])
	assert.Contains(t, warned[0].ContextMap()["error"], "connection refused")

	w := post(app.Handler(), "/agent/sentiment", `{"text":"great"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	header := gateway.ParsePaymentRequiredHeader(w.Header().Get(gateway.HeaderPaymentRequired))
	assert.Equal(t, "50000", header["amount"])
}

func TestAppTestModeWithoutChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Chain.RPCURL = ""
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())

	app, err := New(context.Background(), cfg, WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.ChainReader())
	assert.Nil(t, app.Verifier())

	w := post(app.Handler(), "/agent/summarize", `{"text":"one two three","max_length":2}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"summary":"one two..."`)

	m := httptest.NewRecorder()
	app.Handler().ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, m.Code)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Chain.RPCURL = ""
	cfg.Server.Listen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	app, err := New(context.Background(), cfg, WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(config.StoreConfig{Driver: "leveldb", Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenStore(config.StoreConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
