package verification

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/clients/chaintest"
	"github.com/vitwit/paygate/events"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

var (
	usdc      = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	recipient = common.HexToAddress("0xDE8A632E7386A919b548352e0CB57DaCE566BbB5")
	payer     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger  = common.HexToAddress("0x9999999999999999999999999999999999999999")

	txA = common.HexToHash("0x" + strings.Repeat("aa", 32))

	price = decimal.RequireFromString("0.05")
)

type fixture struct {
	chain    *chaintest.Backend
	store    *redemption.MemoryStore
	verifier *Verifier
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithTimeout(t, time.Second, mutate, opts...)
}

func newFixtureWithTimeout(t *testing.T, callTimeout time.Duration, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()

	chain := chaintest.New(84532, 100)
	reader := clients.NewEVMReader(chain, clients.ReaderConfig{
		Network:     types.NetworkBaseSepolia,
		CallTimeout: callTimeout,
		Retry:       &utils.RetryConfig{MaxRetries: 0},
	})
	store := redemption.NewMemoryStore()

	cfg := Config{
		Network:   types.NetworkBaseSepolia,
		Contract:  usdc,
		Decimals:  6,
		Tolerance: DefaultTolerance,
		Scope:     types.ScopeService,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	v, err := NewVerifier(reader, store, cfg, opts...)
	require.NoError(t, err)
	return &fixture{chain: chain, store: store, verifier: v}
}

func claimFor(hash common.Hash, service string) types.PaymentClaim {
	return types.PaymentClaim{Proof: types.TxProof(hash), ServiceID: service, ClaimedAmountUSD: price}
}

func (f *fixture) verify(t *testing.T, claim types.PaymentClaim) *types.VerificationResult {
	t.Helper()
	res, err := f.verifier.Verify(context.Background(), claim, recipient, price)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestScenarios(t *testing.T) {
	t.Run("A valid payment", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		res := f.verify(t, claimFor(txA, "sentiment"))
		require.True(t, res.Verified, res.Detail)
		assert.Equal(t, uint64(90), res.BlockNumber)
		assert.Equal(t, payer, res.Transfer.From)
		assert.True(t, res.Transfer.AmountUSD().Equal(price))
	})

	t.Run("B replay", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		require.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.False(t, res.Verified)
		assert.Equal(t, types.KindAlreadyRedeemed, res.Reason)
		assert.False(t, res.Retryable())
	})

	t.Run("C wrong recipient", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, stranger, big.NewInt(50000))

		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, types.KindWrongRecipient, res.Reason)
		assert.Equal(t, 0, f.store.Len())
	})

	t.Run("D insufficient amount", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(30000))

		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, types.KindInsufficientAmount, res.Reason)
		assert.Equal(t, "0.05", res.ExpectedUSD)
		assert.Equal(t, "0.03", res.ActualUSD)
		assert.Contains(t, res.Detail, "0.03")
		assert.Equal(t, 0, f.store.Len())
	})

	t.Run("E reverted transaction", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddReceipt(txA, 90, 0, chaintest.TransferLog(usdc, payer, recipient, big.NewInt(50000)))

		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, types.KindTransactionFailed, res.Reason)
		assert.False(t, res.Retryable())
	})

	t.Run("F chain unavailable then recovered", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		f.chain.Fail(chaintest.ErrUnreachable)
		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, types.KindChainUnavailable, res.Reason)
		assert.True(t, res.Retryable())
		assert.Equal(t, 0, f.store.Len())

		f.chain.Fail(nil)
		res = f.verify(t, claimFor(txA, "sentiment"))
		assert.True(t, res.Verified, res.Detail)
	})

	t.Run("F rpc timeout then recovered", func(t *testing.T) {
		f := newFixtureWithTimeout(t, 50*time.Millisecond, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		f.chain.Stall()
		start := time.Now()
		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, types.KindChainUnavailable, res.Reason, res.Detail)
		assert.True(t, res.Retryable())
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, f.store.Len())

		f.chain.Release()
		res = f.verify(t, claimFor(txA, "sentiment"))
		assert.True(t, res.Verified, res.Detail)
		assert.Equal(t, 1, f.store.Len())
	})
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		recipient common.Address
		want      types.ErrorKind
		retryable bool
	}{
		{
			name:      "transaction not mined",
			setup:     func(f *fixture) {},
			recipient: recipient,
			want:      types.KindTransactionNotFound,
			retryable: true,
		},
		{
			name: "no transfer log",
			setup: func(f *fixture) {
				f.chain.AddReceipt(txA, 90, 1)
			},
			recipient: recipient,
			want:      types.KindNoTransferFound,
		},
		{
			name: "transfer of another token",
			setup: func(f *fixture) {
				other := common.HexToAddress("0x4444444444444444444444444444444444444444")
				f.chain.AddTransfer(txA, 90, other, payer, recipient, big.NewInt(50000))
			},
			recipient: recipient,
			want:      types.KindNoTransferFound,
		},
		{
			name: "overpaid to wrong recipient",
			setup: func(f *fixture) {
				f.chain.AddTransfer(txA, 90, usdc, payer, stranger, big.NewInt(5_000_000))
			},
			recipient: recipient,
			want:      types.KindWrongRecipient,
		},
		{
			name: "wrong recipient and underpaid",
			setup: func(f *fixture) {
				f.chain.AddTransfer(txA, 90, usdc, payer, stranger, big.NewInt(1))
			},
			recipient: recipient,
			want:      types.KindWrongRecipient,
		},
		{
			name: "recipient not configured",
			setup: func(f *fixture) {
				f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))
			},
			recipient: common.Address{},
			want:      types.KindRecipientNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.setup(f)

			res, err := f.verifier.Verify(context.Background(), claimFor(txA, "sentiment"), tt.recipient, price)
			require.NoError(t, err)
			assert.False(t, res.Verified)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, tt.retryable, res.Retryable())
			assert.Equal(t, 0, f.store.Len())
		})
	}
}

func TestToleranceBoundary(t *testing.T) {
	// price 0.05 with 1% tolerance accepts 0.0495 and nothing below
	tests := []struct {
		raw  int64
		want bool
	}{
		{49500, true},
		{49499, false},
		{50000, true},
		{75000, true},
	}

	for _, tt := range tests {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(tt.raw))

		res := f.verify(t, claimFor(txA, "sentiment"))
		assert.Equal(t, tt.want, res.Verified, "raw %d: %s", tt.raw, res.Detail)
		if !tt.want {
			assert.Equal(t, types.KindInsufficientAmount, res.Reason)
		}
	}

	f := newFixture(t, nil)
	assert.True(t, f.verifier.Threshold(price).Equal(decimal.RequireFromString("0.0495")))
}

func TestLargestMatchingTransferWins(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.AddReceipt(txA, 90, 1,
		chaintest.TransferLog(usdc, payer, stranger, big.NewInt(900000)),
		chaintest.TransferLog(usdc, payer, recipient, big.NewInt(10000)),
		chaintest.TransferLog(usdc, payer, recipient, big.NewInt(60000)),
	)

	res := f.verify(t, claimFor(txA, "sentiment"))
	require.True(t, res.Verified, res.Detail)
	assert.Equal(t, big.NewInt(60000), res.Transfer.RawAmount)
}

func TestConcurrentRedemption(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

	const n = 24
	results := make([]*types.VerificationResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.verifier.Verify(context.Background(), claimFor(txA, "sentiment"), recipient, price)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	verified := 0
	for _, res := range results {
		if res.Verified {
			verified++
			continue
		}
		assert.Equal(t, types.KindAlreadyRedeemed, res.Reason)
	}
	assert.Equal(t, 1, verified)
	assert.Equal(t, 0, f.verifier.locks.size())
}

func TestReplayScope(t *testing.T) {
	t.Run("service scope allows other services", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		assert.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
		assert.True(t, f.verify(t, claimFor(txA, "translate")).Verified)
		assert.Equal(t, types.KindAlreadyRedeemed, f.verify(t, claimFor(txA, "translate")).Reason)
	})

	t.Run("global scope is one shot", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.Scope = types.ScopeGlobal })
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		assert.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
		assert.Equal(t, types.KindAlreadyRedeemed, f.verify(t, claimFor(txA, "translate")).Reason)
	})

	t.Run("hex case does not bypass replay check", func(t *testing.T) {
		f := newFixture(t, nil)
		f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

		upper, err := utils.ParseTxHash("0x" + strings.Repeat("AA", 32))
		require.NoError(t, err)

		assert.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
		assert.Equal(t, types.KindAlreadyRedeemed, f.verify(t, claimFor(upper, "sentiment")).Reason)
	})
}

func TestConfirmations(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinConfirmations = 5 })
	f.chain.AddTransfer(txA, 98, usdc, payer, recipient, big.NewInt(50000))

	res := f.verify(t, claimFor(txA, "sentiment"))
	assert.Equal(t, types.KindInsufficientConfirmations, res.Reason)
	assert.True(t, res.Retryable())
	assert.Equal(t, 0, f.store.Len())

	f.chain.SetHead(102)
	res = f.verify(t, claimFor(txA, "sentiment"))
	assert.True(t, res.Verified, res.Detail)
}

func TestProofAge(t *testing.T) {
	var chainNow time.Time
	f := newFixture(t, func(c *Config) { c.MaxProofAge = time.Minute }, WithClock(func() time.Time { return chainNow }))
	chainNow = f.chain.TimeOf(100)

	old := common.HexToHash("0x" + strings.Repeat("bb", 32))
	f.chain.AddTransfer(old, 10, usdc, payer, recipient, big.NewInt(50000))
	f.chain.AddTransfer(txA, 95, usdc, payer, recipient, big.NewInt(50000))

	assert.Equal(t, types.KindProofExpired, f.verify(t, claimFor(old, "sentiment")).Reason)
	assert.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
}

func TestDecimalsFromChain(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Decimals = 0 })
	f.chain.SetDecimals(18)
	f.chain.AddTransfer(txA, 90, usdc, payer, recipient, new(big.Int).Mul(big.NewInt(5), big.NewInt(1e16)))

	res := f.verify(t, claimFor(txA, "sentiment"))
	require.True(t, res.Verified, res.Detail)
	assert.Equal(t, uint8(18), res.Transfer.Decimals)
}

type failingStore struct {
	*redemption.MemoryStore
}

func (failingStore) Redeem(context.Context, redemption.Record) error {
	return errors.New("disk full")
}

func TestStoreFaultIsAnError(t *testing.T) {
	chain := chaintest.New(84532, 100)
	chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))
	reader := clients.NewEVMReader(chain, clients.ReaderConfig{Retry: &utils.RetryConfig{}})

	v, err := NewVerifier(reader, failingStore{redemption.NewMemoryStore()}, Config{
		Contract: usdc, Decimals: 6, Tolerance: DefaultTolerance,
	})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), claimFor(txA, "sentiment"), recipient, price)
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "disk full")
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Redemption
}

func (p *recordingPublisher) PublishRedemption(_ context.Context, r events.Redemption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, r)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRedemptionIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, nil, WithPublisher(pub))
	f.chain.AddTransfer(txA, 90, usdc, payer, recipient, big.NewInt(50000))

	require.True(t, f.verify(t, claimFor(txA, "sentiment")).Verified)
	f.verify(t, claimFor(txA, "sentiment"))

	require.Len(t, pub.got, 1)
	assert.Equal(t, "sentiment", pub.got[0].ServiceID)
	assert.Equal(t, "0.05", pub.got[0].AmountUSD)
	assert.Equal(t, payer.Hex(), pub.got[0].Payer)
}

func TestNewVerifierValidation(t *testing.T) {
	reader := clients.NewEVMReader(chaintest.New(1, 1), clients.ReaderConfig{})
	store := redemption.NewMemoryStore()

	_, err := NewVerifier(reader, store, Config{Tolerance: DefaultTolerance})
	assert.Error(t, err)

	_, err = NewVerifier(reader, store, Config{Contract: usdc, Tolerance: decimal.RequireFromString("0.5")})
	assert.Error(t, err)

	_, err = NewVerifier(reader, store, Config{Contract: usdc, Scope: "bogus"})
	assert.Error(t, err)

	v, err := NewVerifier(reader, store, Config{Contract: usdc})
	require.NoError(t, err)
	assert.Equal(t, types.ScopeService, v.cfg.Scope)

	res, err := v.Verify(context.Background(), types.PaymentClaim{ServiceID: "x"}, recipient, price)
	require.NoError(t, err)
	assert.Equal(t, types.KindInvalidProof, res.Reason)
}
