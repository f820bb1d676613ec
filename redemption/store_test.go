package redemption

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paygate/types"
)

func TestKey(t *testing.T) {
	h := common.HexToHash("0xABCDEF")
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000abcdef|sentiment",
		Key(h, "sentiment", types.ScopeService))
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000abcdef",
		Key(h, "sentiment", types.ScopeGlobal))
	assert.NotEqual(t, Key(h, "sentiment", types.ScopeService), Key(h, "translate", types.ScopeService))
}

// storeSuite runs the behaviour every Store must share.
func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("RedeemOnce", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		ok, err := s.Redeemed(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Redeem(ctx, Record{Key: "k1", TxHash: "0x01", ServiceID: "a"}))
		assert.ErrorIs(t, s.Redeem(ctx, Record{Key: "k1", TxHash: "0x01", ServiceID: "a"}), ErrAlreadyRedeemed)

		ok, err = s.Redeemed(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Redeem(ctx, Record{Key: "k2", TxHash: "0x01", ServiceID: "b"}))
	})

	t.Run("ConcurrentRedeem", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Redeem(ctx, Record{Key: "race", TxHash: "0x02"})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAlreadyRedeemed):
					losses.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(31), losses.Load())
	})

	t.Run("Prune", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		now := time.Now().UTC()
		require.NoError(t, s.Redeem(ctx, Record{Key: "old", RedeemedAt: now.Add(-48 * time.Hour)}))
		require.NoError(t, s.Redeem(ctx, Record{Key: "new", RedeemedAt: now}))

		n, err := s.Prune(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err := s.Redeemed(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Redeemed(ctx, "new")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestLevelDBStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := OpenLevelDBInMemory()
		require.NoError(t, err)
		return s
	})
}

func TestLevelDBStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "redemptions")

	s, err := OpenLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, s.Redeem(ctx, Record{Key: "persisted", TxHash: "0x03", ServiceID: "sentiment"}))
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Redeemed(ctx, "persisted")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, s.Redeem(ctx, Record{Key: "persisted"}), ErrAlreadyRedeemed)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PAYGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAYGATE_TEST_POSTGRES_DSN not set")
	}

	storeSuite(t, func(t *testing.T) Store {
		s, err := OpenPostgres(dsn)
		require.NoError(t, err)
		require.NoError(t, s.db.Exec("TRUNCATE paygate_redemptions").Error)
		return s
	})
}

func TestRunPruner(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Redeem(ctx, Record{Key: "old", RedeemedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.Redeem(ctx, Record{Key: "new"}))

	done := make(chan struct{})
	go func() {
		RunPruner(ctx, s, 10*time.Minute, 5*time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// zero retention never prunes
	RunPruner(context.Background(), s, 0, time.Millisecond, nil)
	assert.Equal(t, 1, s.Len())
}
