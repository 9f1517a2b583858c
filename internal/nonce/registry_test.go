package nonce

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_AdmitsEachKeyExactlyOnce(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	reg := NewMemoryRegistry(time.Hour, clk)
	ctx := context.Background()

	ok, err := reg.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "replay within TTL is rejected")

	// After the TTL the key is admissible again.
	clk.SetTime(time.Unix(1700000000, 0).Add(2 * time.Hour))
	ok, err = reg.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRegistry_ConcurrentReserveSingleWinner(t *testing.T) {
	reg := NewMemoryRegistry(time.Hour, nil)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	admitted := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.Reserve(ctx, "contended")
			require.NoError(t, err)
			admitted <- ok
		}()
	}
	wg.Wait()
	close(admitted)

	wins := 0
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one reservation wins")
}

func TestUnlockFingerprint_CanonicalAndCaseInsensitive(t *testing.T) {
	a := UnlockFingerprint("0xFROM", "0xTO", "0xNONCE", "1000", "1800000000")
	b := UnlockFingerprint("0xfrom", "0xto", "0xnonce", "1000", "1800000000")
	assert.Equal(t, a, b, "fingerprint lowercases signer fields")
	assert.Len(t, a, 64, "sha256 hex digest")

	c := UnlockFingerprint("0xfrom", "0xto", "0xnonce", "1001", "1800000000")
	assert.NotEqual(t, a, c)
}

func TestMemoryRegistry_DistinctKeysIndependent(t *testing.T) {
	reg := NewMemoryRegistry(time.Hour, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ok, err := reg.Reserve(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
