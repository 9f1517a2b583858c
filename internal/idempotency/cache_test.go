package idempotency

import (
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]interface{}{
		"z": 1,
		"a": map[string]interface{}{"q": true, "b": []interface{}{"x", "y"}},
	}
	b := map[string]interface{}{
		"a": map[string]interface{}{"b": []interface{}{"x", "y"}, "q": true},
		"z": 1,
	}
	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb, "key order never affects the bytes")
	assert.Equal(t, `{"a":{"b":["x","y"],"q":true},"z":1}`, string(ca))
}

func TestCanonicalize_PreservesArrayOrder(t *testing.T) {
	ca, err := Canonicalize([]interface{}{"b", "a"})
	require.NoError(t, err)
	cb, err := Canonicalize([]interface{}{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, ca, cb)
}

func TestKey_StableAcrossEquivalentArgs(t *testing.T) {
	k1, err := Key("trace-1", "search", map[string]interface{}{"q": "go", "limit": 10})
	require.NoError(t, err)
	k2, err := Key("trace-1", "search", map[string]interface{}{"limit": 10, "q": "go"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Key("trace-2", "search", map[string]interface{}{"q": "go", "limit": 10})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "traces never share results")

	k4, err := Key("trace-1", "fetch", map[string]interface{}{"q": "go", "limit": 10})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "tool name is part of the key")

	assert.Len(t, k1, len("trace-1")+16)
}

func TestCache_TTLExpiry(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	c := NewCache(10, time.Minute, clk)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.True(t, c.Has("k"))

	clk.SetTime(clk.Now().Add(2 * time.Minute))
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.False(t, c.Has("k"))
}

func TestCache_LRUEvictionAtCapacity(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	c := NewCache(3, time.Hour, clk)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	// Touch k0 so k1 is the coldest.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k3", 3)
	assert.False(t, c.Has("k1"), "coldest entry evicted")
	assert.True(t, c.Has("k0"))
	assert.True(t, c.Has("k2"))
	assert.True(t, c.Has("k3"))
}

func TestManager_PerTraceIsolationAndDestroy(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	m := NewManager(10, time.Minute, clk)

	m.ForTrace("t1").Set("k", "v1")
	m.ForTrace("t2").Set("k", "v2")

	v, _ := m.ForTrace("t1").Get("k")
	assert.Equal(t, "v1", v)
	v, _ = m.ForTrace("t2").Get("k")
	assert.Equal(t, "v2", v)

	m.Destroy("t1")
	assert.Equal(t, 1, m.Traces())
	_, ok := m.ForTrace("t1").Get("k")
	assert.False(t, ok, "a destroyed trace starts empty")
}
