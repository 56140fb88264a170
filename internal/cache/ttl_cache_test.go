package cache

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_Expiry(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	tc := clock.NewTestClock(t0)
	c, err := NewTTLCache[string, int](10, 5*time.Minute, tc)
	require.NoError(t, err)

	c.Add("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	tc.SetTime(t0.Add(5*time.Minute - time.Second))
	_, ok = c.Get("a")
	assert.True(t, ok, "TTL 内有效")

	tc.SetTime(t0.Add(5 * time.Minute))
	_, ok = c.Get("a")
	assert.False(t, ok, "过期条目不能返回")
	assert.Equal(t, 0, c.Len(), "过期条目读取时移除")
}

func TestTTLCache_BoundedAndPurge(t *testing.T) {
	c, err := NewTTLCache[int, int](2, time.Hour, nil)
	require.NoError(t, err)
	c.Add(1, 1)
	c.Add(2, 2)
	c.Add(3, 3)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok, "最久未使用的条目被淘汰")

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
