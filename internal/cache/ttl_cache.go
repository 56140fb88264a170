package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTLCache 容量有限的 LRU 缓存，读取时按写入时间判断是否过期，过期条目不会被返回。
// lru.Cache 自带锁，可并发使用。
type TTLCache[K comparable, V any] struct {
	lru   *lru.Cache[K, entry[V]]
	ttl   time.Duration
	clock clock.Clock
}

func NewTTLCache[K comparable, V any](size int, ttl time.Duration, clk clock.Clock) (*TTLCache[K, V], error) {
	if size <= 0 {
		size = 1
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	c, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{lru: c, ttl: ttl, clock: clk}, nil
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if c.clock.Now().Sub(e.storedAt) >= c.ttl {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

func (c *TTLCache[K, V]) Add(key K, value V) {
	c.lru.Add(key, entry[V]{value: value, storedAt: c.clock.Now()})
}

func (c *TTLCache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Purge 清空全部条目
func (c *TTLCache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *TTLCache[K, V]) Len() int {
	return c.lru.Len()
}
