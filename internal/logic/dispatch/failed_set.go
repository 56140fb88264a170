package dispatch

import (
	"sync"
	"time"

	"earnings-sync-sol/internal/types"

	"github.com/lightningnetwork/lnd/clock"
)

type failedEntry struct {
	until  time.Time
	reason string
}

// FailedSet 真实失败玩家的冷却名单
type FailedSet struct {
	mu       sync.Mutex
	entries  map[types.Pubkey]failedEntry
	cooldown time.Duration
	clk      clock.Clock
}

func NewFailedSet(cooldown time.Duration, clk clock.Clock) *FailedSet {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &FailedSet{
		entries:  make(map[types.Pubkey]failedEntry),
		cooldown: cooldown,
		clk:      clk,
	}
}

func (f *FailedSet) Add(wallet types.Pubkey, reason string) {
	f.mu.Lock()
	f.entries[wallet] = failedEntry{until: f.clk.Now().Add(f.cooldown), reason: reason}
	f.mu.Unlock()
}

// Contains 玩家仍在冷却期内
func (f *FailedSet) Contains(wallet types.Pubkey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[wallet]
	return ok && f.clk.Now().Before(e.until)
}

// ClearExpired 清理已过冷却期的条目，返回清理数量
func (f *FailedSet) ClearExpired() int {
	now := f.clk.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for w, e := range f.entries {
		if !now.Before(e.until) {
			delete(f.entries, w)
			n++
		}
	}
	return n
}

func (f *FailedSet) Remove(wallet types.Pubkey) {
	f.mu.Lock()
	delete(f.entries, wallet)
	f.mu.Unlock()
}

func (f *FailedSet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Snapshot 钱包 → 冷却截止时间
func (f *FailedSet) Snapshot() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.entries))
	for w, e := range f.entries {
		out[w.String()] = e.until
	}
	return out
}
