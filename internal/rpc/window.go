package rpc

import "time"

// slidingWindow 记录最近一秒内已放行的请求时间戳
type slidingWindow struct {
	stamps []time.Time
}

// reserve 尝试在 now 时刻占用一个名额。
// 返回 0 表示已占用；否则返回需要等待的时长，调用方等待后重试。
func (w *slidingWindow) reserve(now time.Time, limit int) time.Duration {
	if limit < 1 {
		limit = 1
	}
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}

	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now)
		return 0
	}
	// 需要等到第 len-limit 个时间戳滑出窗口
	wait := w.stamps[len(w.stamps)-limit].Add(time.Second).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (w *slidingWindow) count(now time.Time) int {
	cutoff := now.Add(-time.Second)
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
