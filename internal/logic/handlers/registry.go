package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/store"
)

// Handler 把一条事件应用到镜像存储，返回错误会导致整笔交易回滚
type Handler func(ctx context.Context, sess store.Session, ev *core.Event) error

// Registry 按规范化事件类型登记处理器
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.EventType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.EventType]Handler)}
}

// Register 重复登记同一类型会覆盖旧处理器
func (r *Registry) Register(t core.EventType, h Handler) error {
	if t == core.EventUnknown {
		return fmt.Errorf("handlers: cannot register unknown event type")
	}
	if h == nil {
		return fmt.Errorf("handlers: nil handler for %s", t)
	}
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(t core.EventType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types 已登记的事件类型，按名称排序
func (r *Registry) Types() []core.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
